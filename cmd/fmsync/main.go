package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fmsync/internal/config"
	"github.com/ehr/fmsync/internal/domain/identity"
	"github.com/ehr/fmsync/internal/domain/ledger"
	"github.com/ehr/fmsync/internal/domain/report"
	"github.com/ehr/fmsync/internal/normalize"
	"github.com/ehr/fmsync/internal/platform/inspect"
	"github.com/ehr/fmsync/internal/platform/pdftext"
	"github.com/ehr/fmsync/internal/platform/remote"
	"github.com/ehr/fmsync/internal/platform/sheets"
	"github.com/ehr/fmsync/internal/platform/source"
	syncpkg "github.com/ehr/fmsync/internal/sync"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fmsync",
		Short: "Legacy practice management to cloud EHR sync tool",
	}

	rootCmd.PersistentFlags().String("config", "config/settings.yaml", "Path to settings file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose (debug) logging")

	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(mappingCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cmd *cobra.Command) zerolog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger().Level(level)
	}
	return logger
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// buildSource assembles the per-entity record source. The patient and
// dedicated Rx exports carry header rows; the transactions export is a
// headerless 38-column ledger dump read through its position map.
func buildSource(ctx context.Context, cfg *config.Config) (source.Source, func(), error) {
	noop := func() {}

	switch cfg.Source.Method {
	case config.MethodDB:
		pool, err := source.NewDBPool(ctx, cfg.Source.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		return source.NewDBSource(pool), pool.Close, nil

	case config.MethodXML:
		xml := source.NewXMLSource()
		return source.Router{
			source.EntityPatient:       xml,
			source.EntityContactLensRx: xml,
			source.EntityGlassesRx:     xml,
			source.EntityTransaction:   transactionsFileSource(cfg),
		}, noop, nil

	default:
		headered := source.NewFileSource(source.FileOptions{
			Encoding:  cfg.Source.Encoding,
			Delimiter: delimiterRune(cfg.Source.Delimiter),
		})
		return source.Router{
			source.EntityPatient:       headered,
			source.EntityContactLensRx: headered,
			source.EntityGlassesRx:     headered,
			source.EntityTransaction:   transactionsFileSource(cfg),
		}, noop, nil
	}
}

func transactionsFileSource(cfg *config.Config) *source.FileSource {
	return source.NewFileSource(source.FileOptions{
		Encoding:  cfg.Source.Encoding,
		Delimiter: delimiterRune(cfg.Source.Delimiter),
		NoHeader:  true,
		PositionMaps: map[source.Entity]normalize.PositionMap{
			source.EntityTransaction: ledger.DefaultPositionMap,
		},
	})
}

func delimiterRune(s string) rune {
	if s == "" {
		return 0
	}
	if s == `\t` {
		return '\t'
	}
	return []rune(s)[0]
}

func locators(cfg *config.Config) syncpkg.Locators {
	return syncpkg.Locators{
		Patients:      cfg.Source.Locator(cfg.Source.PatientsFile, cfg.Source.PatientsTable),
		Transactions:  cfg.Source.Locator(cfg.Source.TransactionsFile, cfg.Source.TransactionsTable),
		ContactLensRx: cfg.Source.Locator(cfg.Source.ContactLensRxFile, ""),
		GlassesRx:     cfg.Source.Locator(cfg.Source.GlassesRxFile, ""),
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile legacy exports against the cloud EHR",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd)

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			dryRun, _ := cmd.Flags().GetBool("dry-run")
			patientsOnly, _ := cmd.Flags().GetBool("patients-only")
			transactionsOnly, _ := cmd.Flags().GetBool("transactions-only")
			glassesOnly, _ := cmd.Flags().GetBool("glasses-rx-only")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx := context.Background()
			src, closeSrc, err := buildSource(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeSrc()

			gw := remote.NewClient(remote.Options{
				BaseURL:      cfg.Remote.BaseURL,
				APIKey:       cfg.Remote.APIKey,
				ClientID:     cfg.Remote.ClientID,
				ClientSecret: cfg.Remote.ClientSecret,
				Timeout:      cfg.Remote.Timeout,
			}, logger)

			if err := os.MkdirAll(cfg.Sync.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			ids := identity.Open(cfg.Sync.MappingFile(), logger)

			engine := syncpkg.New(src, gw, ids, syncpkg.Options{
				DryRun:              dryRun || cfg.Sync.DryRun,
				StopOnError:         !cfg.Sync.ContinueOnError,
				Limit:               limit,
				BatchSize:           cfg.Sync.BatchSize,
				PatientFieldMap:     normalize.FieldMap(cfg.FieldMappings.Patient),
				ContactLensFieldMap: normalize.FieldMap(cfg.FieldMappings.ContactLensRx),
				GlassesFieldMap:     normalize.FieldMap(cfg.FieldMappings.GlassesRx),
			}, logger)

			loc := locators(cfg)

			var reports []*syncpkg.Report
			var runErr error
			switch {
			case patientsOnly:
				rep, err := engine.SyncPatients(ctx, loc.Patients)
				reports, runErr = append(reports, rep), err
			case transactionsOnly:
				rep, err := engine.SyncTransactions(ctx, loc.Transactions)
				reports, runErr = append(reports, rep), err
			case glassesOnly:
				rep, err := engine.SyncGlassesRx(ctx, loc.GlassesRx)
				reports, runErr = append(reports, rep), err
			default:
				reports, runErr = engine.RunFull(ctx, loc)
			}

			for _, rep := range reports {
				printSummary(rep)
			}
			if runErr != nil {
				return fmt.Errorf("sync failed: %w", runErr)
			}
			return nil
		},
	}

	cmd.Flags().Bool("dry-run", false, "Report what would change without calling the remote API")
	cmd.Flags().Bool("patients-only", false, "Sync only the patients export")
	cmd.Flags().Bool("transactions-only", false, "Sync only the ledger transactions export")
	cmd.Flags().Bool("glasses-rx-only", false, "Sync only the glasses Rx export")
	cmd.Flags().Int("limit", 0, "Cap records per category (0 = all)")
	return cmd
}

// printSummary renders one category's counters and a preview of its error
// details, mirroring what operators saw from the desktop tool's run log.
func printSummary(rep *syncpkg.Report) {
	if rep == nil {
		return
	}
	title := string(rep.Kind)
	if rep.DryRun {
		title += " (dry run)"
	}
	fmt.Printf("\n=== %s ===\n", title)
	for _, c := range rep.Counters() {
		fmt.Printf("  %-20s %d\n", c.Name, c.Value)
	}

	const preview = 3
	if len(rep.ErrorDetails) > 0 {
		fmt.Printf("\n--- First %d errors ---\n", min(preview, len(rep.ErrorDetails)))
		for i, d := range rep.ErrorDetails {
			if i >= preview {
				break
			}
			fmt.Printf("  %s\n", d)
		}
		if rest := len(rep.ErrorDetails) + rep.Truncated - preview; rest > 0 {
			fmt.Printf("  ... and %d more\n", rest)
		}
	}
}

func mappingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Inspect and maintain the patient identity map",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show identity map statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := openMap(cmd)
			if err != nil {
				return err
			}
			stats := ids.Stats()
			fmt.Printf("Total mappings: %d\n", stats.TotalMappings)
			if stats.LastSync != nil {
				fmt.Printf("Last sync:      %s\n", stats.LastSync.Format("2006-01-02 15:04:05"))
			} else {
				fmt.Println("Last sync:      never")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export <path>",
		Short: "Export the identity map to CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := openMap(cmd)
			if err != nil {
				return err
			}
			if err := ids.ExportCSV(args[0]); err != nil {
				return err
			}
			fmt.Printf("Exported %d mappings to %s\n", ids.Len(), args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <source-key>",
		Short: "Remove one mapping by its legacy patient key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := openMap(cmd)
			if err != nil {
				return err
			}
			removed, err := ids.Remove(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no mapping for %q", args[0])
			}
			fmt.Printf("Removed mapping for %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func openMap(cmd *cobra.Command) (*identity.Map, error) {
	logger := newLogger(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return identity.Open(cfg.Sync.MappingFile(), logger), nil
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <pdf>",
		Short: "Parse a monthly summary report PDF and upload it to the tracking sheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd)

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			dryRun, _ := cmd.Flags().GetBool("dry-run")
			latestOnly, _ := cmd.Flags().GetBool("latest-only")

			text, err := pdftext.Extract(args[0])
			if err != nil {
				return err
			}
			records := report.ParseText(text)
			if len(records) == 0 {
				return fmt.Errorf("no monthly records found in %s", args[0])
			}
			if latestOnly {
				records = []report.MonthlyRecord{*report.Latest(records)}
			}
			logger.Info().Int("records", len(records)).Str("pdf", args[0]).Msg("parsed monthly report")

			if dryRun {
				for _, rec := range records {
					fmt.Printf("%s  charges=%.2f  payments=%.2f  exams=%d\n",
						rec.Period(), rec.Charges, rec.Payments, rec.Exams)
				}
				logger.Info().Msg("dry-run: skipping sheet upload")
				return nil
			}

			if cfg.Report.SpreadsheetID == "" {
				return fmt.Errorf("report.spreadsheet_id is required to upload")
			}
			ctx := context.Background()
			sheet, err := sheets.New(ctx, cfg.Report.CredentialsFile, cfg.Report.SpreadsheetID, cfg.Report.SheetName, logger)
			if err != nil {
				return err
			}
			for _, rec := range records {
				if err := sheet.UpsertMonthly(ctx, rec.Year, rec.Month, rec.SheetRow()); err != nil {
					return fmt.Errorf("upload %s: %w", rec.Period(), err)
				}
			}
			fmt.Printf("Uploaded %d month(s) to sheet %q\n", len(records), cfg.Report.SheetName)
			return nil
		},
	}

	cmd.Flags().Bool("dry-run", false, "Parse and print without uploading")
	cmd.Flags().Bool("latest-only", false, "Upload only the most recent month in the report")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only identity map inspection API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd)
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ids := identity.Open(cfg.Sync.MappingFile(), logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return inspect.Run(ctx, ids, cfg.Serve.Port, logger)
		},
	}
}
