// Package config loads the sync tool's settings from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Source extraction methods.
const (
	MethodFile = "file"
	MethodXML  = "xml"
	MethodDB   = "db"
)

// SourceConfig selects and tunes the record-source backend.
type SourceConfig struct {
	Method    string `mapstructure:"method"`
	Directory string `mapstructure:"directory"`
	Encoding  string `mapstructure:"encoding"`
	Delimiter string `mapstructure:"delimiter"`

	PatientsFile      string `mapstructure:"patients_file"`
	TransactionsFile  string `mapstructure:"transactions_file"`
	ContactLensRxFile string `mapstructure:"contact_lens_rx_file"`
	GlassesRxFile     string `mapstructure:"glasses_rx_file"`

	// DatabaseURL points at the staging database the desktop exports are
	// bulk-loaded into when method is "db".
	DatabaseURL string `mapstructure:"database_url"`

	// Per-entity table or query descriptors for the db method.
	PatientsTable     string `mapstructure:"patients_table"`
	TransactionsTable string `mapstructure:"transactions_table"`
}

// Locator resolves the entity's input path (file/xml methods) or table
// descriptor (db method).
func (s SourceConfig) Locator(fileName, table string) string {
	if s.Method == MethodDB {
		return table
	}
	return filepath.Join(s.Directory, fileName)
}

// RemoteConfig is the cloud EHR gateway's connection settings.
type RemoteConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes a sync run.
type SyncConfig struct {
	DataDir         string `mapstructure:"data_dir"`
	BatchSize       int    `mapstructure:"batch_size"`
	ContinueOnError bool   `mapstructure:"continue_on_error"`
	DryRun          bool   `mapstructure:"dry_run"`
}

// MappingFile is the identity map's backing file path.
func (s SyncConfig) MappingFile() string {
	return filepath.Join(s.DataDir, "patient_id_map.json")
}

// FieldMappings carries per-entity source→canonical field name overrides.
// Empty maps fall back to the built-in defaults.
type FieldMappings struct {
	Patient       map[string]string `mapstructure:"patient"`
	ContactLensRx map[string]string `mapstructure:"contact_lens_rx"`
	GlassesRx     map[string]string `mapstructure:"glasses_rx"`
}

// ReportConfig is the monthly report pipeline's settings.
type ReportConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	SpreadsheetID   string `mapstructure:"spreadsheet_id"`
	SheetName       string `mapstructure:"sheet_name"`
}

// ServeConfig is the read-only inspection API's settings.
type ServeConfig struct {
	Port string `mapstructure:"port"`
}

// Config is the full settings tree.
type Config struct {
	Source        SourceConfig  `mapstructure:"source"`
	Remote        RemoteConfig  `mapstructure:"remote"`
	Sync          SyncConfig    `mapstructure:"sync"`
	FieldMappings FieldMappings `mapstructure:"field_mappings"`
	Report        ReportConfig  `mapstructure:"report"`
	Serve         ServeConfig   `mapstructure:"serve"`
}

// Load reads the settings file at path and applies FMSYNC_-prefixed
// environment overrides (FMSYNC_REMOTE_API_KEY overrides remote.api_key).
// A missing settings file is fatal: running against the wrong practice's
// data because a path was mistyped is worse than refusing to start.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("FMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind env vars explicitly so Unmarshal picks them up: AutomaticEnv
	// alone only resolves keys viper already knows from the file or the
	// defaults, and secrets are usually supplied through the environment
	// without appearing in the settings file at all.
	v.BindEnv("remote.base_url")
	v.BindEnv("remote.api_key")
	v.BindEnv("remote.client_id")
	v.BindEnv("remote.client_secret")
	v.BindEnv("source.database_url")
	v.BindEnv("report.credentials_file")
	v.BindEnv("report.spreadsheet_id")

	v.SetDefault("source.method", MethodFile)
	v.SetDefault("source.directory", "./exports")
	v.SetDefault("source.encoding", "utf-8")
	v.SetDefault("source.patients_file", "patients.csv")
	v.SetDefault("source.transactions_file", "transactions_clean.csv")
	v.SetDefault("source.contact_lens_rx_file", "contact_lens_rx.csv")
	v.SetDefault("source.glasses_rx_file", "glasses_rx.csv")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("sync.data_dir", "data")
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.continue_on_error", true)
	v.SetDefault("report.sheet_name", "Data")
	v.SetDefault("serve.port", "8080")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the requirements of the configured source method and
// the gateway credentials. Configuration problems must surface before any
// record is processed.
func (c *Config) Validate() error {
	switch c.Source.Method {
	case MethodFile, MethodXML:
		if c.Source.Directory == "" {
			return fmt.Errorf("source.directory is required for method %q", c.Source.Method)
		}
	case MethodDB:
		if c.Source.DatabaseURL == "" {
			return fmt.Errorf("source.database_url is required for method %q", MethodDB)
		}
	default:
		return fmt.Errorf("source.method must be %q, %q, or %q, got %q",
			MethodFile, MethodXML, MethodDB, c.Source.Method)
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.APIKey == "" && (c.Remote.ClientID == "" || c.Remote.ClientSecret == "") {
		return fmt.Errorf("remote credentials required: set remote.api_key or remote.client_id + remote.client_secret")
	}
	return nil
}
