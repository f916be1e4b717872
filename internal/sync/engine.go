// Package sync is the reconciliation engine: it walks source records,
// consults the identity map, and issues the minimal set of remote calls to
// make the remote system match the exports without creating duplicates.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/fmsync/internal/domain/identity"
	"github.com/ehr/fmsync/internal/domain/ledger"
	"github.com/ehr/fmsync/internal/domain/patient"
	"github.com/ehr/fmsync/internal/domain/rx"
	"github.com/ehr/fmsync/internal/normalize"
	"github.com/ehr/fmsync/internal/platform/remote"
	"github.com/ehr/fmsync/internal/platform/source"
)

// Gateway is the remote surface the engine drives. *remote.Client satisfies
// it; tests substitute a fake.
type Gateway interface {
	CreatePatient(ctx context.Context, payload map[string]any) (string, error)
	UpdatePatient(ctx context.Context, remoteID string, payload map[string]any) error
	SearchPatients(ctx context.Context, criteria remote.SearchCriteria) ([]remote.PatientMatch, error)
	CreateContactLensRx(ctx context.Context, patientID string, payload map[string]any) error
	CreateGlassesRx(ctx context.Context, patientID string, payload map[string]any) error
}

// Options tunes a sync run.
type Options struct {
	// DryRun counts the decisions the engine would take without issuing
	// remote calls or touching the identity map.
	DryRun bool
	// StopOnError aborts the batch at the first record error instead of
	// continuing.
	StopOnError bool
	// Limit caps how many records each category reads; zero means all.
	Limit int
	// BatchSize sets how many records are processed between progress log
	// lines; zero disables the heartbeat.
	BatchSize int

	// Per-entity field maps; nil falls back to the package defaults.
	PatientFieldMap     normalize.FieldMap
	ContactLensFieldMap normalize.FieldMap
	GlassesFieldMap     normalize.FieldMap
}

// Locators name the per-entity inputs for a full run.
type Locators struct {
	Patients      string
	Transactions  string
	ContactLensRx string
	GlassesRx     string
}

// Engine orchestrates one sync run. It is the identity map's single writer.
type Engine struct {
	src  source.Source
	gw   Gateway
	ids  *identity.Map
	opts Options
	log  zerolog.Logger
}

// New builds an engine over a record source, a gateway and an identity map.
func New(src source.Source, gw Gateway, ids *identity.Map, opts Options, log zerolog.Logger) *Engine {
	return &Engine{src: src, gw: gw, ids: ids, opts: opts, log: log}
}

// SyncPatients reconciles the patients export against the remote system.
// Per record: a mapped patient is updated in place; an unmapped patient is
// searched for by name and date of birth, adopted when found, created when
// not. In dry-run mode no remote call is made and the map is untouched:
// mapped records count as updated and unmapped as created, without the
// search step.
func (e *Engine) SyncPatients(ctx context.Context, locator string) (*Report, error) {
	rep := newReport(KindPatients, e.opts.DryRun)
	e.log.Info().Str("source", locator).Bool("dry_run", e.opts.DryRun).Msg("starting patient sync")

	records, err := e.src.Fetch(ctx, source.EntityPatient, locator, e.opts.Limit)
	if err != nil {
		rep.recordError("", err.Error())
		return rep, fmt.Errorf("read patients: %w", err)
	}
	rep.Total = len(records)

	for i, raw := range records {
		p := patient.FromRecord(raw, e.opts.PatientFieldMap)
		if err := e.syncOnePatient(ctx, p, rep); err != nil {
			return rep, err
		}
		e.progress(rep, i+1)
	}

	e.log.Info().
		Int("created", rep.Created).Int("updated", rep.Updated).Int("errors", rep.Errors).
		Msg("patient sync complete")
	return rep, nil
}

func (e *Engine) syncOnePatient(ctx context.Context, p patient.Patient, rep *Report) error {
	if p.SourceID == "" {
		if e.recordError(rep, "", "record carries no patient key") {
			return errors.New("record carries no patient key")
		}
		return nil
	}

	remoteID, mapped := e.ids.Remote(p.SourceID)

	if e.opts.DryRun {
		if mapped {
			e.log.Info().Str("patient", p.FullName()).Str("remote", remoteID).Msg("dry-run: would update")
			rep.Updated++
		} else {
			e.log.Info().Str("patient", p.FullName()).Str("source", p.SourceID).Msg("dry-run: would create")
			rep.Created++
		}
		return nil
	}

	payload := p.Payload()

	if mapped {
		if err := e.gw.UpdatePatient(ctx, remoteID, payload); err != nil {
			if e.recordError(rep, p.SourceID, err.Error()) {
				return err
			}
			return nil
		}
		rep.Updated++
		e.log.Debug().Str("patient", p.FullName()).Msg("updated")
		return nil
	}

	matches, err := e.gw.SearchPatients(ctx, remote.SearchCriteria{
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		DateOfBirth: p.DOBString(),
	})
	if err != nil {
		if e.recordError(rep, p.SourceID, err.Error()) {
			return err
		}
		return nil
	}

	verification := e.verification(p)

	if len(matches) > 0 {
		// Adopt the remote system's first match; its ordering is
		// authoritative and is not re-sorted locally.
		remoteID = matches[0].ID
		if err := e.upsert(p.SourceID, remoteID, verification, rep); err != nil {
			return err
		}
		if err := e.gw.UpdatePatient(ctx, remoteID, payload); err != nil {
			if e.recordError(rep, p.SourceID, err.Error()) {
				return err
			}
			return nil
		}
		rep.Updated++
		e.log.Debug().Str("patient", p.FullName()).Str("remote", remoteID).Msg("matched and updated")
		return nil
	}

	remoteID, err = e.gw.CreatePatient(ctx, payload)
	if err != nil {
		if e.recordError(rep, p.SourceID, err.Error()) {
			return err
		}
		return nil
	}
	if err := e.upsert(p.SourceID, remoteID, verification, rep); err != nil {
		return err
	}
	rep.Created++
	e.log.Debug().Str("patient", p.FullName()).Str("remote", remoteID).Msg("created")
	return nil
}

// upsert writes a mapping. A remote-key conflict is a record-level error; a
// persistence failure is fatal because continuing without a durable map
// would duplicate patients on the next run.
func (e *Engine) upsert(sourceKey, remoteKey string, v identity.Verification, rep *Report) error {
	err := e.ids.Upsert(sourceKey, remoteKey, v)
	if err == nil {
		return nil
	}
	if errors.Is(err, identity.ErrRemoteConflict) {
		if e.recordError(rep, sourceKey, err.Error()) {
			return err
		}
		return nil
	}
	rep.recordError(sourceKey, err.Error())
	return fmt.Errorf("persist identity map: %w", err)
}

func (e *Engine) verification(p patient.Patient) identity.Verification {
	dob := p.DOBString()
	return identity.Verification{
		FirstName:   &p.FirstName,
		LastName:    &p.LastName,
		DateOfBirth: &dob,
	}
}

// SyncTransactions uploads contact lens prescriptions embedded in the
// financial ledger export. Rows without lens data are skipped outright;
// rows whose patient has no mapping are skipped with a distinct counter and
// a review detail — ledger-derived prescriptions are only synced for
// already-known patients, never trigger a patient search or create.
func (e *Engine) SyncTransactions(ctx context.Context, locator string) (*Report, error) {
	rep := newReport(KindTransactions, e.opts.DryRun)
	e.log.Info().Str("source", locator).Bool("dry_run", e.opts.DryRun).Msg("starting transaction sync")

	records, err := e.src.Fetch(ctx, source.EntityTransaction, locator, e.opts.Limit)
	if err != nil {
		rep.recordError("", err.Error())
		return rep, fmt.Errorf("read transactions: %w", err)
	}
	rep.Total = len(records)

	for i, rec := range records {
		tx := ledger.FromRecord(rec)
		e.progress(rep, i+1)

		if !tx.HasContactLensRx() {
			rep.SkippedNoRx++
			continue
		}
		rep.WithContactLensRx++

		remoteID, mapped := e.ids.Remote(tx.PatientID)
		if !mapped {
			rep.SkippedNoMapping++
			rep.addDetail(tx.TransactionNum,
				fmt.Sprintf("no mapping for patient %s", tx.PatientID))
			e.log.Warn().Str("transaction", tx.TransactionNum).Str("patient", tx.PatientID).
				Msg("skipping: patient not mapped")
			continue
		}

		if e.opts.DryRun {
			e.log.Info().Str("transaction", tx.TransactionNum).Str("remote", remoteID).
				Msg("dry-run: would create contact lens rx")
			rep.Synced++
			continue
		}

		if err := e.gw.CreateContactLensRx(ctx, remoteID, tx.Payload()); err != nil {
			if e.recordError(rep, tx.TransactionNum, err.Error()) {
				return rep, err
			}
			continue
		}
		rep.Synced++
	}

	e.log.Info().
		Int("total", rep.Total).Int("with_cl_rx", rep.WithContactLensRx).
		Int("synced", rep.Synced).Int("skipped_no_mapping", rep.SkippedNoMapping).
		Int("errors", rep.Errors).
		Msg("transaction sync complete")
	return rep, nil
}

// SyncContactLensRx uploads the dedicated contact lens Rx export. Create
// only; a prescription whose patient has no mapping is a record error.
func (e *Engine) SyncContactLensRx(ctx context.Context, locator string) (*Report, error) {
	rep := newReport(KindContactLens, e.opts.DryRun)
	e.log.Info().Str("source", locator).Msg("starting contact lens rx sync")

	records, err := e.src.Fetch(ctx, source.EntityContactLensRx, locator, e.opts.Limit)
	if err != nil {
		rep.recordError("", err.Error())
		return rep, fmt.Errorf("read contact lens rx: %w", err)
	}
	rep.Total = len(records)

	for i, raw := range records {
		r := rx.ContactLensFromRecord(raw, e.opts.ContactLensFieldMap)
		if err := e.uploadRx(ctx, rep, r.SourceID, r.PatientSourceID, r.Payload(), e.gw.CreateContactLensRx); err != nil {
			return rep, err
		}
		e.progress(rep, i+1)
	}

	e.log.Info().Int("synced", rep.Synced).Int("errors", rep.Errors).Msg("contact lens rx sync complete")
	return rep, nil
}

// SyncGlassesRx uploads the dedicated glasses Rx export.
func (e *Engine) SyncGlassesRx(ctx context.Context, locator string) (*Report, error) {
	rep := newReport(KindGlasses, e.opts.DryRun)
	e.log.Info().Str("source", locator).Msg("starting glasses rx sync")

	records, err := e.src.Fetch(ctx, source.EntityGlassesRx, locator, e.opts.Limit)
	if err != nil {
		rep.recordError("", err.Error())
		return rep, fmt.Errorf("read glasses rx: %w", err)
	}
	rep.Total = len(records)

	for i, raw := range records {
		r := rx.GlassesFromRecord(raw, e.opts.GlassesFieldMap)
		if err := e.uploadRx(ctx, rep, r.SourceID, r.PatientSourceID, r.Payload(), e.gw.CreateGlassesRx); err != nil {
			return rep, err
		}
		e.progress(rep, i+1)
	}

	e.log.Info().Int("synced", rep.Synced).Int("errors", rep.Errors).Msg("glasses rx sync complete")
	return rep, nil
}

func (e *Engine) uploadRx(
	ctx context.Context,
	rep *Report,
	rxID, patientSourceID string,
	payload map[string]any,
	create func(context.Context, string, map[string]any) error,
) error {
	remoteID, mapped := e.ids.Remote(patientSourceID)
	if patientSourceID == "" || !mapped {
		if e.recordError(rep, rxID, fmt.Sprintf("no mapping for patient %q", patientSourceID)) {
			return fmt.Errorf("no mapping for patient %q", patientSourceID)
		}
		return nil
	}

	if e.opts.DryRun {
		rep.Synced++
		return nil
	}

	if err := create(ctx, remoteID, payload); err != nil {
		if e.recordError(rep, rxID, err.Error()) {
			return err
		}
		return nil
	}
	rep.Synced++
	return nil
}

// RunFull runs patients then transactions, the categories of a routine
// nightly sync. Dedicated Rx exports are run separately when the practice
// produces them.
func (e *Engine) RunFull(ctx context.Context, loc Locators) ([]*Report, error) {
	var reports []*Report

	patients, err := e.SyncPatients(ctx, loc.Patients)
	reports = append(reports, patients)
	if err != nil {
		return reports, err
	}

	transactions, err := e.SyncTransactions(ctx, loc.Transactions)
	reports = append(reports, transactions)
	if err != nil {
		return reports, err
	}

	return reports, nil
}

// progress logs a heartbeat every configured batch of records so runs over
// multi-thousand-row exports stay observable; the final count is covered by
// the completion line.
func (e *Engine) progress(rep *Report, done int) {
	if e.opts.BatchSize <= 0 || done == rep.Total || done%e.opts.BatchSize != 0 {
		return
	}
	e.log.Info().Str("category", string(rep.Kind)).
		Int("processed", done).Int("total", rep.Total).
		Msg("progress")
}

// recordError books a record failure and reports whether the batch should
// abort.
func (e *Engine) recordError(rep *Report, record, message string) bool {
	rep.recordError(record, message)
	e.log.Error().Str("record", record).Str("error", message).Msg("record failed")
	return e.opts.StopOnError
}
