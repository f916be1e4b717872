package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/fmsync/internal/domain/identity"
	"github.com/ehr/fmsync/internal/platform/remote"
	"github.com/ehr/fmsync/internal/platform/source"
)

type fakeSource struct {
	records map[source.Entity][]source.Record
	err     error
}

func (f *fakeSource) Fetch(_ context.Context, entity source.Entity, _ string, limit int) ([]source.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	records := f.records[entity]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

type fakeGateway struct {
	searchResults []remote.PatientMatch
	createID      string

	createErr error
	updateErr error
	clErr     error

	searches   int
	creates    int
	updates    []string
	clCreates  []string
	clPayloads []map[string]any
}

func (g *fakeGateway) CreatePatient(_ context.Context, _ map[string]any) (string, error) {
	g.creates++
	if g.createErr != nil {
		return "", g.createErr
	}
	return g.createID, nil
}

func (g *fakeGateway) UpdatePatient(_ context.Context, remoteID string, _ map[string]any) error {
	g.updates = append(g.updates, remoteID)
	return g.updateErr
}

func (g *fakeGateway) SearchPatients(_ context.Context, _ remote.SearchCriteria) ([]remote.PatientMatch, error) {
	g.searches++
	return g.searchResults, nil
}

func (g *fakeGateway) CreateContactLensRx(_ context.Context, patientID string, payload map[string]any) error {
	if g.clErr != nil {
		return g.clErr
	}
	g.clCreates = append(g.clCreates, patientID)
	g.clPayloads = append(g.clPayloads, payload)
	return nil
}

func (g *fakeGateway) CreateGlassesRx(_ context.Context, patientID string, _ map[string]any) error {
	g.clCreates = append(g.clCreates, patientID)
	return nil
}

func newTestEngine(t *testing.T, src source.Source, gw Gateway, opts Options) (*Engine, *identity.Map, string) {
	t.Helper()
	mapPath := filepath.Join(t.TempDir(), "patient_id_map.json")
	ids := identity.Open(mapPath, zerolog.Nop())
	return New(src, gw, ids, opts, zerolog.Nop()), ids, mapPath
}

func johnSmith() source.Record {
	return source.Record{
		"PatientID":  "7081608",
		"First Name": "John",
		"Last Name":  "Smith",
		"DOB":        "1990-01-15",
	}
}

// txRow builds a transaction record the way the positional reader would.
func txRow(txNum, patientID, lensName string) source.Record {
	return source.Record{
		"transaction_num": txNum,
		"patient_id":      patientID,
		"date":            "03/15/2024",
		"od_lens_name":    lensName,
	}
}

func TestSyncPatientsCreates(t *testing.T) {
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityPatient: {johnSmith()},
	}}
	gw := &fakeGateway{createID: "pat_abc123"}
	eng, ids, _ := newTestEngine(t, src, gw, Options{})

	rep, err := eng.SyncPatients(context.Background(), "patients.csv")
	if err != nil {
		t.Fatalf("SyncPatients: %v", err)
	}

	if rep.Total != 1 || rep.Created != 1 || rep.Errors != 0 {
		t.Errorf("report = %+v", rep)
	}
	if gw.searches != 1 || gw.creates != 1 {
		t.Errorf("gateway calls: searches=%d creates=%d", gw.searches, gw.creates)
	}
	if remoteID, ok := ids.Remote("7081608"); !ok || remoteID != "pat_abc123" {
		t.Errorf("mapping = %q %v", remoteID, ok)
	}
}

func TestSyncPatientsIdempotent(t *testing.T) {
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityPatient: {johnSmith()},
	}}
	gw := &fakeGateway{createID: "pat_abc123"}
	eng, _, _ := newTestEngine(t, src, gw, Options{})

	if _, err := eng.SyncPatients(context.Background(), "p.csv"); err != nil {
		t.Fatal(err)
	}
	rep, err := eng.SyncPatients(context.Background(), "p.csv")
	if err != nil {
		t.Fatal(err)
	}

	if rep.Created != 0 || rep.Updated != 1 {
		t.Errorf("second run should update, got %+v", rep)
	}
	if gw.creates != 1 {
		t.Errorf("creates = %d, want 1 across both runs", gw.creates)
	}
	// The mapped path goes straight to update, no second search.
	if gw.searches != 1 {
		t.Errorf("searches = %d, want 1", gw.searches)
	}
}

func TestSyncPatientsAdoptsSearchMatch(t *testing.T) {
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityPatient: {johnSmith()},
	}}
	gw := &fakeGateway{searchResults: []remote.PatientMatch{
		{ID: "pat_first"}, {ID: "pat_second"},
	}}
	eng, ids, _ := newTestEngine(t, src, gw, Options{})

	rep, err := eng.SyncPatients(context.Background(), "p.csv")
	if err != nil {
		t.Fatal(err)
	}

	if rep.Updated != 1 || rep.Created != 0 {
		t.Errorf("report = %+v", rep)
	}
	if gw.creates != 0 {
		t.Error("matched patient should not be created")
	}
	// First match wins; remote ordering is authoritative.
	if remoteID, _ := ids.Remote("7081608"); remoteID != "pat_first" {
		t.Errorf("adopted remote = %q", remoteID)
	}
	if len(gw.updates) != 1 || gw.updates[0] != "pat_first" {
		t.Errorf("updates = %v", gw.updates)
	}
}

func TestSyncPatientsDryRunTouchesNothing(t *testing.T) {
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityPatient: {
			johnSmith(),
			{"PatientID": "7081609", "First Name": "Jane", "Last Name": "Doe", "DOB": "1985-06-02"},
		},
	}}
	gw := &fakeGateway{createID: "pat_x"}
	eng, ids, mapPath := newTestEngine(t, src, gw, Options{DryRun: true})

	// Seed one mapping so both dry-run branches are exercised.
	if err := ids.Upsert("7081608", "pat_abc123", identity.Verification{}); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(mapPath)
	if err != nil {
		t.Fatal(err)
	}

	rep, err := eng.SyncPatients(context.Background(), "p.csv")
	if err != nil {
		t.Fatal(err)
	}

	if rep.Updated != 1 || rep.Created != 1 {
		t.Errorf("dry-run counters = %+v", rep)
	}
	if gw.searches != 0 || gw.creates != 0 || len(gw.updates) != 0 {
		t.Errorf("dry run must not call the gateway: %+v", gw)
	}
	after, err := os.ReadFile(mapPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("dry run must leave the identity map file byte-identical")
	}
}

func TestSyncPatientsMissingSource(t *testing.T) {
	src := &fakeSource{err: source.ErrNotFound}
	eng, _, _ := newTestEngine(t, src, &fakeGateway{}, Options{})

	rep, err := eng.SyncPatients(context.Background(), "missing.csv")
	if !errors.Is(err, source.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(rep.ErrorDetails) != 1 {
		t.Errorf("missing source should be one category-level detail, got %v", rep.ErrorDetails)
	}
}

func TestSyncPatientsMissingKeyContinues(t *testing.T) {
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityPatient: {
			{"First Name": "No", "Last Name": "Key"},
			johnSmith(),
		},
	}}
	gw := &fakeGateway{createID: "pat_abc123"}
	eng, _, _ := newTestEngine(t, src, gw, Options{})

	rep, err := eng.SyncPatients(context.Background(), "p.csv")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Errors != 1 || rep.Created != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestSyncPatientsStopOnError(t *testing.T) {
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityPatient: {johnSmith(), johnSmith()},
	}}
	gw := &fakeGateway{createErr: &remote.APIError{Operation: "create", StatusCode: 422, Message: "bad"}}
	eng, _, _ := newTestEngine(t, src, gw, Options{StopOnError: true})

	rep, err := eng.SyncPatients(context.Background(), "p.csv")
	if err == nil {
		t.Fatal("expected batch abort")
	}
	if rep.Errors != 1 || gw.creates != 1 {
		t.Errorf("batch should stop at first failure: errors=%d creates=%d", rep.Errors, gw.creates)
	}
}

func TestSyncPatientsRemoteConflict(t *testing.T) {
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityPatient: {johnSmith()},
	}}
	// Search resolves to a remote patient already owned by another source key.
	gw := &fakeGateway{searchResults: []remote.PatientMatch{{ID: "pat_taken"}}}
	eng, ids, _ := newTestEngine(t, src, gw, Options{})
	if err := ids.Upsert("9999", "pat_taken", identity.Verification{}); err != nil {
		t.Fatal(err)
	}

	rep, err := eng.SyncPatients(context.Background(), "p.csv")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Errors != 1 || rep.Updated != 0 {
		t.Errorf("conflict should be a record error, got %+v", rep)
	}
	if len(gw.updates) != 0 {
		t.Error("no update should follow a rejected mapping")
	}
	if owner, _ := ids.Source("pat_taken"); owner != "9999" {
		t.Errorf("existing mapping disturbed: owner = %q", owner)
	}
}

func TestSyncTransactions(t *testing.T) {
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityTransaction: {
			txRow("TX-1", "7081608", "Acuvue Oasys"), // mapped, has rx
			txRow("TX-2", "5555555", "Biofinity"),    // unmapped, has rx
			txRow("TX-3", "7081608", ""),             // no lens data
		},
	}}
	gw := &fakeGateway{}
	eng, ids, _ := newTestEngine(t, src, gw, Options{})
	if err := ids.Upsert("7081608", "pat_abc123", identity.Verification{}); err != nil {
		t.Fatal(err)
	}

	rep, err := eng.SyncTransactions(context.Background(), "tx.csv")
	if err != nil {
		t.Fatal(err)
	}

	if rep.Total != 3 || rep.WithContactLensRx != 2 {
		t.Errorf("report = %+v", rep)
	}
	if rep.Synced != 1 || rep.SkippedNoRx != 1 || rep.SkippedNoMapping != 1 {
		t.Errorf("skip taxonomy wrong: %+v", rep)
	}
	// The no-mapping skip records a review detail but is not an error.
	if rep.Errors != 0 || len(rep.ErrorDetails) != 1 {
		t.Errorf("errors=%d details=%v", rep.Errors, rep.ErrorDetails)
	}
	if len(gw.clCreates) != 1 || gw.clCreates[0] != "pat_abc123" {
		t.Errorf("clCreates = %v", gw.clCreates)
	}
	if gw.clPayloads[0]["external_rx_id"] != "TX-1" {
		t.Errorf("payload = %v", gw.clPayloads[0])
	}
}

func TestSyncTransactionsDryRun(t *testing.T) {
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityTransaction: {txRow("TX-1", "7081608", "Acuvue Oasys")},
	}}
	gw := &fakeGateway{}
	eng, ids, _ := newTestEngine(t, src, gw, Options{DryRun: true})
	if err := ids.Upsert("7081608", "pat_abc123", identity.Verification{}); err != nil {
		t.Fatal(err)
	}

	rep, err := eng.SyncTransactions(context.Background(), "tx.csv")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Synced != 1 || len(gw.clCreates) != 0 {
		t.Errorf("dry run: synced=%d calls=%v", rep.Synced, gw.clCreates)
	}
}

func TestSyncContactLensRx(t *testing.T) {
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityContactLensRx: {
			{"RxID": "rx-1", "PatientID": "7081608", "OD_Sphere": "-2.25"},
			{"RxID": "rx-2", "PatientID": "5555555", "OD_Sphere": "-1.00"},
		},
	}}
	gw := &fakeGateway{}
	eng, ids, _ := newTestEngine(t, src, gw, Options{})
	if err := ids.Upsert("7081608", "pat_abc123", identity.Verification{}); err != nil {
		t.Fatal(err)
	}

	rep, err := eng.SyncContactLensRx(context.Background(), "cl.csv")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Synced != 1 || rep.Errors != 1 {
		t.Errorf("report = %+v", rep)
	}
	if len(gw.clCreates) != 1 || gw.clCreates[0] != "pat_abc123" {
		t.Errorf("clCreates = %v", gw.clCreates)
	}
}

func TestRunFullOrder(t *testing.T) {
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityPatient:     {johnSmith()},
		source.EntityTransaction: {txRow("TX-1", "7081608", "Acuvue Oasys")},
	}}
	gw := &fakeGateway{createID: "pat_abc123"}
	eng, _, _ := newTestEngine(t, src, gw, Options{})

	reports, err := eng.RunFull(context.Background(), Locators{
		Patients: "p.csv", Transactions: "tx.csv",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 || reports[0].Kind != KindPatients || reports[1].Kind != KindTransactions {
		t.Fatalf("reports = %v", reports)
	}
	// Patients ran first, so the transaction found its mapping.
	if reports[1].Synced != 1 || reports[1].SkippedNoMapping != 0 {
		t.Errorf("transaction report = %+v", reports[1])
	}
}

func TestSyncPatientsBatchProgress(t *testing.T) {
	var records []source.Record
	for i := 0; i < 5; i++ {
		records = append(records, source.Record{
			"PatientID":  fmt.Sprintf("70816%02d", i),
			"First Name": "John",
			"Last Name":  "Smith",
			"DOB":        "1990-01-15",
		})
	}
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityPatient: records,
	}}

	var buf bytes.Buffer
	ids := identity.Open(filepath.Join(t.TempDir(), "map.json"), zerolog.Nop())
	eng := New(src, &fakeGateway{}, ids, Options{DryRun: true, BatchSize: 2}, zerolog.New(&buf))

	if _, err := eng.SyncPatients(context.Background(), "p.csv"); err != nil {
		t.Fatal(err)
	}

	// 5 records, batches of 2: heartbeats after 2 and 4. The final record
	// is covered by the completion line, not a heartbeat.
	if got := strings.Count(buf.String(), `"message":"progress"`); got != 2 {
		t.Errorf("progress lines = %d, want 2\nlog:\n%s", got, buf.String())
	}
}

func TestSyncPatientsNoBatchSizeNoProgress(t *testing.T) {
	src := &fakeSource{records: map[source.Entity][]source.Record{
		source.EntityPatient: {johnSmith()},
	}}
	var buf bytes.Buffer
	ids := identity.Open(filepath.Join(t.TempDir(), "map.json"), zerolog.Nop())
	eng := New(src, &fakeGateway{}, ids, Options{DryRun: true}, zerolog.New(&buf))

	if _, err := eng.SyncPatients(context.Background(), "p.csv"); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), `"message":"progress"`) {
		t.Errorf("unexpected heartbeat with batch size unset:\n%s", buf.String())
	}
}

func TestPatientCountersShape(t *testing.T) {
	rep := newReport(KindPatients, false)
	rep.Total, rep.Created, rep.Updated, rep.Errors = 3, 2, 1, 0

	var names []string
	for _, c := range rep.Counters() {
		names = append(names, c.Name)
	}
	want := []string{"total", "created", "updated", "skipped", "errors"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("counters = %v, want %v", names, want)
	}
}

func TestReportErrorCap(t *testing.T) {
	rep := newReport(KindPatients, false)
	for i := 0; i < errorDetailCap+10; i++ {
		rep.recordError("r", "boom")
	}
	if rep.Errors != errorDetailCap+10 {
		t.Errorf("Errors = %d", rep.Errors)
	}
	if len(rep.ErrorDetails) != errorDetailCap {
		t.Errorf("details = %d, want capped at %d", len(rep.ErrorDetails), errorDetailCap)
	}
	if rep.Truncated != 10 {
		t.Errorf("Truncated = %d", rep.Truncated)
	}
}
