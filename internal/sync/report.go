package sync

import "fmt"

// errorDetailCap bounds the per-report error list so a systematically broken
// export cannot balloon the run summary.
const errorDetailCap = 100

// Kind selects which counters a report carries.
type Kind string

const (
	KindPatients     Kind = "patients"
	KindTransactions Kind = "transactions"
	KindContactLens  Kind = "contact_lens_rx"
	KindGlasses      Kind = "glasses_rx"
)

// ErrorDetail is one record-level failure kept for the run summary.
type ErrorDetail struct {
	Record  string
	Message string
}

func (d ErrorDetail) String() string {
	if d.Record == "" {
		return d.Message
	}
	return fmt.Sprintf("%s: %s", d.Record, d.Message)
}

// Counter is one named figure in a report summary.
type Counter struct {
	Name  string
	Value int
}

// Report accumulates one sync category's outcome. It is created at the start
// of a category run, mutated per record, and returned to the caller; it is
// never persisted.
type Report struct {
	Kind   Kind
	DryRun bool

	Total   int
	Created int
	Updated int
	Synced  int
	// Skipped is carried in the patient summary for parity with the run
	// logs operators archived from the desktop tool; nothing increments it
	// today.
	Skipped int

	WithContactLensRx int
	SkippedNoRx       int
	SkippedNoMapping  int

	Errors       int
	ErrorDetails []ErrorDetail
	// Truncated counts error details dropped past the cap.
	Truncated int
}

func newReport(kind Kind, dryRun bool) *Report {
	return &Report{Kind: kind, DryRun: dryRun}
}

// recordError counts a record-level failure and keeps its detail up to the
// cap.
func (r *Report) recordError(record, message string) {
	r.Errors++
	r.addDetail(record, message)
}

// addDetail appends a detail without counting an error; the no-mapping skip
// policy records details for review but is not a failure.
func (r *Report) addDetail(record, message string) {
	if len(r.ErrorDetails) >= errorDetailCap {
		r.Truncated++
		return
	}
	r.ErrorDetails = append(r.ErrorDetails, ErrorDetail{Record: record, Message: message})
}

// Counters lists the report's figures in display order. The set depends on
// the category: patient runs count created/updated, ledger runs count the
// skip taxonomy.
func (r *Report) Counters() []Counter {
	c := []Counter{{"total", r.Total}}
	switch r.Kind {
	case KindPatients:
		c = append(c,
			Counter{"created", r.Created},
			Counter{"updated", r.Updated},
			Counter{"skipped", r.Skipped},
		)
	case KindTransactions:
		c = append(c,
			Counter{"with_cl_rx", r.WithContactLensRx},
			Counter{"synced", r.Synced},
			Counter{"skipped_no_rx", r.SkippedNoRx},
			Counter{"skipped_no_mapping", r.SkippedNoMapping},
		)
	default:
		c = append(c, Counter{"synced", r.Synced})
	}
	return append(c, Counter{"errors", r.Errors})
}
