// Package source abstracts extraction of raw records from the legacy
// desktop database. Three backends share one call surface: delimited file
// exports (with or without a header row), FMPXMLRESULT XML exports, and a
// staging SQL database the exports have been bulk-loaded into. Backends
// yield ordered sequences of raw field→value mappings; canonical naming
// and type coercion happen downstream in the normalize package.
package source

import (
	"context"
	"errors"
)

// Entity identifies a record type to extract.
type Entity string

const (
	EntityPatient       Entity = "patient"
	EntityContactLensRx Entity = "contact_lens_rx"
	EntityGlassesRx     Entity = "glasses_rx"
	EntityTransaction   Entity = "transaction"
)

// RowNumberField carries the 1-based row position of a positional record,
// kept for error reporting.
const RowNumberField = "_row_number"

// ErrNotFound reports a missing export file or staging table, as opposed to
// one that exists but holds no records.
var ErrNotFound = errors.New("record source not found")

// Record is one raw record: source field identifier → value. Values are
// cleaned (trimmed, blank/"null" tokens emptied) but not coerced.
type Record map[string]string

// Source is the extraction contract. locator is a file path for file-backed
// methods or a table/query descriptor for the database method. limit <= 0
// means no limit.
type Source interface {
	Fetch(ctx context.Context, entity Entity, locator string, limit int) ([]Record, error)
}
