// Package identity maintains the durable cross-system identity map: the
// bidirectional correspondence between source-system record keys and the
// remote EHR's assigned identifiers. The map is what makes repeated sync
// runs converge instead of duplicating patients, so every successful
// mutation is durable before the call returns.
package identity

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// ErrRemoteConflict is returned by Upsert when the remote key is already
// mapped to a different source key. Silently rewriting the reverse entry
// would leave the older source record pointing at a remote entity it no
// longer owns, so the caller must resolve the conflict explicitly.
var ErrRemoteConflict = errors.New("remote key already mapped to a different source key")

// Verification is the human-audit snapshot stored alongside a mapping.
// It is never used for re-matching.
type Verification struct {
	FirstName   *string
	LastName    *string
	DateOfBirth *string
}

// Entry is one confirmed source↔remote correspondence.
type Entry struct {
	RemoteKey   string    `json:"remote_key"`
	FirstName   *string   `json:"first_name"`
	LastName    *string   `json:"last_name"`
	DateOfBirth *string   `json:"dob"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Stats summarises the map for reporting.
type Stats struct {
	TotalMappings int        `json:"total_mappings"`
	LastSync      *time.Time `json:"last_sync"`
}

type document struct {
	Mappings     map[string]*Entry `json:"mappings"`
	ReverseIndex map[string]string `json:"reverse_index"`
	Stats        Stats             `json:"stats"`
}

// Map is the identity map aggregate. It owns both the forward entries and
// the reverse index behind a single mutation API and rewrites its backing
// file on every mutation. Single writer only: the save-on-every-write
// discipline is not safe under concurrent writers.
type Map struct {
	path     string
	entries  map[string]*Entry
	reverse  map[string]string
	lastSync *time.Time
	log      zerolog.Logger
}

// Open loads the map from path. A missing, malformed, or unreadable file is
// non-fatal: the map starts empty and the condition is logged, since the
// map is reconstructible from the remote system.
func Open(path string, log zerolog.Logger) *Map {
	m := &Map{
		path:    path,
		entries: make(map[string]*Entry),
		reverse: make(map[string]string),
		log:     log,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("identity map unreadable, starting empty")
		}
		return m
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("identity map malformed, starting empty")
		return m
	}
	if doc.Mappings != nil {
		m.entries = doc.Mappings
	}
	if doc.ReverseIndex != nil {
		m.reverse = doc.ReverseIndex
	}
	m.lastSync = doc.Stats.LastSync

	log.Info().Int("mappings", len(m.entries)).Str("path", path).Msg("loaded identity map")
	return m
}

// Remote returns the remote key mapped to sourceKey.
func (m *Map) Remote(sourceKey string) (string, bool) {
	e, ok := m.entries[sourceKey]
	if !ok {
		return "", false
	}
	return e.RemoteKey, true
}

// Source returns the source key owning remoteKey via the reverse index.
func (m *Map) Source(remoteKey string) (string, bool) {
	s, ok := m.reverse[remoteKey]
	return s, ok
}

// Has reports whether sourceKey has a mapping.
func (m *Map) Has(sourceKey string) bool {
	_, ok := m.entries[sourceKey]
	return ok
}

// Details returns the full entry for sourceKey.
func (m *Map) Details(sourceKey string) (*Entry, bool) {
	e, ok := m.entries[sourceKey]
	return e, ok
}

// Len returns the number of mappings.
func (m *Map) Len() int {
	return len(m.entries)
}

// Upsert records a source↔remote correspondence and saves the map. Updating
// an existing source key preserves its creation timestamp and removes the
// stale reverse entry for the previously mapped remote key. A remote key
// owned by a different source key is rejected with ErrRemoteConflict.
func (m *Map) Upsert(sourceKey, remoteKey string, v Verification) error {
	if owner, ok := m.reverse[remoteKey]; ok && owner != sourceKey {
		return fmt.Errorf("%w: remote %s is owned by source %s", ErrRemoteConflict, remoteKey, owner)
	}

	now := time.Now()
	created := now
	if existing, ok := m.entries[sourceKey]; ok {
		created = existing.CreatedAt
		if existing.RemoteKey != remoteKey {
			delete(m.reverse, existing.RemoteKey)
		}
	}

	m.entries[sourceKey] = &Entry{
		RemoteKey:   remoteKey,
		FirstName:   v.FirstName,
		LastName:    v.LastName,
		DateOfBirth: v.DateOfBirth,
		CreatedAt:   created,
		UpdatedAt:   now,
	}
	m.reverse[remoteKey] = sourceKey

	if err := m.save(); err != nil {
		return err
	}
	m.log.Debug().Str("source", sourceKey).Str("remote", remoteKey).Msg("mapping saved")
	return nil
}

// Remove deletes the mapping for sourceKey and its reverse entry. Returns
// false without touching storage when no mapping exists.
func (m *Map) Remove(sourceKey string) (bool, error) {
	e, ok := m.entries[sourceKey]
	if !ok {
		return false, nil
	}
	delete(m.entries, sourceKey)
	delete(m.reverse, e.RemoteKey)
	if err := m.save(); err != nil {
		return true, err
	}
	m.log.Info().Str("source", sourceKey).Msg("mapping removed")
	return true, nil
}

// Unmapped filters candidate keys down to those with no forward entry,
// preserving input order.
func (m *Map) Unmapped(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, k := range candidates {
		if _, ok := m.entries[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// All returns a source→remote snapshot of every mapping.
func (m *Map) All() map[string]string {
	out := make(map[string]string, len(m.entries))
	for k, e := range m.entries {
		out[k] = e.RemoteKey
	}
	return out
}

// Stats returns current map statistics.
func (m *Map) Stats() Stats {
	return Stats{TotalMappings: len(m.entries), LastSync: m.lastSync}
}

// save rewrites the backing file in full. The document is written to a
// temporary file in the same directory and renamed over the target so a
// crash mid-write cannot leave a truncated map behind.
func (m *Map) save() error {
	now := time.Now()
	m.lastSync = &now

	doc := document{
		Mappings:     m.entries,
		ReverseIndex: m.reverse,
		Stats:        Stats{TotalMappings: len(m.entries), LastSync: m.lastSync},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity map: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create identity map directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".idmap-*")
	if err != nil {
		return fmt.Errorf("write identity map: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write identity map: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write identity map: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace identity map: %w", err)
	}
	return nil
}

// ExportCSV writes a flat delimited view of the map for human review.
func (m *Map) ExportCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"source_key", "remote_key", "first_name", "last_name", "dob", "created_at", "updated_at",
	}); err != nil {
		return err
	}

	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	for key, e := range m.entries {
		row := []string{
			key,
			e.RemoteKey,
			deref(e.FirstName),
			deref(e.LastName),
			deref(e.DateOfBirth),
			e.CreatedAt.Format(time.RFC3339),
			e.UpdatedAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write export file: %w", err)
	}
	m.log.Info().Int("mappings", len(m.entries)).Str("path", path).Msg("exported identity map")
	return nil
}
