package normalize

import "sort"

// FieldMap maps source field names to canonical field names for exports
// that carry a header row.
type FieldMap map[string]string

// Apply renames mapped fields to their canonical names. Source fields with
// no mapping pass through unchanged under their original name so downstream
// consumers can reach extra columns without a schema update. When several
// source spellings of the same canonical field appear in one record, the
// alphabetically first spelling wins; a blank value yields to a filled one
// so the outcome never depends on map iteration order.
func (m FieldMap) Apply(raw map[string]string) map[string]string {
	if len(m) == 0 {
		return raw
	}
	srcs := make([]string, 0, len(m))
	for src := range m {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)

	out := make(map[string]string, len(raw))
	for _, src := range srcs {
		v, ok := raw[src]
		if !ok {
			continue
		}
		canonical := m[src]
		if cur, seen := out[canonical]; seen && (cur != "" || v == "") {
			continue
		}
		out[canonical] = v
	}
	for k, v := range raw {
		if _, mapped := m[k]; !mapped {
			out[k] = v
		}
	}
	return out
}

// PositionMap maps 0-based column positions to canonical field names for
// headerless positional exports.
type PositionMap map[int]string

// ApplyRow maps a raw row's columns by position, cleaning each value. The
// second return reports whether any mapped field carried data; callers use
// it to prune blank trailing rows in fixed-width exports. Columns beyond
// the row's length map to absent.
func (m PositionMap) ApplyRow(row []string) (map[string]string, bool) {
	record := make(map[string]string, len(m))
	hasData := false
	for idx, name := range m {
		if idx >= len(row) {
			record[name] = ""
			continue
		}
		v := ""
		if s := String(row[idx]); s != nil {
			v = *s
		}
		record[name] = v
		if v != "" {
			hasData = true
		}
	}
	return record, hasData
}
