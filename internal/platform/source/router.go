package source

import (
	"context"
	"fmt"
)

// Router dispatches fetches to a per-entity source. The practice's exports
// are not uniform: patient and Rx files carry header rows while the
// transactions export is positional, so each entity can need a differently
// configured reader.
type Router map[Entity]Source

// Fetch delegates to the source registered for entity.
func (r Router) Fetch(ctx context.Context, entity Entity, locator string, limit int) ([]Record, error) {
	s, ok := r[entity]
	if !ok {
		return nil, fmt.Errorf("no source configured for entity %q", entity)
	}
	return s.Fetch(ctx, entity, locator, limit)
}
