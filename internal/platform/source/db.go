package source

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// undefinedTable is the Postgres error code raised when the staging table
// for an entity has not been loaded.
const undefinedTable = "42P01"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DBSource reads from a staging database into which the desktop exports
// have been bulk-loaded, one table per entity. The locator is a table name,
// or a full SELECT statement for ad-hoc extractions.
type DBSource struct {
	pool *pgxpool.Pool
}

// NewDBSource creates a staging-database-backed record source.
func NewDBSource(pool *pgxpool.Pool) *DBSource {
	return &DBSource{pool: pool}
}

// NewDBPool connects to the staging database.
func NewDBPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse staging database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create staging pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping staging database: %w", err)
	}
	return pool, nil
}

// Fetch queries the staging table (or runs the given SELECT) and returns
// rows as raw field mappings keyed by column name.
func (s *DBSource) Fetch(ctx context.Context, entity Entity, locator string, limit int) ([]Record, error) {
	query, err := buildQuery(locator, limit)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
			return nil, fmt.Errorf("%w: staging table for %s (%s)", ErrNotFound, entity, locator)
		}
		return nil, fmt.Errorf("query staging table for %s: %w", entity, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, fd := range fields {
		names[i] = string(fd.Name)
	}

	var records []Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan staging row: %w", err)
		}
		rec := make(Record, len(names))
		for i, name := range names {
			rec[name] = stringify(values[i])
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read staging rows: %w", err)
	}
	return records, nil
}

func buildQuery(locator string, limit int) (string, error) {
	trimmed := strings.TrimSpace(locator)
	if strings.HasPrefix(strings.ToLower(trimmed), "select ") {
		return trimmed, nil
	}
	if !identRe.MatchString(trimmed) {
		return "", fmt.Errorf("invalid staging table name %q", locator)
	}
	q := fmt.Sprintf(`SELECT * FROM %s`, pgx.Identifier{trimmed}.Sanitize())
	if limit > 0 {
		q = fmt.Sprintf("%s LIMIT %d", q, limit)
	}
	return q, nil
}

// stringify renders a staging column value the way a file export would:
// dates as YYYY-MM-DD, NULL as empty.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case time.Time:
		return val.Format("2006-01-02")
	case []byte:
		return strings.TrimSpace(string(val))
	default:
		return fmt.Sprint(val)
	}
}
