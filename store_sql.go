package appmon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"
)

var tablePrefixPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore persists buckets in PostgreSQL-compatible tables. Same-key merges
// are serialised by the row lock taken by INSERT ... ON CONFLICT DO UPDATE,
// and every Apply runs in one transaction.
type SQLStore struct {
	db     *sql.DB
	prefix string
}

// NewSQLStore creates a store over db using tables named prefix_*.
func NewSQLStore(db *sql.DB, prefix string) (*SQLStore, error) {
	if prefix == "" {
		prefix = "appmon_event_count"
	}
	if !tablePrefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("%w: invalid table prefix %q", ErrConfiguration, prefix)
	}
	return &SQLStore{db: db, prefix: prefix}, nil
}

func (s *SQLStore) table(g Granularity) string {
	switch g {
	case Hour:
		return s.prefix + "_hourly"
	case Day:
		return s.prefix + "_daily"
	default:
		return s.prefix
	}
}

func (s *SQLStore) lastTable() string {
	return s.prefix + "_last"
}

// Schema returns the DDL creating every table used by the store
func (s *SQLStore) Schema() []string {
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS " + s.lastTable() + " (" +
			"domain VARCHAR(32) NOT NULL, instance VARCHAR(64) NOT NULL, event VARCHAR(64) NOT NULL, " +
			"datetime TIMESTAMPTZ NOT NULL, total BIGINT NOT NULL, " +
			"PRIMARY KEY (domain, instance, event))",
	}
	for _, g := range []Granularity{Raw, Hour, Day} {
		stmts = append(stmts, "CREATE TABLE IF NOT EXISTS "+s.table(g)+" ("+
			"domain VARCHAR(32) NOT NULL, instance VARCHAR(64) NOT NULL, event VARCHAR(64) NOT NULL, "+
			"datetime TIMESTAMPTZ NOT NULL, delta BIGINT NOT NULL, errors BIGINT NOT NULL DEFAULT 0, "+
			"PRIMARY KEY (domain, instance, event, datetime))")
	}
	return stmts
}

// Migrate creates the tables when they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate event count tables: %w", err)
		}
	}
	return nil
}

// GetLast implements Store interface
func (s *SQLStore) GetLast(ctx context.Context, key Key) (uint64, bool, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT total FROM "+s.lastTable()+" WHERE domain = $1 AND instance = $2 AND event = $3",
		key.Domain, key.Instance, key.Event).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get last count %s: %w", key, err)
	}
	if total < 0 {
		total = 0
	}
	return uint64(total), true, nil
}

// Apply implements Store interface
func (s *SQLStore) Apply(ctx context.Context, key Key, rec FlushRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin flush %s: %v", ErrStoreWrite, key, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO "+s.lastTable()+" (domain, instance, event, datetime, total) VALUES ($1, $2, $3, $4, $5) "+
			"ON CONFLICT (domain, instance, event) DO UPDATE SET datetime = EXCLUDED.datetime, total = EXCLUDED.total",
		key.Domain, key.Instance, key.Event, rec.At.UTC(), clampInt64(rec.Total))
	if err != nil {
		return fmt.Errorf("%w: upsert last count %s: %v", ErrStoreWrite, key, err)
	}
	for _, g := range []Granularity{Raw, Hour, Day} {
		if err = s.merge(ctx, tx, key, g, rec); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit flush %s: %v", ErrStoreWrite, key, err)
	}
	return nil
}

func (s *SQLStore) merge(ctx context.Context, tx *sql.Tx, key Key, g Granularity, rec FlushRecord) error {
	table := s.table(g)
	_, err := tx.ExecContext(ctx,
		"INSERT INTO "+table+" (domain, instance, event, datetime, delta, errors) VALUES ($1, $2, $3, $4, $5, $6) "+
			"ON CONFLICT (domain, instance, event, datetime) DO UPDATE SET "+
			"delta = "+table+".delta + EXCLUDED.delta, errors = "+table+".errors + EXCLUDED.errors",
		key.Domain, key.Instance, key.Event, bucketOf(g, rec.At), clampInt64(rec.Delta), clampInt64(rec.Errors))
	if err != nil {
		return fmt.Errorf("%w: merge %s count %s: %v", ErrStoreWrite, g, key, err)
	}
	return nil
}

// Rows implements Store interface
func (s *SQLStore) Rows(ctx context.Context, key Key, g Granularity, since time.Time) ([]Point, error) {
	if !g.Stored() {
		return nil, fmt.Errorf("%w: %s rows are not stored", ErrInvalidQuery, g)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT datetime, delta, errors FROM "+s.table(g)+
			" WHERE domain = $1 AND instance = $2 AND event = $3 AND datetime >= $4 ORDER BY datetime",
		key.Domain, key.Instance, key.Event, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query %s rows %s: %w", g, key, err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var (
			at            time.Time
			delta, failed int64
		)
		if err := rows.Scan(&at, &delta, &failed); err != nil {
			return nil, fmt.Errorf("scan %s row %s: %w", g, key, err)
		}
		points = append(points, Point{Time: at.UTC(), Value: clampUint64(delta), Errors: clampUint64(failed)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s rows %s: %w", g, key, err)
	}
	return points, nil
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func clampUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

var _ Store = (*SQLStore)(nil)
