package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// sqlStore keeps each batch as a JSON document next to a few indexed columns.
type sqlStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLStore opens a sqlite file or a postgres DSN and ensures the schema.
func OpenSQLStore(ctx context.Context, driver, dsn string) (BatchStore, error) { //nolint:ireturn
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer; the aggregators already serialize per batch
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s := &sqlStore{db: db, driver: driver}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS ingest_batches (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  payload TEXT NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create ingest_batches table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS ingest_batches_status ON ingest_batches (status)`); err != nil {
		return fmt.Errorf("create status index: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *sqlStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) SaveBatch(ctx context.Context, b *Batch) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	const stmt = `
INSERT INTO ingest_batches (id, owner, status, created_at, updated_at, payload)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  owner=excluded.owner,
  status=excluded.status,
  updated_at=excluded.updated_at,
  payload=excluded.payload`
	_, err = s.db.ExecContext(ctx, s.rebind(stmt),
		b.ID,
		b.Owner,
		string(b.Status),
		b.CreatedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

func (s *sqlStore) LoadBatches(ctx context.Context) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM ingest_batches ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var batches []*Batch
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		var b Batch
		if err := json.Unmarshal([]byte(payload), &b); err != nil {
			return nil, fmt.Errorf("decode batch %s: %w", id, err)
		}
		batches = append(batches, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

func (s *sqlStore) DeleteBatch(ctx context.Context, batchID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM ingest_batches WHERE id = ?`), batchID); err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close() //nolint:wrapcheck
}
