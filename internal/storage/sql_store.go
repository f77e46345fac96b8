package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"

	"komorebi/internal/logging"
	"komorebi/pkg/types"
)

// SQLStore implements Store over database/sql. The backend is selected
// by the database URL: postgres:// uses the pq driver, anything else is
// treated as a sqlite file path.
type SQLStore struct {
	db       *sql.DB
	postgres bool
	logger   logging.Logger
}

// Open connects to the database referenced by databaseURL
func Open(databaseURL string, maxConns int, logger logging.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var (
		driver   string
		dsn      string
		postgres bool
	)
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		driver, dsn, postgres = "postgres", databaseURL, true
	default:
		driver = "sqlite3"
		dsn = databaseURL + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", types.ErrStorageUnavailable, driver, err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	return &SQLStore{
		db:       db,
		postgres: postgres,
		logger:   logger.WithComponent("storage"),
	}, nil
}

// NewSQLStore wraps an existing database handle; used by tests
func NewSQLStore(db *sql.DB, postgres bool, logger logging.Logger) *SQLStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SQLStore{db: db, postgres: postgres, logger: logger.WithComponent("storage")}
}

// Close releases the connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		context_summary TEXT,
		compaction_depth INTEGER NOT NULL DEFAULT 0,
		last_compaction_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		summary TEXT,
		project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
		status TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		source TEXT,
		token_count INTEGER,
		trace_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
		project_id TEXT NOT NULL,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(chunk_id, type, value)
	)`,
	`CREATE TABLE IF NOT EXISTS bulk_actions (
		id TEXT PRIMARY KEY,
		action_type TEXT NOT NULL,
		filter_used TEXT NOT NULL DEFAULT '{}',
		affected_ids TEXT NOT NULL DEFAULT '[]',
		previous_state TEXT NOT NULL DEFAULT '[]',
		affected_count INTEGER NOT NULL DEFAULT 0,
		undone INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_status_created ON chunks(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_chunk ON entities(chunk_id)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_project_type ON entities(project_id, type)`,
	`CREATE INDEX IF NOT EXISTS idx_bulk_actions_created ON bulk_actions(created_at)`,
}

// Migrate creates the schema and required indices
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", types.ErrStorageUnavailable, err)
		}
	}
	s.logger.Info("schema migrated", "backend", s.backendName())
	return nil
}

func (s *SQLStore) backendName() string {
	if s.postgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind converts ?-placeholders into the $n form pq expects.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
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

func nowUTC() time.Time {
	return time.Now().UTC()
}

// formatTime serializes timestamps in a driver-agnostic form.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t := parseTime(raw.String)
	return &t
}

// isUniqueViolation detects primary-key and unique-index conflicts for
// both supported drivers.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// storageErr wraps driver failures in the shared taxonomy.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", types.ErrStorageUnavailable, op, err)
}
