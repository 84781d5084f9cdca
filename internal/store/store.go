// Package store is the SQLite implementation of the count catalogue, the
// count persistence sink, the organizational directory and the approval
// workflow configuration.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Bruce-k901/My-App-sub012/internal/approver"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is shared with the approver directory contract.
var ErrNotFound = approver.ErrNotFound

// Store wraps a SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS companies (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS regions (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL REFERENCES companies(id),
			name TEXT NOT NULL,
			manager_id TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS areas (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL REFERENCES companies(id),
			region_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			manager_id TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL REFERENCES companies(id),
			name TEXT NOT NULL,
			area_id TEXT NOT NULL DEFAULT '',
			region_id TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL REFERENCES companies(id),
			site_id TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			app_role TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_profiles_company_role ON profiles(company_id, app_role);
		CREATE INDEX IF NOT EXISTS idx_profiles_site ON profiles(site_id);
		CREATE TABLE IF NOT EXISTS approval_workflows (
			company_id TEXT NOT NULL REFERENCES companies(id),
			approval_type TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			steps_json TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (company_id, approval_type)
		);
		CREATE TABLE IF NOT EXISTS catalogue_items (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL REFERENCES sites(id),
			library_type TEXT NOT NULL,
			name TEXT NOT NULL,
			unit TEXT NOT NULL DEFAULT '',
			unit_cost TEXT,
			on_hand REAL
		);
		CREATE TABLE IF NOT EXISTS count_sessions (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL REFERENCES companies(id),
			site_id TEXT NOT NULL REFERENCES sites(id),
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			ready_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS count_items (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES count_sessions(id) ON DELETE CASCADE,
			catalogue_item_id TEXT NOT NULL,
			library_type TEXT NOT NULL,
			name TEXT NOT NULL,
			unit TEXT NOT NULL DEFAULT '',
			theoretical_closing REAL,
			unit_cost TEXT,
			counted_quantity REAL,
			variance_quantity REAL NOT NULL DEFAULT 0,
			variance_percentage REAL NOT NULL DEFAULT 0,
			variance_value TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL DEFAULT 'pending',
			counted_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_count_items_session ON count_items(session_id);
	`)
	return err
}

func (s *Store) exec(ctx context.Context, statement string, params map[string]any) (sql.Result, error) {
	var result sql.Result
	err := withSQLiteRetry(func() error {
		var err error
		result, err = s.db.ExecContext(ctx, statement, namedArgs(params)...)
		return err
	})
	return result, err
}

func (s *Store) query(ctx context.Context, statement string, params map[string]any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, statement, namedArgs(params)...)
}

func (s *Store) queryRow(ctx context.Context, statement string, params map[string]any) *sql.Row {
	return s.db.QueryRowContext(ctx, statement, namedArgs(params)...)
}

func namedArgs(params map[string]any) []any {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		args = append(args, sql.Named(key, params[key]))
	}
	return args
}

func withSQLiteRetry(fn func() error) error {
	const maxAttempts = 3
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		lower := strings.ToLower(err.Error())
		if !strings.Contains(lower, "database is locked") && !strings.Contains(lower, "database is busy") {
			return err
		}
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt) * 125 * time.Millisecond)
		}
	}
	return err
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}
