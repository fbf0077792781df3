// Package sqlite stores the identity event log and the relational read
// models in SQLite (modernc.org/sqlite).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/louisbranch/identity.space/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/identity.space/internal/services/projector/storage/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis reverses toMillis for persisted millisecond timestamps.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store is a SQLite database holding either the event log or read models.
type Store struct {
	sqlDB         *sql.DB
	migrationFS   fs.FS
	migrationRoot string

	readyMu sync.Mutex
	ready   bool
}

// OpenEvents opens the event log at path.
func OpenEvents(path string) (*Store, error) {
	return openStore(path, migrations.EventsFS, "events")
}

// OpenProjections opens the read-model database at path.
func OpenProjections(path string) (*Store, error) {
	return openStore(path, migrations.ProjectionsFS, "projections")
}

// Close closes the underlying SQLite database. It is nil-safe.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func openStore(path string, migrationFS fs.FS, migrationRoot string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	// Transactions take the write lock at BEGIN so concurrent lanes queue on
	// the busy timeout instead of failing mid-handler.
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Store{
		sqlDB:         sqlDB,
		migrationFS:   migrationFS,
		migrationRoot: migrationRoot,
	}, nil
}

// EnsureReady applies pending migrations. Later calls are no-ops.
func (s *Store) EnsureReady(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if s.ready {
		return nil
	}
	if _, err := sqlitemigrate.Apply(ctx, s.sqlDB, s.migrationFS, s.migrationRoot); err != nil {
		return fmt.Errorf("run %s migrations: %w", s.migrationRoot, err)
	}
	s.ready = true
	return nil
}

// View runs fn in a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(*Scope) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin view tx: %w", err)
	}
	defer tx.Rollback()
	return fn(&Scope{tx: tx})
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func encodeProperties(props map[string]string) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encode properties: %w", err)
	}
	return string(data), nil
}

func decodeProperties(raw string) (map[string]string, error) {
	props := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return props, nil
}
