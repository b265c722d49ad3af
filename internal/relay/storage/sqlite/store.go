// Package sqlite provides the SQLite-backed relay storage implementation.
//
// Multi-statement operations run inside immediate transactions so the
// candidate reads and the writes they justify observe the same committed
// state. A transaction that loses the write lock surfaces storage.ErrBusy
// for the engine to retry.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/sketchrelay/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/sketchrelay/internal/relay/domain"
	"github.com/louisbranch/sketchrelay/internal/relay/storage"
	"github.com/louisbranch/sketchrelay/internal/relay/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
)

const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// Store persists relay state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite relay store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// inTx runs fn inside one immediate transaction, translating lock
// contention into storage.ErrBusy.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return translateBusy(fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return translateBusy(err)
	}
	if err := tx.Commit(); err != nil {
		return translateBusy(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func translateBusy(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqliteBusy, sqliteLocked:
			return fmt.Errorf("%w: %v", storage.ErrBusy, err)
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "database is locked") {
		return fmt.Errorf("%w: %v", storage.ErrBusy, err)
	}
	return err
}

// occupyingStatesSQL is the IN list of slot-occupying states, the only
// states counted against round capacity.
func occupyingStatesSQL() string {
	kinds := domain.OccupyingKinds()
	quoted := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		quoted = append(quoted, "'"+string(kind)+"'")
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

var _ storage.Store = (*Store)(nil)
