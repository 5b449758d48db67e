package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailgraph/internal/model"
)

// SQLiteStore implements Store using a local SQLite database. Cursors
// are keyed by account so one database can serve several mailboxes, each
// still owned by exactly one poller.
type SQLiteStore struct {
	db      *sqlx.DB
	account string

	mu     sync.Mutex
	cached *model.SyncCursor
}

// Open opens (or creates) the database at dbPath, enables WAL mode, and
// runs any pending schema migrations. The account string identifies the
// mailbox this store's cursor belongs to.
func Open(dbPath, account string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// WAL keeps status reads cheap while the poller writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, account: account}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Cursor returns the account's cursor. The first read per process
// lifetime is authoritative from the database; later reads serve a local
// cache that every successful write invalidates.
func (s *SQLiteStore) Cursor(ctx context.Context) (model.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return *s.cached, nil
	}

	var row struct {
		LastUID  uint32       `db:"last_uid"`
		LastSync sql.NullTime `db:"last_sync"`
		Ingested int64        `db:"ingested"`
		Errors   int64        `db:"errors"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT last_uid, last_sync, ingested, errors FROM sync_cursors WHERE account = ?",
		s.account,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// First run: an empty cursor, not an error.
		cursor := model.SyncCursor{}
		s.cached = &cursor
		return cursor, nil
	}
	if err != nil {
		return model.SyncCursor{}, fmt.Errorf("reading cursor for %s: %w", s.account, err)
	}

	cursor := model.SyncCursor{
		LastUID:  row.LastUID,
		Ingested: row.Ingested,
		Errors:   row.Errors,
	}
	if row.LastSync.Valid {
		cursor.LastSync = row.LastSync.Time
	}
	s.cached = &cursor
	return cursor, nil
}

// SetLastUID advances the watermark, never letting it decrease.
func (s *SQLiteStore) SetLastUID(ctx context.Context, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (account, last_uid, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			last_uid   = MAX(last_uid, excluded.last_uid),
			updated_at = excluded.updated_at`,
		s.account, uid, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("advancing watermark to %d: %w", uid, err)
	}

	s.cached = nil
	return nil
}

// RecordSync accumulates a completed poll's counts and writes the run
// audit row.
func (s *SQLiteStore) RecordSync(ctx context.Context, runID string, count, errCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (account, last_sync, ingested, errors, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			last_sync  = excluded.last_sync,
			ingested   = ingested + excluded.ingested,
			errors     = errors + excluded.errors,
			updated_at = excluded.updated_at`,
		s.account, now, count, errCount, now,
	)
	if err != nil {
		return fmt.Errorf("recording sync counts: %w", err)
	}

	if runID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_runs (id, account, started_at, ingested, errors)
			VALUES (?, ?, ?, ?, ?)`,
			runID, s.account, now, count, errCount,
		)
		if err != nil {
			return fmt.Errorf("recording sync run %s: %w", runID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing sync record: %w", err)
	}

	s.cached = nil
	return nil
}

// Reset clears the watermark and counters for the account.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM sync_cursors WHERE account = ?", s.account,
	)
	if err != nil {
		return fmt.Errorf("resetting cursor for %s: %w", s.account, err)
	}

	s.cached = nil
	return nil
}
