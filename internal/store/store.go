// Package store provides the SQLite persistence layer and the transaction
// coordinator for the gateway core. All writes produced by one ingested
// event go through a single transaction: they commit together or not at all.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/bastion-xolot/gateway/internal/types"
)

// Schema versions are tracked in the schema_versions table and applied in
// order on startup.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS devices (
    mac_address  TEXT PRIMARY KEY,
    ip_address   TEXT NOT NULL DEFAULT '',
    hostname     TEXT NOT NULL DEFAULT '',
    vendor       TEXT NOT NULL DEFAULT '',
    first_seen   DATETIME NOT NULL,
    last_seen    DATETIME NOT NULL,
    status       TEXT NOT NULL DEFAULT 'normal',
    risk_score   REAL NOT NULL DEFAULT 0,
    user_label   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);

CREATE TABLE IF NOT EXISTS events (
    id          TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    timestamp   DATETIME NOT NULL,
    source      TEXT NOT NULL DEFAULT '',
    device_id   TEXT NOT NULL DEFAULT '',
    payload     TEXT NOT NULL DEFAULT '{}',
    metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_device_ts ON events(device_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);

CREATE TABLE IF NOT EXISTS alerts (
    id                  TEXT PRIMARY KEY,
    device_id           TEXT NOT NULL REFERENCES devices(mac_address),
    detector_id         TEXT NOT NULL DEFAULT '',
    severity            TEXT NOT NULL,
    title               TEXT NOT NULL,
    explanation         TEXT NOT NULL DEFAULT '',
    evidence            TEXT NOT NULL DEFAULT '{}',
    confidence          REAL NOT NULL DEFAULT 0,
    recommended_action  TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'active',
    related_event_ids   TEXT NOT NULL DEFAULT '[]',
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_device_status ON alerts(device_id, status);
CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at DESC);

CREATE TABLE IF NOT EXISTS enforcement_actions (
    id              TEXT PRIMARY KEY,
    device_id       TEXT NOT NULL REFERENCES devices(mac_address),
    action          TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    initiator       TEXT NOT NULL DEFAULT 'system',
    alert_id        TEXT NOT NULL DEFAULT '',
    target          TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    created_at      DATETIME NOT NULL,
    rolled_back_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_enforcement_device ON enforcement_actions(device_id, created_at DESC);
`,
	},
}

// Store owns the SQLite handle. It is opened once at process start, injected
// into components, and closed at shutdown.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
}

// Open opens (or creates) the gateway database at path and applies pending
// migrations.
func Open(path string, log *logrus.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	// _txlock=immediate takes the write lock at BEGIN, so a transaction
	// never fails on lock upgrade halfway through its writes.
	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// without a retry loop.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP)`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}
	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_versions`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_versions (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		s.log.WithField("version", m.version).Info("Applied schema migration")
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so query methods are written
// once and usable inside and outside transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a handle for queries, either inside a transaction (via WithTx) or
// auto-committed reads (via View).
type Tx struct {
	q   dbtx
	ctx context.Context
}

// WithTx runs fn inside a single transaction. Any error aborts the whole
// write set; commit failures surface as *types.PersistenceError so callers
// know the event is unprocessed and safe to retry.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.PersistenceError{Op: "begin", Err: err}
	}
	if err := fn(&Tx{q: tx, ctx: ctx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.log.WithError(rbErr).Error("Transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return &types.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// View returns a handle for read-only queries outside a transaction.
func (s *Store) View(ctx context.Context) *Tx {
	return &Tx{q: s.db, ctx: ctx}
}
