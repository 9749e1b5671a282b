// Package store provides the per-agent SQL storage for fleetd. Every
// agent owns one SQLite database, private to its owner key; the schema is
// migrated forward on open and never forked. All methods are called from
// the owning agent's single writer.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/blakebauman/fleetd/internal/fleet"
)

// SchemaVersion is the current schema version written by the newest
// migration.
const SchemaVersion = 1

// migration pairs a version number with the DDL that brings the schema to
// that version. DDL must be idempotent (CREATE IF NOT EXISTS) so that a
// partially applied migration can be re-run safely.
type migration struct {
	version int
	ddl     string
}

var migrations = []migration{
	{version: 1, ddl: `
	CREATE TABLE IF NOT EXISTS fleet_state (
		id         TEXT PRIMARY KEY,
		counter    INTEGER NOT NULL DEFAULT 0,
		children   TEXT NOT NULL DEFAULT '[]',
		agent_type TEXT NOT NULL DEFAULT 'orchestrator',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS inventory_items (
		sku                 TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		current_stock       INTEGER NOT NULL DEFAULT 0,
		low_stock_threshold INTEGER NOT NULL DEFAULT 0,
		location            TEXT NOT NULL,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_inventory_location ON inventory_items(location);

	CREATE TABLE IF NOT EXISTS stored_messages (
		id           TEXT PRIMARY KEY,
		timestamp    TEXT NOT NULL,
		from_agent   TEXT NOT NULL,
		to_agent     TEXT,
		content      TEXT NOT NULL,
		message_type TEXT NOT NULL,
		location     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_location_ts ON stored_messages(location, timestamp);

	CREATE TABLE IF NOT EXISTS inventory_transactions (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		sku       TEXT NOT NULL,
		operation TEXT NOT NULL,
		quantity  INTEGER NOT NULL,
		location  TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_sku_ts ON inventory_transactions(sku, timestamp);

	CREATE TABLE IF NOT EXISTS inventory_analysis (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		sku        TEXT NOT NULL,
		location   TEXT NOT NULL,
		analysis   TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		timestamp  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS inventory_decisions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		sku           TEXT NOT NULL,
		location      TEXT NOT NULL,
		decision_type TEXT NOT NULL,
		reasoning     TEXT NOT NULL,
		timestamp     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS demand_forecasts (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		sku              TEXT NOT NULL,
		location         TEXT NOT NULL,
		predicted_demand INTEGER NOT NULL DEFAULT 0,
		confidence       REAL NOT NULL DEFAULT 0,
		trend_direction  TEXT NOT NULL,
		reasoning        TEXT NOT NULL,
		forecast_date    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_forecasts_location_date ON demand_forecasts(location, forecast_date);

	CREATE TABLE IF NOT EXISTS chat_statistics (
		location           TEXT NOT NULL,
		date               TEXT NOT NULL,
		messages_today     INTEGER NOT NULL DEFAULT 0,
		actions_executed   INTEGER NOT NULL DEFAULT 0,
		successful_actions INTEGER NOT NULL DEFAULT 0,
		success_rate       REAL NOT NULL DEFAULT 0,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL,
		UNIQUE(location, date)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_stats_location_date ON chat_statistics(location, date);
	`},
}

// Store is the agent-private SQLite database.
type Store struct {
	db       *sql.DB
	location string
}

// DBPath returns the database file path for an owner key under dataDir.
// The canonical path is query-escaped so that segments with spaces remain
// reversible filenames.
func DBPath(dataDir string, key fleet.OwnerKey) string {
	return filepath.Join(dataDir, key.Tenant, url.QueryEscape(key.Path.String())+".db")
}

// Open opens (creating if necessary) the database for the given owner key
// and migrates the schema forward. location is the canonical path string
// recorded on every row.
func Open(dataDir string, key fleet.OwnerKey) (*Store, error) {
	path := DBPath(dataDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, location: key.Path.String()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// OpenDB wraps an existing connection (used by tests). The schema is
// migrated on open.
func OpenDB(db *sql.DB, location string) (*Store, error) {
	s := &Store{db: db, location: location}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Location returns the canonical path string this store is scoped to.
func (s *Store) Location() string { return s.location }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates schema_version if absent, then applies every migration
// whose version exceeds the recorded maximum, in order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// TableCounts returns row counts per table for the debug endpoints.
func (s *Store) TableCounts() map[string]int {
	tables := []string{
		"fleet_state", "inventory_items", "stored_messages",
		"inventory_transactions", "inventory_analysis",
		"inventory_decisions", "demand_forecasts", "chat_statistics",
	}
	counts := make(map[string]int, len(tables))
	for _, t := range tables {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + t).Scan(&n); err == nil {
			counts[t] = n
		}
	}
	return counts
}
