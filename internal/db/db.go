package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is the default journal location
const DefaultPath = "/var/lib/stubos/history.db"

// DB wraps the SQLite journal connection
type DB struct {
	conn *sql.DB
	path string
}

// New opens or creates the journal at the given path
func New(path string) (*DB, error) {
	if path == "" {
		path = DefaultPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	db := &DB{conn: conn, path: path}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.conn.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// SchemaVersion returns the highest applied migration
func (d *DB) SchemaVersion() (int, error) {
	var version int
	err := d.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}

var migrations = []string{
	migrationV1,
	migrationV2,
}

func (d *DB) migrate() error {
	_, err := d.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	version, err := d.SchemaVersion()
	if err != nil {
		return err
	}

	for i, migration := range migrations {
		v := i + 1
		if v <= version {
			continue
		}

		tx, err := d.conn.Begin()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(migration); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// migrationV1 creates the OS snapshot table
const migrationV1 = `
-- Every OS seen by a listing, keyed by where it lives
CREATE TABLE IF NOT EXISTS os_snapshots (
    id INTEGER PRIMARY KEY,
    partition TEXT NOT NULL,
    vgid TEXT NOT NULL,
    label TEXT,
    version TEXT,
    kind TEXT NOT NULL,
    stub INTEGER DEFAULT 0,
    bootloader_version TEXT,
    sys_volume TEXT,
    first_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (partition, vgid)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_vgid ON os_snapshots(vgid);
CREATE INDEX IF NOT EXISTS idx_snapshots_seen ON os_snapshots(last_seen);
`

// migrationV2 adds the install step journal
const migrationV2 = `
CREATE TABLE IF NOT EXISTS install_events (
    id INTEGER PRIMARY KEY,
    install_id TEXT NOT NULL,
    partition TEXT,
    vgid TEXT,
    step TEXT NOT NULL,
    details TEXT,
    timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_install_events_id ON install_events(install_id);
CREATE INDEX IF NOT EXISTS idx_install_events_time ON install_events(timestamp);
`

// Snapshot is the last known state of one OS
type Snapshot struct {
	ID                int64
	Partition         string
	VGID              string
	Label             string
	Version           string
	Kind              string
	Stub              bool
	BootloaderVersion string
	SysVolume         string
	FirstSeen         time.Time
	LastSeen          time.Time
}

// InstallEvent is one completed installer step
type InstallEvent struct {
	ID        int64
	InstallID string
	Partition string
	VGID      string
	Step      string
	Details   string
	Timestamp time.Time
}
