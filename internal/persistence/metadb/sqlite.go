package metadb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for lookups of unknown ids.
var ErrNotFound = errors.New("metadb: not found")

// Store is the durable metadata store for worlds, world ops, spells,
// revisions, and build jobs. A single connection keeps writes
// serialized; WAL keeps readers cheap.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("metadb: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			world_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			player_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worlds_name ON worlds(name);`,
		`CREATE TABLE IF NOT EXISTS world_ops (
			world_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			op_type TEXT NOT NULL,
			op_data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (world_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS spells (
			spell_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			active_draft_rev TEXT NOT NULL DEFAULT '',
			active_beta_rev TEXT NOT NULL DEFAULT '',
			active_stable_rev TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS revisions (
			revision_id TEXT PRIMARY KEY,
			spell_id TEXT NOT NULL,
			parent_revision_id TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT 'draft',
			version INTEGER NOT NULL,
			manifest_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_revisions_spell_version ON revisions(spell_id, version);`,
		`CREATE INDEX IF NOT EXISTS idx_revisions_spell_id ON revisions(spell_id);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			spell_id TEXT NOT NULL,
			draft_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			stage TEXT NOT NULL DEFAULT 'waiting',
			progress_pct INTEGER NOT NULL DEFAULT 0,
			logs TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			result_revision_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_spell_id ON jobs(spell_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
