// Package index maintains the derived SQLite store projected from the
// record logs: keyword index, backlinks, embeddings, budget counters, and
// calibration breakpoints. Exactly one process writes to it (the watcher);
// readers open it read-only and rely on WAL.
package index

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is bumped whenever the derived layout changes. A mismatch
// on open triggers drop-and-rebuild from records; that is the only upgrade
// path.
const schemaVersion = 2

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS schema_info (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	slug         TEXT PRIMARY KEY,
	title        TEXT NOT NULL DEFAULT '',
	bullet_count INTEGER NOT NULL DEFAULT 0,
	reviewed_at  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS bullets (
	id           TEXT PRIMARY KEY,
	node_slug    TEXT NOT NULL,
	kind         TEXT NOT NULL DEFAULT 'fact',
	text         TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL DEFAULT '',
	updated_at   TEXT NOT NULL DEFAULT '',
	useful       INTEGER NOT NULL DEFAULT 0,
	harmful      INTEGER NOT NULL DEFAULT 0,
	pos          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_bullets_slug ON bullets(node_slug);

CREATE TABLE IF NOT EXISTS backlinks (
	from_id   TEXT NOT NULL,
	from_slug TEXT NOT NULL,
	to_slug   TEXT NOT NULL,
	PRIMARY KEY (from_id, to_slug)
);
CREATE INDEX IF NOT EXISTS idx_backlinks_to ON backlinks(to_slug);

CREATE TABLE IF NOT EXISTS embeddings (
	bullet_id    TEXT PRIMARY KEY,
	vector       BLOB,
	dim          INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	model_id     TEXT NOT NULL DEFAULT '',
	rev          INTEGER NOT NULL DEFAULT 0,
	updated_at   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS embedding_rev (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	rev INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO embedding_rev(id, rev) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS calibration (
	key        TEXT PRIMARY KEY,
	breaks     TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS calibration_ops (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	touched INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO calibration_ops(id, touched) VALUES (1, 0);

-- served-budget counters survive a full rebuild; only a reviewed record
-- clears them.
CREATE TABLE IF NOT EXISTS budget (
	slug         TEXT PRIMARY KEY,
	served_chars REAL NOT NULL DEFAULT 0
);
`

// derivedTables are dropped on schema mismatch and on ReindexAll. The
// budget table is deliberately absent.
var derivedTables = []string{
	"nodes", "bullets", "bullets_fts", "backlinks",
	"embeddings", "embedding_rev", "calibration", "calibration_ops",
}

// DB wraps a sql.DB with derived-store operations.
type DB struct {
	conn *sql.DB

	// Rebuilt is set when Open found a stale schema and dropped the
	// derived tables; the caller should replay the records.
	Rebuilt bool
}

// Open opens (or creates) the derived store read-write and applies the
// schema. A stored version older than the current one drops the derived
// tables; the caller is expected to run ReindexAll afterwards.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.ensureSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// OpenReadOnly opens the derived store for a reader process. Readers
// tolerate in-flight writes through WAL snapshots.
func OpenReadOnly(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", "file:"+dsn+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("index: open db read-only: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

func (db *DB) ensureSchema() error {
	var stored int
	err := db.conn.QueryRow(`SELECT version FROM schema_info WHERE id = 1`).Scan(&stored)
	switch {
	case err == nil && stored == schemaVersion:
		// Re-apply idempotently: a partially created store heals here.
		return db.applySchema()
	case err == nil && stored != schemaVersion:
		if err := db.dropDerived(db.conn); err != nil {
			return err
		}
		db.Rebuilt = true
		return db.applySchema()
	default:
		// Fresh database (or missing schema_info).
		return db.applySchema()
	}
}

func (db *DB) applySchema() error {
	if _, err := db.conn.Exec(coreSchemaSQL); err != nil {
		return fmt.Errorf("index: apply schema: %w", err)
	}
	if err := initFTS(db.conn); err != nil {
		return fmt.Errorf("index: apply fts schema: %w", err)
	}
	if _, err := db.conn.Exec(
		`INSERT INTO schema_info(id, version) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version`, schemaVersion); err != nil {
		return fmt.Errorf("index: set schema version: %w", err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (db *DB) dropDerived(e execer) error {
	for _, tbl := range derivedTables {
		if _, err := e.Exec(`DROP TABLE IF EXISTS ` + tbl); err != nil {
			return fmt.Errorf("index: drop %s: %w", tbl, err)
		}
	}
	return nil
}

// withTx runs fn inside a write transaction.
func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
