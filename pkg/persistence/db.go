// Package persistence stores run and iteration history in a local
// SQLite database. Writes go through a single channel-fed worker so the
// orchestration loop never blocks on disk; reads are served directly.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"drover/pkg/logx"
)

// currentSchemaVersion is bumped whenever the schema changes shape.
const currentSchemaVersion = 1

// Open opens (creating if necessary) the history database at path and
// ensures the schema is current. The returned handle is configured for
// a single writer, which is all SQLite gives us anyway.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, logx.Wrap(err, "open history database")
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, logx.Wrap(err, fmt.Sprintf("history database unreachable at %s", path))
	}

	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func ensureSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return logx.Wrap(err, "create schema_version table")
	}

	version, err := schemaVersion(db)
	if err != nil {
		return err
	}

	switch {
	case version == currentSchemaVersion:
		return nil
	case version > currentSchemaVersion:
		return logx.Errorf("history database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	case version == 0:
		return createSchema(db)
	default:
		return logx.Errorf("history database schema version %d has no upgrade path", version)
	}
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, logx.Wrap(err, "read schema version")
	}
	return version, nil
}

func createSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
  run_id          TEXT PRIMARY KEY,
  started_at      TEXT NOT NULL,
  finished_at     TEXT,
  status          TEXT NOT NULL,
  items_total     INTEGER NOT NULL DEFAULT 0,
  items_completed INTEGER NOT NULL DEFAULT 0,
  iterations      INTEGER NOT NULL DEFAULT 0,
  duration_ms     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS iterations (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id       TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  seq          INTEGER NOT NULL,
  item_id      TEXT NOT NULL,
  agent        TEXT NOT NULL,
  model        TEXT NOT NULL DEFAULT '',
  rate_limited INTEGER NOT NULL DEFAULT 0,
  completed    INTEGER NOT NULL DEFAULT 0,
  exit_code    INTEGER NOT NULL DEFAULT 0,
  duration_ms  INTEGER NOT NULL DEFAULT 0,
  started_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id, seq);
`
	tx, err := db.Begin()
	if err != nil {
		return logx.Wrap(err, "begin schema transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schema); err != nil {
		return logx.Wrap(err, "create history schema")
	}
	if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
		return logx.Wrap(err, "reset schema version")
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, currentSchemaVersion); err != nil {
		return logx.Wrap(err, "record schema version")
	}
	return logx.Wrap(tx.Commit(), "commit schema")
}
