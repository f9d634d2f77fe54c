package statedb

import (
	"database/sql"
	"fmt"
	"strconv"
)

// migrations are applied in order; index+1 is the schema version each one
// produces. Append only.
var migrations = []func(tx *sql.Tx) error{
	migrateInitial,
	migrateEventIndexes,
}

// LatestSchema is the version Migrate brings a database to.
var LatestSchema = len(migrations)

// Migrate creates tables if they don't exist and runs any pending migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	current := 0
	var v string
	switch err := tx.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&v); err {
	case nil:
		if current, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("statedb: bad schema_version %q: %w", v, err)
		}
	case sql.ErrNoRows:
	default:
		return fmt.Errorf("statedb: read schema version: %w", err)
	}
	if current > LatestSchema {
		return fmt.Errorf("statedb: schema version %d is newer than supported %d", current, LatestSchema)
	}

	for i := current; i < LatestSchema; i++ {
		if err := migrations[i](tx); err != nil {
			return fmt.Errorf("statedb: migration %d: %w", i+1, err)
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(LatestSchema),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

func migrateInitial(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type       TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			directory  TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT '',
			exit_code  INTEGER NOT NULL DEFAULT 0,
			at         INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create events: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS daemon_heartbeats (
			pid       INTEGER PRIMARY KEY,
			socket    TEXT NOT NULL DEFAULT '',
			started   INTEGER NOT NULL,
			heartbeat INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create daemon_heartbeats: %w", err)
	}
	return nil
}

func migrateEventIndexes(tx *sql.Tx) error {
	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS events_session ON events (session_id, seq)"); err != nil {
		return fmt.Errorf("create events_session: %w", err)
	}
	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS events_at ON events (at)"); err != nil {
		return fmt.Errorf("create events_at: %w", err)
	}
	return nil
}
