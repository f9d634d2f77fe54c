package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// StateDB wraps the SQLite journal of session lifecycle events and the
// daemon heartbeat row. Safe for concurrent use; other processes (the CLI
// reading history while the daemon writes) go through WAL + busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
}

// EventRow is one journal entry.
type EventRow struct {
	Seq       int64
	SessionID string
	Type      string
	Name      string
	Directory string
	Status    string
	ExitCode  int
	At        time.Time
}

// DaemonRow describes the daemon that last registered.
type DaemonRow struct {
	PID       int
	Socket    string
	Started   time.Time
	Heartbeat time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", pragma, err)
		}
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// OpenAndMigrate is Open followed by Migrate.
func OpenAndMigrate(dbPath string) (*StateDB, error) {
	s, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for tests.
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// --- Journal ---

// Record appends an event and returns its sequence number.
func (s *StateDB) Record(ev EventRow) (int64, error) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO events (session_id, type, name, directory, status, exit_code, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.SessionID, ev.Type, ev.Name, ev.Directory, ev.Status, ev.ExitCode, ev.At.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("statedb: record %s: %w", ev.Type, err)
	}
	return res.LastInsertId()
}

// History returns the newest limit events for one session, oldest first.
// A non-positive limit returns everything.
func (s *StateDB) History(sessionID string, limit int) ([]EventRow, error) {
	return s.queryEvents("WHERE session_id = ?", limit, sessionID)
}

// Recent returns the newest limit events across all sessions, oldest first.
func (s *StateDB) Recent(limit int) ([]EventRow, error) {
	return s.queryEvents("", limit)
}

func (s *StateDB) queryEvents(where string, limit int, args ...any) ([]EventRow, error) {
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)
	rows, err := s.db.Query(`
		SELECT seq, session_id, type, name, directory, status, exit_code, at FROM (
			SELECT * FROM events `+where+` ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []EventRow
	for rows.Next() {
		var r EventRow
		var at int64
		if err := rows.Scan(&r.Seq, &r.SessionID, &r.Type, &r.Name, &r.Directory, &r.Status, &r.ExitCode, &at); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at)
		result = append(result, r)
	}
	return result, rows.Err()
}

// Prune deletes events older than the cutoff and returns how many went.
func (s *StateDB) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM events WHERE at < ?", before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ForgetSession drops the journal of a deleted session.
func (s *StateDB) ForgetSession(sessionID string) error {
	_, err := s.db.Exec("DELETE FROM events WHERE session_id = ?", sessionID)
	return err
}

// --- Heartbeat ---

// RegisterDaemon records this process as the running daemon.
func (s *StateDB) RegisterDaemon(socket string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daemon_heartbeats (pid, socket, started, heartbeat)
		VALUES (?, ?, ?, ?)
	`, s.pid, socket, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE daemon_heartbeats SET heartbeat = ? WHERE pid = ?",
		time.Now().Unix(), s.pid,
	)
	return err
}

// UnregisterDaemon removes this process from the heartbeat table.
func (s *StateDB) UnregisterDaemon() error {
	_, err := s.db.Exec("DELETE FROM daemon_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadDaemons removes heartbeat rows that haven't been updated within timeout.
func (s *StateDB) CleanDeadDaemons(timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM daemon_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// AliveDaemon returns the freshest daemon heartbeat within timeout, if any.
func (s *StateDB) AliveDaemon(timeout time.Duration) (DaemonRow, bool, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	var d DaemonRow
	var started, beat int64
	err := s.db.QueryRow(`
		SELECT pid, socket, started, heartbeat FROM daemon_heartbeats
		WHERE heartbeat >= ? ORDER BY heartbeat DESC LIMIT 1
	`, cutoff).Scan(&d.PID, &d.Socket, &started, &beat)
	if errors.Is(err, sql.ErrNoRows) {
		return DaemonRow{}, false, nil
	}
	if err != nil {
		return DaemonRow{}, false, err
	}
	d.Started = time.Unix(started, 0)
	d.Heartbeat = time.Unix(beat, 0)
	return d, true, nil
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SchemaVersion reports the applied schema version (0 before Migrate).
func (s *StateDB) SchemaVersion() (int, error) {
	v, err := s.GetMeta("schema_version")
	if err != nil {
		// metadata table missing
		return 0, nil
	}
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
