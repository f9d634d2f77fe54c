package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/termdeck/termdeck/internal/config"
)

// SnapshotVersion is written into every sessions.json.
const SnapshotVersion = 1

// Snapshot is the on-disk form of the session table. sessions.json is written
// as this object ({"version", "activeSessionId", "sessions"}), not as a bare
// array; Load accepts both, and external readers must handle the object form.
type Snapshot struct {
	Version         int       `json:"version"`
	ActiveSessionID string    `json:"activeSessionId,omitempty"`
	Sessions        []Session `json:"sessions"`
}

// Store reads and writes one sessions.json file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultStore opens <app dir>/sessions.json.
func DefaultStore() (*Store, error) {
	path, err := config.PathFor(config.SessionsFileName)
	if err != nil {
		return nil, err
	}
	return NewStore(path), nil
}

func (s *Store) Path() string { return s.path }

// Load parses the file. It accepts both the versioned object and a bare
// array of sessions. A missing file yields an error wrapping os.ErrNotExist.
func (s *Store) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Snapshot{}, err
	}
	return decodeSnapshot(data)
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	trimmed := bytes.TrimSpace(data)
	var snap Snapshot
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &snap.Sessions); err != nil {
			return Snapshot{}, fmt.Errorf("parse sessions array: %w", err)
		}
		snap.Version = SnapshotVersion
	} else if err := json.Unmarshal(trimmed, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse sessions snapshot: %w", err)
	}
	if snap.Version > SnapshotVersion {
		return Snapshot{}, fmt.Errorf("sessions.json version %d is newer than supported %d", snap.Version, SnapshotVersion)
	}
	return normalize(snap), nil
}

// normalize drops rows without ids, de-duplicates ids, maps unknown statuses
// to idle and repairs the active selection.
func normalize(snap Snapshot) Snapshot {
	seen := make(map[string]bool, len(snap.Sessions))
	kept := make([]Session, 0, len(snap.Sessions))
	for _, s := range snap.Sessions {
		if s.ID == "" || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		if st, ok := ParseStatus(string(s.Status)); ok {
			s.Status = st
		} else {
			s.Status = StatusIdle
		}
		kept = append(kept, s)
	}
	snap.Sessions = kept
	snap.Version = SnapshotVersion

	if !activeIsLive(snap) {
		snap.ActiveSessionID = ""
		for _, s := range kept {
			if s.Live() {
				snap.ActiveSessionID = s.ID
				break
			}
		}
	}
	return snap
}

func activeIsLive(snap Snapshot) bool {
	for _, s := range snap.Sessions {
		if s.ID == snap.ActiveSessionID {
			return s.Live()
		}
	}
	return false
}

// Save writes snap with two-space indentation via temp file and rename.
func (s *Store) Save(snap Snapshot) error {
	snap.Version = SnapshotVersion
	if snap.Sessions == nil {
		snap.Sessions = []Session{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	return config.WriteFileAtomic(s.path, data, 0o600)
}

// LoadOrDefault never fails. An absent or unreadable file, or one that does
// not parse, produces a single active "Session 1" in home. A file that does
// not parse is kept aside as sessions.json.corrupt-<unix> before it can be
// overwritten.
func (s *Store) LoadOrDefault(home string, now func() time.Time) Snapshot {
	snap, err := s.Load()
	if err == nil {
		return snap
	}
	if errors.Is(err, os.ErrNotExist) {
		storageLog.Info("sessions_file_absent", slog.String("path", s.path))
	} else {
		storageLog.Warn("sessions_file_unreadable", slog.String("path", s.path), slog.String("error", err.Error()))
		s.quarantine(now())
	}
	return DefaultSnapshot(home, now)
}

func (s *Store) quarantine(at time.Time) {
	dst := fmt.Sprintf("%s.corrupt-%d", s.path, at.Unix())
	if err := os.Rename(s.path, dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		storageLog.Warn("sessions_quarantine_failed", slog.String("path", s.path), slog.String("error", err.Error()))
		return
	}
	storageLog.Info("sessions_file_quarantined", slog.String("path", dst))
}

// DefaultSnapshot is the table used when nothing can be loaded.
func DefaultSnapshot(home string, now func() time.Time) Snapshot {
	if now == nil {
		now = defaultClock
	}
	t := now()
	s := Session{
		ID:               newID(),
		Name:             "Session 1",
		WorkingDirectory: home,
		CreatedAt:        t,
		LastActiveAt:     t,
		Status:           StatusActive,
	}
	return Snapshot{Version: SnapshotVersion, ActiveSessionID: s.ID, Sessions: []Session{s}}
}
