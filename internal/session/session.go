// Package session keeps the table of terminal sessions, decides which one is
// active, drives their processes through a Spawner and persists the table to
// sessions.json.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/termdeck/termdeck/internal/logging"
)

var (
	sessionLog = logging.ForComponent(logging.CompSession)
	storageLog = logging.ForComponent(logging.CompStorage)
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// Live reports whether the session has, or may have, a running process.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusIdle
}

// ParseStatus accepts the persisted status names.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(s)); st {
	case StatusActive, StatusIdle, StatusSuspended, StatusTerminated:
		return st, true
	}
	return "", false
}

// Session is the persisted metadata of one terminal session. Values handed
// out by the Registry are copies.
type Session struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	WorkingDirectory string    `json:"workingDirectory"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActiveAt     time.Time `json:"lastActiveAt"`
	Status           Status    `json:"status"`
}

// ShortID is the first eight hex characters of the id.
func (s Session) ShortID() string {
	short := strings.ReplaceAll(s.ID, "-", "")
	if len(short) > 8 {
		return short[:8]
	}
	return short
}

// Live reports whether the session's status is live.
func (s Session) Live() bool { return s.Status.Live() }

func newID() string {
	return uuid.NewString()
}

func defaultClock() time.Time {
	return time.Now().UTC().Round(0)
}
