// Package protocol defines the newline-delimited JSON messages spoken between
// attach clients, the daemon and per-session host processes.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/termdeck/termdeck/internal/session"
)

// Version is the protocol major version carried in every envelope.
const Version = 1

// MaxLine bounds a single encoded message.
const MaxLine = 10 * 1024 * 1024

var (
	// ErrVersionMismatch is returned for envelopes from another major version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
	// ErrMalformed wraps lines that are not valid envelopes.
	ErrMalformed = errors.New("malformed message")
)

type Type string

// Requests.
const (
	TypeHello         Type = "hello"
	TypePing          Type = "ping"
	TypeListSessions  Type = "list_sessions"
	TypeCreateSession Type = "create_session"
	TypeAttach        Type = "attach_session"
	TypeDetach        Type = "detach_session"
	TypeSendInput     Type = "send_input"
	TypeResize        Type = "resize"
	TypeCloseSession  Type = "close_session"
	TypeReopen        Type = "reopen_session"
	TypeDeleteSession Type = "delete_session"
	TypeSelectSession Type = "select_session"
	TypeRenameSession Type = "rename_session"
	TypeSetAssistant  Type = "set_assistant"
)

// Replies.
const (
	TypeOK       Type = "ok"
	TypePong     Type = "pong"
	TypeSessions Type = "sessions"
	TypeSession  Type = "session"
	TypeAttached Type = "attached"
	TypeError    Type = "error"
)

// Pushes.
const (
	TypeSessionOutput   Type = "session_output"
	TypeSessionExited   Type = "session_exited"
	TypeSessionsChanged Type = "sessions_changed"
)

// IsRequest reports whether t is sent by clients.
func (t Type) IsRequest() bool {
	switch t {
	case TypeHello, TypePing, TypeListSessions, TypeCreateSession, TypeAttach, TypeDetach,
		TypeSendInput, TypeResize, TypeCloseSession, TypeReopen, TypeDeleteSession,
		TypeSelectSession, TypeRenameSession, TypeSetAssistant:
		return true
	}
	return false
}

// IsPush reports whether t is an unsolicited server message.
func (t Type) IsPush() bool {
	return t == TypeSessionOutput || t == TypeSessionExited || t == TypeSessionsChanged
}

// Message is the single envelope for every request, reply and push. Fields
// not used by a type are omitted. Data is base64 in JSON.
type Message struct {
	V    int    `json:"v"`
	Type Type   `json:"type"`
	Req  uint64 `json:"req,omitempty"`
	ID   string `json:"id,omitempty"`

	Name  string `json:"name,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
	Data  []byte `json:"data,omitempty"`
	Cols  uint16 `json:"cols,omitempty"`
	Rows  uint16 `json:"rows,omitempty"`
	Code  int    `json:"code,omitempty"`
	Watch bool   `json:"watch,omitempty"`
	// Assistant marks an assistant run in progress (set_assistant).
	Assistant bool `json:"assistant,omitempty"`

	Error    string        `json:"error,omitempty"`
	Server   string        `json:"server,omitempty"`
	Pid      int           `json:"pid,omitempty"`
	ActiveID string        `json:"activeId,omitempty"`
	Event    string        `json:"event,omitempty"`
	Session  *SessionInfo  `json:"session,omitempty"`
	Sessions []SessionInfo `json:"sessions,omitempty"`
}

// SessionInfo is the wire view of a session.
type SessionInfo struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	WorkingDirectory string    `json:"workingDirectory"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActiveAt     time.Time `json:"lastActiveAt"`
	Status           string    `json:"status"`
	Active           bool      `json:"active,omitempty"`
	Running          bool      `json:"running,omitempty"`
}

// Info converts a session for the wire.
func Info(s session.Session, activeID string, running bool) SessionInfo {
	return SessionInfo{
		ID:               s.ID,
		Name:             s.Name,
		WorkingDirectory: s.WorkingDirectory,
		CreatedAt:        s.CreatedAt,
		LastActiveAt:     s.LastActiveAt,
		Status:           string(s.Status),
		Active:           s.ID == activeID,
		Running:          running,
	}
}

// ShortID mirrors session.Session.ShortID for wire values.
func (s SessionInfo) ShortID() string {
	return session.Session{ID: s.ID}.ShortID()
}

// New returns an envelope of the given type at the current version.
func New(t Type) Message {
	return Message{V: Version, Type: t}
}

// Reply starts a reply correlated with req.
func Reply(req Message, t Type) Message {
	return Message{V: Version, Type: t, Req: req.Req, ID: req.ID}
}

// Errorf builds an error reply for req.
func Errorf(req Message, format string, args ...any) Message {
	m := Reply(req, TypeError)
	m.Error = fmt.Sprintf(format, args...)
	return m
}

// CheckVersion accepts the current version. A missing version counts as
// current so hand-written requests (socat, nc) work.
func CheckVersion(m Message) error {
	if m.V == 0 || m.V == Version {
		return nil
	}
	return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, m.V, Version)
}

// Err turns an error reply into a Go error; other messages yield nil.
func (m Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	if m.Error == "" {
		return errors.New("remote error")
	}
	return errors.New(m.Error)
}
