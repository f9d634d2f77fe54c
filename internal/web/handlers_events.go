package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/session"
)

var sessionEventsHeartbeatInterval = 15 * time.Second

type sessionEvent struct {
	Type     string               `json:"type"`
	ActiveID string               `json:"activeId"`
	Session  protocol.SessionInfo `json:"session"`
	ExitCode int                  `json:"exitCode,omitempty"`
	At       time.Time            `json:"at"`
}

// handleSessionEvents streams the session list once, then every registry
// change, as server-sent events.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	events, unsubscribe := s.reg.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	active := s.reg.ActiveID()
	list := sessionsResponse{ActiveID: active, Sessions: make([]protocol.SessionInfo, 0)}
	for _, sess := range s.reg.List() {
		list.Sessions = append(list.Sessions, protocol.Info(sess, active, s.reg.Process(sess.ID) != nil))
	}
	if err := writeSSEEvent(w, flusher, "sessions", list); err != nil {
		return
	}

	heartbeat := time.NewTicker(sessionEventsHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, flusher, "session", s.toEvent(ev)); err != nil {
				return
			}
		}
	}
}

func (s *Server) toEvent(ev session.Event) sessionEvent {
	return sessionEvent{
		Type:     string(ev.Type),
		ActiveID: ev.ActiveID,
		Session:  protocol.Info(ev.Session, ev.ActiveID, s.reg.Process(ev.Session.ID) != nil),
		ExitCode: ev.ExitCode,
		At:       ev.At,
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
