package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termdeck/termdeck/internal/session"
)

type wsClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type wsServerMessage struct {
	Type      string    `json:"type"` // status, error
	Event     string    `json:"event,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Name      string    `json:"name,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	ReadOnly  bool      `json:"readOnly,omitempty"`
	Time      time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	sess, ok := s.lookup(w, strings.TrimPrefix(r.URL.Path, "/ws/session/"))
	if !ok {
		return
	}
	if !sess.Live() {
		writeAPIError(w, http.StatusConflict, "SESSION_NOT_LIVE", "session is "+string(sess.Status))
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := newWSConnWriter(conn)
	sessionID := sess.ID
	status := func(event string) wsServerMessage {
		return wsServerMessage{Type: "status", Event: event, SessionID: sessionID, Time: time.Now().UTC()}
	}
	fail := func(code, message string) {
		_ = writer.WriteJSON(wsServerMessage{
			Type: "error", Code: code, Message: message, SessionID: sessionID, Time: time.Now().UTC(),
		})
	}

	connected := status("connected")
	connected.Name = sess.Name
	connected.Cwd = sess.WorkingDirectory
	connected.ReadOnly = s.cfg.ReadOnly
	_ = writer.WriteJSON(connected)

	events, unsubscribe := s.reg.Subscribe()
	defer unsubscribe()
	go s.forwardSessionEvents(writer, sessionID, events)

	bridge, err := newSessionBridge(s.reg, sessionID, writer, s.cfg.ScrollbackBytes)
	if err != nil {
		webLog.Error("terminal_attach_failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		fail("TERMINAL_ATTACH_FAILED", err.Error())
	} else {
		defer bridge.Close()
		_ = writer.WriteJSON(status("terminal_attached"))
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("session_id", sessionID), slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			fail("INVALID_MESSAGE", "invalid json payload")
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(status("pong"))
		case "input":
			switch {
			case s.cfg.ReadOnly:
				fail("READ_ONLY", "input is disabled in read-only mode")
			case bridge == nil:
				fail("NO_TERMINAL_BRIDGE", "terminal bridge is not attached")
			default:
				if err := bridge.WriteInput(msg.Data); err != nil {
					fail("INPUT_WRITE_FAILED", "failed to send input to terminal")
				}
			}
		case "resize":
			if bridge == nil {
				fail("NO_TERMINAL_BRIDGE", "terminal bridge is not attached")
				continue
			}
			if err := bridge.Resize(msg.Cols, msg.Rows); err != nil {
				fail("RESIZE_FAILED", err.Error())
			}
		default:
			fail("UNSUPPORTED_MESSAGE", "supported message types: ping,input,resize")
		}
	}
}

// forwardSessionEvents relays registry changes to this session as status
// frames until the subscription ends.
func (s *Server) forwardSessionEvents(writer *wsConnWriter, sessionID string, events <-chan session.Event) {
	for ev := range events {
		if ev.Session.ID != sessionID || ev.Type == session.EventSelected {
			continue
		}
		m := wsServerMessage{
			Type:      "status",
			Event:     string(ev.Type),
			SessionID: sessionID,
			Name:      ev.Session.Name,
			Cwd:       ev.Session.WorkingDirectory,
			Time:      ev.At.UTC(),
		}
		if ev.Type == session.EventExited {
			code := ev.ExitCode
			m.ExitCode = &code
		}
		if err := writer.WriteJSON(m); err != nil {
			return
		}
	}
}
