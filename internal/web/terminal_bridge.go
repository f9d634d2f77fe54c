package web

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termdeck/termdeck/internal/control"
	"github.com/termdeck/termdeck/internal/session"
)

const wsWriteTimeout = 10 * time.Second

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// sessionBridge connects one websocket to one session process: scrollback
// then live output as binary frames, keystrokes through the control channel.
type sessionBridge struct {
	sessionID string
	writer    *wsConnWriter
	proc      session.Process
	ctrl      *control.Channel

	cancel    func()
	closeOnce sync.Once
	done      chan struct{}
}

func newSessionBridge(reg *session.Registry, sessionID string, writer *wsConnWriter, scrollback int) (*sessionBridge, error) {
	proc, err := reg.EnsureProcess(sessionID)
	if err != nil {
		return nil, err
	}
	ctrl, err := reg.ControlFor(sessionID)
	if err != nil {
		return nil, err
	}

	back, out, cancel := session.AttachProcess(proc, scrollback)
	b := &sessionBridge{
		sessionID: sessionID,
		writer:    writer,
		proc:      proc,
		ctrl:      ctrl,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if len(back) > 0 {
		if err := writer.WriteBinary(back); err != nil {
			cancel()
			return nil, fmt.Errorf("write scrollback: %w", err)
		}
	}
	go b.streamOutput(out)
	return b, nil
}

func (b *sessionBridge) streamOutput(out <-chan []byte) {
	defer close(b.done)

	for chunk := range out {
		if err := b.writer.WriteBinary(chunk); err != nil {
			b.Close()
			return
		}
	}

	select {
	case <-b.proc.Done():
		code := b.proc.ExitCode()
		_ = b.writer.WriteJSON(wsServerMessage{
			Type:      "status",
			Event:     "session_exited",
			SessionID: b.sessionID,
			ExitCode:  &code,
			Time:      time.Now().UTC(),
		})
	case <-time.After(500 * time.Millisecond):
		// Detached by Close or dropped for falling behind.
	}
}

func (b *sessionBridge) WriteInput(data string) error {
	if data == "" {
		return nil
	}
	return b.ctrl.SendKeys([]byte(data))
}

func (b *sessionBridge) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 0xffff || rows > 0xffff {
		return fmt.Errorf("invalid dimensions: cols=%d rows=%d", cols, rows)
	}
	return b.proc.Resize(uint16(cols), uint16(rows))
}

// Close stops forwarding output. The session keeps running.
func (b *sessionBridge) Close() {
	b.closeOnce.Do(b.cancel)
}
