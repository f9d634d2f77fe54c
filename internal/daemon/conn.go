//go:build !windows

package daemon

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/session"
)

const exitGrace = 500 * time.Millisecond

// clientConn is one connected client. A reader goroutine handles requests
// in order; an Outbox writes replies and pushes.
type clientConn struct {
	srv *Server
	id  int
	nc  net.Conn
	out *protocol.Outbox

	mu       sync.Mutex
	attached map[string]attachment
	gen      uint64
	watch    bool
	closed   bool
}

// attachment is one live output subscription. gen tells a forwarder whether
// it still owns the session's slot after a re-attach.
type attachment struct {
	gen    uint64
	cancel func()
}

func newClientConn(srv *Server, id int, nc net.Conn) *clientConn {
	return &clientConn{
		srv:      srv,
		id:       id,
		nc:       nc,
		out:      protocol.NewOutbox(nc, srv.opts.ClientQueue),
		attached: make(map[string]attachment),
	}
}

func (c *clientConn) serve() {
	defer c.srv.removeClient(c)
	defer c.close()

	dec := protocol.NewDecoder(c.nc)
	for {
		m, err := dec.Decode()
		if errors.Is(err, protocol.ErrMalformed) {
			daemonLog.Warn("malformed_request", slog.Int("client", c.id), slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			return
		}
		if reply, ok := c.handle(m); ok {
			c.push(reply)
		}
	}
}

// push queues m; a client whose queue is full is disconnected.
func (c *clientConn) push(m protocol.Message) bool {
	if c.out.Push(m) {
		return true
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		daemonLog.Warn("client_too_slow", slog.Int("client", c.id))
		c.nc.Close()
	}
	return false
}

func (c *clientConn) watching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watch
}

func (c *clientConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	attached := c.attached
	c.attached = make(map[string]attachment)
	c.mu.Unlock()

	for _, a := range attached {
		a.cancel()
	}
	c.out.Close()
	c.out.Wait(time.Second)
	c.nc.Close()
}

// handle runs one request and returns the reply, if any. Fire-and-forget
// input and resize (req 0) are only answered on failure.
func (c *clientConn) handle(m protocol.Message) (protocol.Message, bool) {
	if err := protocol.CheckVersion(m); err != nil {
		return protocol.Errorf(m, "%v", err), true
	}
	reg := c.srv.reg

	switch m.Type {
	case protocol.TypeHello:
		c.mu.Lock()
		c.watch = m.Watch
		c.mu.Unlock()
		return c.pong(m), true

	case protocol.TypePing:
		return c.pong(m), true

	case protocol.TypeListSessions:
		r := protocol.Reply(m, protocol.TypeSessions)
		r.ActiveID = reg.ActiveID()
		r.Sessions = make([]protocol.SessionInfo, 0)
		for _, s := range reg.List() {
			r.Sessions = append(r.Sessions, protocol.Info(s, r.ActiveID, reg.Process(s.ID) != nil))
		}
		return r, true

	case protocol.TypeCreateSession:
		s := reg.Create(m.Name, m.Cwd)
		return c.sessionReply(m, s), true

	case protocol.TypeAttach:
		return c.attach(m)

	case protocol.TypeDetach:
		s, err := c.srv.resolve(m.ID)
		if err != nil {
			return protocol.Errorf(m, "%v", err), true
		}
		c.detach(s.ID)
		return protocol.Reply(m, protocol.TypeOK), true

	case protocol.TypeSendInput:
		s, err := c.srv.resolve(m.ID)
		if err != nil {
			return protocol.Errorf(m, "%v", err), true
		}
		ctrl, err := reg.ControlFor(s.ID)
		if err == nil {
			err = ctrl.SendKeys(m.Data)
		}
		if err != nil {
			return protocol.Errorf(m, "send input: %v", err), true
		}
		return protocol.Reply(m, protocol.TypeOK), m.Req != 0

	case protocol.TypeResize:
		s, err := c.srv.resolve(m.ID)
		if err != nil {
			return protocol.Errorf(m, "%v", err), true
		}
		p, err := reg.EnsureProcess(s.ID)
		if err == nil {
			err = p.Resize(m.Cols, m.Rows)
		}
		if err != nil {
			return protocol.Errorf(m, "resize: %v", err), true
		}
		return protocol.Reply(m, protocol.TypeOK), m.Req != 0

	case protocol.TypeSetAssistant:
		s, err := c.srv.resolve(m.ID)
		if err != nil {
			return protocol.Errorf(m, "%v", err), true
		}
		ctrl, err := reg.ControlFor(s.ID)
		if err != nil {
			return protocol.Errorf(m, "set assistant: %v", err), true
		}
		ctrl.SetAssistantActive(m.Assistant)
		return protocol.Reply(m, protocol.TypeOK), true

	case protocol.TypeCloseSession:
		return c.mutate(m, reg.Close), true
	case protocol.TypeReopen:
		return c.mutate(m, reg.Reopen), true
	case protocol.TypeDeleteSession:
		return c.mutate(m, reg.Delete), true
	case protocol.TypeSelectSession:
		return c.mutate(m, reg.Select), true
	case protocol.TypeRenameSession:
		return c.mutate(m, func(id string) bool { return reg.Rename(id, m.Name) }), true
	}

	daemonLog.Debug("unknown_request", slog.Int("client", c.id), slog.String("type", string(m.Type)))
	return protocol.Errorf(m, "unknown request type %q", m.Type), true
}

func (c *clientConn) pong(m protocol.Message) protocol.Message {
	r := protocol.Reply(m, protocol.TypePong)
	r.Server = "termdeck"
	r.Pid = os.Getpid()
	r.ActiveID = c.srv.reg.ActiveID()
	return r
}

func (c *clientConn) sessionReply(m protocol.Message, s session.Session) protocol.Message {
	reg := c.srv.reg
	r := protocol.Reply(m, protocol.TypeSession)
	r.ID = s.ID
	r.ActiveID = reg.ActiveID()
	info := protocol.Info(s, r.ActiveID, reg.Process(s.ID) != nil)
	r.Session = &info
	return r
}

// mutate resolves m.ID and applies op, replying with the updated session.
func (c *clientConn) mutate(m protocol.Message, op func(id string) bool) protocol.Message {
	s, err := c.srv.resolve(m.ID)
	if err != nil {
		return protocol.Errorf(m, "%v", err)
	}
	if !op(s.ID) {
		return protocol.Errorf(m, "%s not applicable to session %s (%s)", m.Type, s.ShortID(), s.Status)
	}
	if m.Type == protocol.TypeDeleteSession {
		c.detach(s.ID)
		r := protocol.Reply(m, protocol.TypeOK)
		r.ID = s.ID
		return r
	}
	updated, _ := c.srv.reg.Get(s.ID)
	return c.sessionReply(m, updated)
}

// attach replays scrollback and streams live output for one session. The
// attached reply is queued here, ahead of any output.
func (c *clientConn) attach(m protocol.Message) (protocol.Message, bool) {
	s, err := c.srv.resolve(m.ID)
	if err != nil {
		return protocol.Errorf(m, "%v", err), true
	}
	p, err := c.srv.reg.EnsureProcess(s.ID)
	if err != nil {
		return protocol.Errorf(m, "attach %s: %v", s.ShortID(), err), true
	}

	back, ch, cancel := session.AttachProcess(p, c.srv.opts.ScrollbackBytes)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return protocol.Errorf(m, "connection closing"), true
	}
	if prev, ok := c.attached[s.ID]; ok {
		prev.cancel()
	}
	c.gen++
	gen := c.gen
	c.attached[s.ID] = attachment{gen: gen, cancel: cancel}
	c.mu.Unlock()

	r := protocol.Reply(m, protocol.TypeAttached)
	r.ID = s.ID
	r.Data = back
	c.push(r)
	go c.forward(s.ID, gen, p, ch, cancel)

	daemonLog.Info("client_attached", slog.Int("client", c.id), slog.String("session_id", s.ID), slog.Int("scrollback", len(back)))
	return protocol.Message{}, false
}

func (c *clientConn) detach(id string) {
	c.mu.Lock()
	a, ok := c.attached[id]
	delete(c.attached, id)
	c.mu.Unlock()
	if ok {
		a.cancel()
	}
}

// forward streams one attachment. When the output ends because the process
// exited the client gets session_exited; when the subscription was dropped
// for falling behind the client is disconnected. A forwarder replaced by a
// newer attach of the same session just stops.
func (c *clientConn) forward(id string, gen uint64, p session.Process, ch <-chan []byte, cancel func()) {
	for chunk := range ch {
		m := protocol.Message{V: protocol.Version, Type: protocol.TypeSessionOutput, ID: id, Data: chunk}
		if !c.push(m) {
			cancel()
			return
		}
	}

	// Subscriptions close just before Done on exit.
	select {
	case <-p.Done():
		c.mu.Lock()
		current := c.current(id, gen)
		if current {
			delete(c.attached, id)
		}
		c.mu.Unlock()
		if !current {
			return
		}
		m := protocol.New(protocol.TypeSessionExited)
		m.ID = id
		m.Code = p.ExitCode()
		c.push(m)
	case <-time.After(exitGrace):
		c.mu.Lock()
		stillAttached := c.current(id, gen)
		closed := c.closed
		c.mu.Unlock()
		if stillAttached && !closed {
			daemonLog.Warn("client_output_dropped", slog.Int("client", c.id), slog.String("session_id", id))
			c.nc.Close()
		}
	}
}

// current reports whether gen is still the live attachment of id. Callers
// hold c.mu.
func (c *clientConn) current(id string, gen uint64) bool {
	a, ok := c.attached[id]
	return ok && a.gen == gen
}
