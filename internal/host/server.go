//go:build !windows

// Package host runs one session's shell behind a Unix socket so the shell
// outlives the daemon and UI, and lets the daemon spawn and reattach to
// such hosts.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/termdeck/termdeck/internal/logging"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/pty"
)

var hostLog = logging.ForComponent(logging.CompHost)

// maxClients caps concurrent connections to one host.
const maxClients = 32

// ErrAlreadyRunning means another host answers on the socket.
var ErrAlreadyRunning = errors.New("host already running")

// Options configures Serve.
type Options struct {
	ID     string
	Socket string

	Shell string
	Args  []string
	Env   []string
	Dir   string

	Cols, Rows      uint16
	ScrollbackBytes int
	// ClientQueue bounds each client's outbound queue.
	ClientQueue int
}

type client struct {
	conn   net.Conn
	out    *protocol.Outbox
	mu     sync.Mutex
	detach func()
	gen    int
	fwd    sync.WaitGroup
}

// Server is a running host.
type Server struct {
	opts Options
	pty  *pty.Session
	ln   net.Listener

	mu      sync.Mutex
	clients map[*client]struct{}
	closing bool

	wg sync.WaitGroup
}

// IsSocketAlive reports whether something accepts connections on path.
func IsSocketAlive(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Serve starts the shell, listens on opts.Socket and blocks until the shell
// exits. Cancelling ctx hangs the shell up, which ends Serve the same way.
// The socket file is removed on return.
func Serve(ctx context.Context, opts Options) error {
	if opts.Socket == "" {
		return errors.New("host: socket path required")
	}
	if IsSocketAlive(opts.Socket) {
		return fmt.Errorf("%w on %s", ErrAlreadyRunning, opts.Socket)
	}
	_ = os.Remove(opts.Socket)

	ln, err := net.Listen("unix", opts.Socket)
	if err != nil {
		return fmt.Errorf("host: listen: %w", err)
	}
	_ = os.Chmod(opts.Socket, 0o600)

	s := &Server{opts: opts, ln: ln, clients: make(map[*client]struct{})}
	p, err := pty.Start(ctx, pty.Options{
		ID:                opts.ID,
		Shell:             opts.Shell,
		Args:              opts.Args,
		Env:               opts.Env,
		Dir:               opts.Dir,
		Cols:              opts.Cols,
		Rows:              opts.Rows,
		ScrollbackBytes:   opts.ScrollbackBytes,
		OnDirectoryChange: s.directoryChanged,
	})
	if err != nil {
		ln.Close()
		_ = os.Remove(opts.Socket)
		return err
	}
	s.pty = p

	hostLog.Info("host_listening",
		slog.String("session_id", opts.ID),
		slog.String("socket", opts.Socket),
		slog.Int("shell_pid", p.Pid()))

	s.wg.Add(1)
	go s.acceptConnections()

	<-p.Done()
	s.shutdown(p.ExitCode())
	return nil
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				hostLog.Warn("host_accept_error", slog.String("session_id", s.opts.ID), slog.String("error", err.Error()))
			}
			return
		}

		c := &client{conn: conn, out: protocol.NewOutbox(conn, s.opts.ClientQueue)}
		s.mu.Lock()
		if s.closing || len(s.clients) >= maxClients {
			s.mu.Unlock()
			hostLog.Warn("host_client_rejected", slog.String("session_id", s.opts.ID))
			conn.Close()
			continue
		}
		s.clients[c] = struct{}{}
		s.mu.Unlock()

		logging.Aggregate(logging.CompHost, "client_connect", slog.String("session_id", s.opts.ID))
		s.wg.Add(1)
		go s.handleClient(c)
	}
}

func (s *Server) handleClient(c *client) {
	defer s.wg.Done()
	defer s.dropClient(c)

	dec := protocol.NewDecoder(c.conn)
	for {
		m, err := dec.Decode()
		if errors.Is(err, protocol.ErrMalformed) {
			hostLog.Warn("host_malformed_request", slog.String("session_id", s.opts.ID), slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			return
		}
		if reply, ok := s.handle(c, m); ok {
			s.send(c, reply)
		}
	}
}

// handle executes one request. Fire-and-forget requests (req 0) only get a
// reply when they fail.
func (s *Server) handle(c *client, m protocol.Message) (protocol.Message, bool) {
	if err := protocol.CheckVersion(m); err != nil {
		return protocol.Errorf(m, "%v", err), true
	}
	if m.ID != "" && m.ID != s.opts.ID {
		return protocol.Errorf(m, "host serves session %s, not %s", s.opts.ID, m.ID), true
	}

	switch m.Type {
	case protocol.TypeHello, protocol.TypePing:
		r := protocol.Reply(m, protocol.TypePong)
		r.ID = s.opts.ID
		r.Server = "termdeck-host"
		r.Pid = s.pty.Pid()
		return r, true

	case protocol.TypeAttach:
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return protocol.Errorf(m, "session %s has exited", s.opts.ID), true
		}
		c.fwd.Add(1)
		s.mu.Unlock()

		back, ch, cancel := s.pty.Attach(s.opts.ScrollbackBytes)
		c.mu.Lock()
		if c.detach != nil {
			c.detach()
		}
		c.detach = cancel
		c.gen++
		gen := c.gen
		c.mu.Unlock()

		r := protocol.Reply(m, protocol.TypeAttached)
		r.ID = s.opts.ID
		r.Data = back
		// The reply is queued before the forwarder starts so scrollback
		// always precedes live output.
		s.send(c, r)
		go s.forward(c, ch, gen)
		return protocol.Message{}, false

	case protocol.TypeDetach:
		c.mu.Lock()
		if c.detach != nil {
			c.detach()
			c.detach = nil
		}
		c.mu.Unlock()
		return protocol.Reply(m, protocol.TypeOK), true

	case protocol.TypeSendInput:
		if _, err := s.pty.Write(m.Data); err != nil {
			return protocol.Errorf(m, "write: %v", err), true
		}
		return protocol.Reply(m, protocol.TypeOK), m.Req != 0

	case protocol.TypeResize:
		if err := s.pty.Resize(m.Cols, m.Rows); err != nil {
			return protocol.Errorf(m, "resize: %v", err), true
		}
		return protocol.Reply(m, protocol.TypeOK), m.Req != 0

	case protocol.TypeCloseSession:
		hostLog.Info("host_close_requested", slog.String("session_id", s.opts.ID))
		go s.pty.Hangup()
		return protocol.Reply(m, protocol.TypeOK), true
	}
	return protocol.Errorf(m, "unknown request type %q", m.Type), true
}

// forward streams output to an attached client until the subscription ends.
func (s *Server) forward(c *client, ch <-chan []byte, gen int) {
	defer c.fwd.Done()
	for chunk := range ch {
		if !s.send(c, protocol.Message{V: protocol.Version, Type: protocol.TypeSessionOutput, ID: s.opts.ID, Data: chunk}) {
			return
		}
	}
	// Still attached while the shell runs means the PTY cut us off for
	// falling behind.
	c.mu.Lock()
	dropped := c.gen == gen && c.detach != nil
	c.mu.Unlock()
	if dropped && !s.pty.Exited() {
		hostLog.Warn("host_client_too_slow", slog.String("session_id", s.opts.ID))
		c.conn.Close()
	}
}

// send queues m for c and disconnects c when its queue is full.
func (s *Server) send(c *client, m protocol.Message) bool {
	if c.out.Push(m) {
		return true
	}
	hostLog.Warn("host_client_too_slow", slog.String("session_id", s.opts.ID))
	c.conn.Close()
	return false
}

func (s *Server) broadcast(m protocol.Message) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.send(c, m)
	}
}

func (s *Server) directoryChanged(path string) {
	hostLog.Debug("host_cwd_changed", slog.String("session_id", s.opts.ID), slog.String("dir", path))
	s.broadcast(protocol.Message{
		V:     protocol.Version,
		Type:  protocol.TypeSessionsChanged,
		ID:    s.opts.ID,
		Event: "cwd_changed",
		Cwd:   path,
	})
}

func (s *Server) dropClient(c *client) {
	c.mu.Lock()
	if c.detach != nil {
		c.detach()
		c.detach = nil
	}
	c.mu.Unlock()

	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		c.out.Close()
		c.out.Wait(time.Second)
		c.conn.Close()
		logging.Aggregate(logging.CompHost, "client_disconnect", slog.String("session_id", s.opts.ID))
	}
}

// shutdown tells every client the shell exited, then closes them and
// removes the socket.
func (s *Server) shutdown(code int) {
	s.mu.Lock()
	s.closing = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	exited := protocol.Message{V: protocol.Version, Type: protocol.TypeSessionExited, ID: s.opts.ID, Code: code}
	for _, c := range clients {
		// Subscriptions are closed by now; let pending output go first.
		c.fwd.Wait()
		c.out.Push(exited)
		c.out.Close()
	}
	for _, c := range clients {
		c.out.Wait(time.Second)
		c.conn.Close()
	}

	s.ln.Close()
	if err := os.Remove(s.opts.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		hostLog.Warn("host_socket_remove_failed", slog.String("socket", s.opts.Socket), slog.String("error", err.Error()))
	}
	s.wg.Wait()
	hostLog.Info("host_exited", slog.String("session_id", s.opts.ID), slog.Int("code", code))
}
