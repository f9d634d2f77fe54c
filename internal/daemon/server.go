//go:build !windows

// Package daemon serves the session registry to attach clients over a Unix
// socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/termdeck/termdeck/internal/logging"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/session"
	"github.com/termdeck/termdeck/internal/statedb"
)

var daemonLog = logging.ForComponent(logging.CompDaemon)

var (
	// ErrAlreadyRunning means another daemon holds the socket or pid file.
	ErrAlreadyRunning = errors.New("daemon already running")
	// ErrNotRunning means no daemon answers on the socket.
	ErrNotRunning = errors.New("daemon not running")
)

const (
	defaultHeartbeat = 10 * time.Second
	heartbeatTimeout = 30 * time.Second
	maxClients       = 128
)

// Options configures a Server.
type Options struct {
	Socket   string
	PidFile  string
	Registry *session.Registry
	// DB enables the lifecycle journal and heartbeat row.
	DB *statedb.StateDB

	ScrollbackBytes int
	ClientQueue     int
	Heartbeat       time.Duration

	// Extra services run alongside the socket server and stop with it
	// (the websocket gateway).
	Extra []func(ctx context.Context) error
}

// Server is the attach daemon.
type Server struct {
	opts Options
	reg  *session.Registry
	ln   net.Listener

	mu       sync.Mutex
	clients  map[*clientConn]struct{}
	nextConn int

	ready chan struct{}
}

func New(opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	return &Server{
		opts:    opts,
		reg:     opts.Registry,
		clients: make(map[*clientConn]struct{}),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the socket accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Run serves until ctx is cancelled. The registry is left running; the
// caller shuts it down.
func (s *Server) Run(ctx context.Context) error {
	if s.reg == nil {
		return errors.New("daemon: registry required")
	}
	if err := s.listen(); err != nil {
		return err
	}
	if s.opts.PidFile != "" {
		if err := AcquirePidFile(s.opts.PidFile); err != nil {
			s.ln.Close()
			return err
		}
		defer func() { _ = ReleasePidFile(s.opts.PidFile) }()
	}

	if db := s.opts.DB; db != nil {
		_ = db.CleanDeadDaemons(heartbeatTimeout)
		if err := db.RegisterDaemon(s.opts.Socket); err != nil {
			daemonLog.Warn("heartbeat_register_failed", slog.String("error", err.Error()))
		}
		defer func() { _ = db.UnregisterDaemon() }()
	}

	if n := s.reg.Reconnect(); n > 0 {
		daemonLog.Info("daemon_reconnected_sessions", slog.Int("count", n))
	}

	events, unsubscribe := s.reg.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop() })
	g.Go(func() error { return s.fanOutEvents(gctx, events) })
	if db := s.opts.DB; db != nil {
		journalEvents, stop := s.reg.Subscribe()
		defer stop()
		g.Go(func() error { return statedb.NewJournal(db).Run(gctx, journalEvents) })
		g.Go(func() error { return s.heartbeat(gctx, db) })
	}
	for _, run := range s.opts.Extra {
		run := run
		g.Go(func() error { return run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		s.ln.Close()
		s.closeClients()
		return nil
	})

	daemonLog.Info("daemon_listening", slog.String("socket", s.opts.Socket), slog.Int("pid", os.Getpid()))
	close(s.ready)

	err := g.Wait()
	_ = os.Remove(s.opts.Socket)
	daemonLog.Info("daemon_stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) listen() error {
	if err := os.MkdirAll(filepath.Dir(s.opts.Socket), 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if conn, err := net.DialTimeout("unix", s.opts.Socket, 500*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("%w on %s", ErrAlreadyRunning, s.opts.Socket)
	}
	if err := os.Remove(s.opts.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.opts.Socket)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	if err := os.Chmod(s.opts.Socket, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	s.ln = ln
	return nil
}

func (s *Server) acceptLoop() error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if len(s.clients) >= maxClients {
			s.mu.Unlock()
			daemonLog.Warn("max_clients_reached", slog.Int("max", maxClients))
			nc.Close()
			continue
		}
		s.nextConn++
		c := newClientConn(s, s.nextConn, nc)
		s.clients[c] = struct{}{}
		s.mu.Unlock()

		logging.Aggregate(logging.CompDaemon, "client_connect", slog.Int("client", c.id))
		go c.serve()
	}
}

func (s *Server) removeClient(c *clientConn) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	logging.Aggregate(logging.CompDaemon, "client_disconnect", slog.Int("client", c.id))
}

func (s *Server) snapshotClients() []*clientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*clientConn, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) closeClients() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}

// fanOutEvents pushes registry changes to clients that asked to watch.
func (s *Server) fanOutEvents(ctx context.Context, events <-chan session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			info := protocol.Info(ev.Session, ev.ActiveID, s.reg.Process(ev.Session.ID) != nil)
			m := protocol.New(protocol.TypeSessionsChanged)
			m.ID = ev.Session.ID
			m.Event = string(ev.Type)
			m.ActiveID = ev.ActiveID
			m.Session = &info
			m.Code = ev.ExitCode
			for _, c := range s.snapshotClients() {
				if c.watching() {
					c.push(m)
				}
			}
		}
	}
}

func (s *Server) heartbeat(ctx context.Context, db *statedb.StateDB) error {
	t := time.NewTicker(s.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := db.Heartbeat(); err != nil {
				daemonLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// resolve maps an id, unique id prefix or exact name to a session. Fuzzy
// matching is left to interactive callers so a stale id never hits another
// session.
func (s *Server) resolve(ref string) (session.Session, error) {
	if ref == "" {
		if active, ok := s.reg.Active(); ok {
			return active, nil
		}
		return session.Session{}, fmt.Errorf("no active session")
	}
	if sess, ok := s.reg.Lookup(ref); ok {
		return sess, nil
	}
	return session.Session{}, fmt.Errorf("%w: %s", session.ErrNotFound, ref)
}
