//go:build !windows

package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/pty"
	"github.com/termdeck/termdeck/internal/ringbuf"
	"github.com/termdeck/termdeck/internal/session"
)

const (
	defaultReadyTimeout = 5 * time.Second
	readyPollInterval   = 25 * time.Millisecond
	callTimeout         = 5 * time.Second
	subscriberBuffer    = 256
)

// Spawner starts each session in its own detached `termdeck host` process
// and talks to it over the session socket. It implements session.Spawner.
type Spawner struct {
	// Executable is the termdeck binary (os.Executable when empty).
	Executable string
	// Prefix names the socket files: /tmp/<Prefix>-<short id>.sock.
	Prefix string

	Shell           string
	Args            []string
	ScrollbackBytes int
	ReadyTimeout    time.Duration

	// Launch starts a host with the given Options. Nil execs Executable.
	Launch func(opts Options) error
}

var _ session.Spawner = (*Spawner)(nil)

// SocketFor returns the socket path of a session.
func (h *Spawner) SocketFor(id string) string {
	prefix := h.Prefix
	if prefix == "" {
		prefix = "termdeck"
	}
	return pty.SocketPath(prefix, id)
}

// Spawn connects to the session's host, starting one first when none answers.
func (h *Spawner) Spawn(ctx context.Context, req session.SpawnRequest) (session.Process, error) {
	path := h.SocketFor(req.Session.ID)
	if IsSocketAlive(path) {
		return h.connect(ctx, req, path)
	}

	opts := Options{
		ID:              req.Session.ID,
		Socket:          path,
		Shell:           h.Shell,
		Args:            h.Args,
		Dir:             req.Session.WorkingDirectory,
		ScrollbackBytes: h.ScrollbackBytes,
	}
	launch := h.Launch
	if launch == nil {
		launch = h.exec
	}
	if err := launch(opts); err != nil {
		return nil, fmt.Errorf("launch host: %w", err)
	}

	timeout := h.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	for !IsSocketAlive(path) {
		if time.Now().After(deadline) {
			_ = pty.Teardown(path)
			return nil, fmt.Errorf("host for %s not ready after %s", req.Session.ShortID(), timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
	return h.connect(ctx, req, path)
}

// Reconnect attaches to a host left running by an earlier daemon.
func (h *Spawner) Reconnect(ctx context.Context, req session.SpawnRequest) (session.Process, error) {
	path := h.SocketFor(req.Session.ID)
	if !IsSocketAlive(path) {
		return nil, session.ErrNoProcess
	}
	return h.connect(ctx, req, path)
}

// Cleanup tears down whatever still owns the session socket.
func (h *Spawner) Cleanup(id string) error {
	return pty.Teardown(h.SocketFor(id))
}

// exec starts the host binary in its own session so it survives the daemon.
func (h *Spawner) exec(opts Options) error {
	exe := h.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return err
		}
	}
	args := []string{"host",
		"--id", opts.ID,
		"--socket", opts.Socket,
		"--dir", opts.Dir,
		"--scrollback", strconv.Itoa(opts.ScrollbackBytes),
	}
	if opts.Shell != "" {
		args = append(args, "--shell", opts.Shell)
	}
	if len(opts.Args) > 0 {
		args = append(args, "--")
		args = append(args, opts.Args...)
	}

	cmd := exec.Command(exe, args...)
	cmd.Dir = opts.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	hostLog.Info("host_launched", slog.String("session_id", opts.ID), slog.Int("pid", cmd.Process.Pid))
	// Reap the host if it exits while we are still its parent.
	go func() { _ = cmd.Wait() }()
	return nil
}

func (h *Spawner) connect(ctx context.Context, req session.SpawnRequest, path string) (session.Process, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	conn, err := protocol.Dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("dial host: %w", err)
	}
	attach := protocol.New(protocol.TypeAttach)
	attach.ID = req.Session.ID
	reply, err := conn.Call(ctx, attach)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("attach host: %w", err)
	}

	p := &process{
		id:         req.Session.ID,
		socket:     path,
		conn:       conn,
		onDir:      req.OnDirectoryChange,
		scrollback: ringbuf.New(h.ScrollbackBytes),
		subs:       make(map[int]chan []byte),
		done:       make(chan struct{}),
		exitCode:   -1,
	}
	_, _ = p.scrollback.Write(reply.Data)
	go p.run()
	return p, nil
}

// process is the daemon's handle on a host.
type process struct {
	id     string
	socket string
	conn   *protocol.Conn
	onDir  func(string)

	scrollback *ringbuf.Buffer

	mu       sync.Mutex
	subs     map[int]chan []byte
	nextSub  int
	closed   bool
	exitCode int
	exited   bool
	detached bool

	done chan struct{}
}

func (p *process) run() {
	for m := range p.conn.Pushes() {
		switch m.Type {
		case protocol.TypeSessionOutput:
			p.output(m.Data)
		case protocol.TypeSessionsChanged:
			if m.Event == "cwd_changed" && p.onDir != nil {
				p.onDir(m.Cwd)
			}
		case protocol.TypeSessionExited:
			p.mu.Lock()
			p.exitCode = m.Code
			p.exited = true
			p.mu.Unlock()
		case protocol.TypeError:
			hostLog.Warn("host_reported_error", slog.String("session_id", p.id), slog.String("error", m.Error))
		}
	}
	p.finish()
}

func (p *process) output(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.scrollback.Write(chunk)
	for id, ch := range p.subs {
		select {
		case ch <- chunk:
		default:
			close(ch)
			delete(p.subs, id)
			hostLog.Warn("host_subscriber_dropped", slog.String("session_id", p.id), slog.Int("subscriber", id))
		}
	}
}

func (p *process) finish() {
	p.mu.Lock()
	p.closed = true
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	lost := !p.exited && !p.detached
	p.mu.Unlock()
	if lost {
		hostLog.Warn("host_connection_lost", slog.String("session_id", p.id), slog.String("socket", p.socket))
	}
	close(p.done)
}

func (p *process) Write(b []byte) (int, error) {
	m := protocol.New(protocol.TypeSendInput)
	m.ID = p.id
	m.Data = b
	if err := p.conn.Send(m); err != nil {
		if errors.Is(err, protocol.ErrConnClosed) {
			return 0, pty.ErrClosed
		}
		return 0, err
	}
	return len(b), nil
}

func (p *process) Resize(cols, rows uint16) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	m := protocol.New(protocol.TypeResize)
	m.ID = p.id
	m.Cols, m.Rows = cols, rows
	_, err := p.conn.Call(ctx, m)
	return err
}

func (p *process) Subscribe() (<-chan []byte, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribeLocked()
}

// Attach returns up to max bytes of scrollback and a subscription starting
// right after it.
func (p *process) Attach(max int) ([]byte, <-chan []byte, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.scrollback.Bytes()
	if max > 0 && len(b) > max {
		b = b[len(b)-max:]
	}
	ch, cancel := p.subscribeLocked()
	return b, ch, cancel
}

func (p *process) subscribeLocked() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	if p.closed {
		close(ch)
		return ch, func() {}
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
	}
}

func (p *process) Scrollback() []byte { return p.scrollback.Bytes() }

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Terminate asks the host to hang up, then tears down whatever still owns
// the socket.
func (p *process) Terminate() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	m := protocol.New(protocol.TypeCloseSession)
	m.ID = p.id
	_, callErr := p.conn.Call(ctx, m)
	cancel()
	if callErr == nil {
		select {
		case <-p.done:
		case <-time.After(3 * time.Second):
			hostLog.Warn("host_terminate_timeout", slog.String("session_id", p.id))
		}
	}
	err := pty.Teardown(p.socket)
	p.conn.Close()
	return err
}

// Detach drops the connection and leaves the host running.
func (p *process) Detach() {
	p.mu.Lock()
	p.detached = true
	p.mu.Unlock()
	p.conn.Close()
}
