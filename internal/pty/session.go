//go:build !windows

// Package pty runs a login shell on a pseudo-terminal and tears down the
// processes that own per-session sockets.
package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/termdeck/termdeck/internal/logging"
	"github.com/termdeck/termdeck/internal/ringbuf"
)

var ptyLog = logging.ForComponent(logging.CompPTY)

// ErrClosed is returned by Write and Resize after the PTY has been closed.
var ErrClosed = errors.New("pty closed")

const (
	readBufferSize   = 32 * 1024
	subscriberBuffer = 256
	hangupGrace      = 2 * time.Second
)

// Options configures Start.
type Options struct {
	// ID is the owning session id, exported to the shell as TERMDECK_SESSION_ID.
	ID    string
	Shell string
	Args  []string
	Dir   string
	// Env is appended to the inherited environment.
	Env []string

	Cols, Rows uint16

	// ScrollbackBytes bounds the replay buffer (ringbuf.DefaultSize when zero).
	ScrollbackBytes int

	// Callbacks run on the reader goroutine and must not block.
	OnOutput          func([]byte)
	OnDirectoryChange func(path string)
	OnExit            func(code int)
}

// Session is one shell process attached to a PTY master.
type Session struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File
	opts Options

	scrollback *ringbuf.Buffer
	osc        OSC7Parser

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[int]chan []byte
	nextSub int
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
	exitCode  int
}

// Start spawns opts.Shell on a new PTY with its own session and controlling
// terminal. Cancelling ctx hangs the PTY up.
func Start(ctx context.Context, opts Options) (*Session, error) {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Cols == 0 || opts.Rows == 0 {
		opts.Cols, opts.Rows = 80, 24
	}

	cmd := exec.Command(opts.Shell, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if opts.ID != "" {
		cmd.Env = append(cmd.Env, "TERMDECK_SESSION_ID="+opts.ID)
	}
	cmd.Env = append(cmd.Env, opts.Env...)

	// StartWithSize sets Setsid and Setctty so the shell gets the PTY as its
	// controlling terminal and a hangup reaches its whole session.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	s := &Session{
		id:         opts.ID,
		cmd:        cmd,
		ptmx:       ptmx,
		opts:       opts,
		scrollback: ringbuf.New(opts.ScrollbackBytes),
		subs:       make(map[int]chan []byte),
		done:       make(chan struct{}),
		exitCode:   -1,
	}

	ptyLog.Info("pty_started",
		slog.String("session_id", opts.ID),
		slog.String("shell", opts.Shell),
		slog.String("dir", opts.Dir),
		slog.Int("pid", cmd.Process.Pid))

	go s.readLoop()
	if ctx != nil {
		stop := context.AfterFunc(ctx, s.Hangup)
		go func() {
			<-s.done
			stop()
		}()
	}
	return s, nil
}

func (s *Session) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.handleOutput(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				ptyLog.Debug("pty_read_ended", slog.String("session_id", s.id), slog.String("error", err.Error()))
			}
			break
		}
	}
	s.finish()
}

func (s *Session) handleOutput(chunk []byte) {
	logging.Aggregate(logging.CompPTY, "output_chunk", slog.String("session_id", s.id))

	if s.opts.OnDirectoryChange != nil {
		for _, dir := range s.osc.Feed(chunk) {
			s.opts.OnDirectoryChange(dir)
		}
	}
	if s.opts.OnOutput != nil {
		s.opts.OnOutput(chunk)
	}

	// Scrollback and fan-out change together so Attach sees a consistent cut.
	s.mu.Lock()
	_, _ = s.scrollback.Write(chunk)
	for id, ch := range s.subs {
		select {
		case ch <- chunk:
		default:
			// A subscriber that cannot keep up is cut off rather than stalling the shell.
			close(ch)
			delete(s.subs, id)
			ptyLog.Warn("pty_subscriber_dropped", slog.String("session_id", s.id), slog.Int("subscriber", id))
		}
	}
	s.mu.Unlock()
}

func (s *Session) finish() {
	code := -1
	if err := s.cmd.Wait(); err == nil {
		code = 0
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	s.closeMaster()

	s.mu.Lock()
	s.closed = true
	s.exitCode = code
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()
	close(s.done)

	ptyLog.Info("pty_exited", slog.String("session_id", s.id), slog.Int("code", code))
	if s.opts.OnExit != nil {
		s.opts.OnExit(code)
	}
}

func (s *Session) closeMaster() {
	s.closeOnce.Do(func() { _ = s.ptmx.Close() })
}

// ID returns the session id passed to Start.
func (s *Session) ID() string { return s.id }

// Pid returns the shell's process id.
func (s *Session) Pid() int { return s.cmd.Process.Pid }

// Done is closed once the shell has exited and the reader has drained.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitCode is -1 while running or when the shell died from a signal.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Exited reports whether the shell has exited.
func (s *Session) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Write sends raw bytes to the shell.
func (s *Session) Write(p []byte) (int, error) {
	if s.Exited() {
		return 0, ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.ptmx.Write(p)
	if err != nil && errors.Is(err, os.ErrClosed) {
		return n, ErrClosed
	}
	return n, err
}

// Resize changes the terminal size seen by the shell.
func (s *Session) Resize(cols, rows uint16) error {
	if s.Exited() {
		return ErrClosed
	}
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Signal delivers sig to the terminal's foreground process group, falling
// back to the shell's own group.
func (s *Session) Signal(sig syscall.Signal) error {
	if s.Exited() {
		return ErrClosed
	}
	pgid, err := unix.IoctlGetInt(int(s.ptmx.Fd()), unix.TIOCGPGRP)
	if err != nil || pgid <= 0 {
		pgid = s.Pid()
	}
	return syscall.Kill(-pgid, sig)
}

// Subscribe returns a channel receiving every output chunk from now on. The
// channel is closed on exit, on cancel, or when the subscriber falls behind.
func (s *Session) Subscribe() (<-chan []byte, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked()
}

// Attach returns up to max bytes of scrollback together with a subscription
// that starts exactly where the scrollback ends.
func (s *Session) Attach(max int) ([]byte, <-chan []byte, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.scrollback.Bytes()
	if max > 0 && len(b) > max {
		b = b[len(b)-max:]
	}
	ch, cancel := s.subscribeLocked()
	return b, ch, cancel
}

func (s *Session) subscribeLocked() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

// Scrollback returns the most recent output, oldest byte first.
func (s *Session) Scrollback() []byte {
	return s.scrollback.Bytes()
}

// ScrollbackTail returns at most max bytes from the end of the scrollback.
func (s *Session) ScrollbackTail(max int) []byte {
	b := s.scrollback.Bytes()
	if max > 0 && len(b) > max {
		b = b[len(b)-max:]
	}
	return b
}

// Hangup closes the master side, which hangs up the line, then sends SIGHUP
// to the shell's process group and waits briefly for it to exit. Children
// are left to react to the hangup themselves.
func (s *Session) Hangup() {
	if s.Exited() {
		return
	}
	pid := s.Pid()
	s.closeMaster()
	_ = syscall.Kill(-pid, syscall.SIGHUP)

	select {
	case <-s.done:
	case <-time.After(hangupGrace):
		ptyLog.Warn("pty_hangup_timeout", slog.String("session_id", s.id), slog.Int("pid", pid))
	}
}
