package session

import (
	"context"
	"errors"

	"github.com/termdeck/termdeck/internal/pty"
)

// ErrNoProcess is returned by Reconnect when nothing is running for a session.
var ErrNoProcess = errors.New("no running process")

// Process is the runtime side of a live session.
type Process interface {
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	// Subscribe streams output until the process exits or cancel is called.
	Subscribe() (<-chan []byte, func())
	Scrollback() []byte
	// Done is closed when the process has exited or the handle was detached.
	Done() <-chan struct{}
	ExitCode() int
	// Terminate ends the process for good.
	Terminate() error
	// Detach releases the handle and leaves the process running when it can outlive us.
	Detach()
}

// Attacher is implemented by processes that can hand out scrollback and a
// live subscription as one consistent cut.
type Attacher interface {
	Attach(max int) ([]byte, <-chan []byte, func())
}

// AttachProcess returns scrollback (at most max bytes, all when max <= 0)
// and a live subscription for p.
func AttachProcess(p Process, max int) ([]byte, <-chan []byte, func()) {
	if a, ok := p.(Attacher); ok {
		return a.Attach(max)
	}
	ch, cancel := p.Subscribe()
	b := p.Scrollback()
	if max > 0 && len(b) > max {
		b = b[len(b)-max:]
	}
	return b, ch, cancel
}

// SpawnRequest describes the process to start for a session.
type SpawnRequest struct {
	Session Session
	// OnDirectoryChange receives paths reported by the shell (OSC 7).
	OnDirectoryChange func(path string)
}

// Spawner creates and finds processes for sessions.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
	// Reconnect returns the process already running for the session or ErrNoProcess.
	Reconnect(ctx context.Context, req SpawnRequest) (Process, error)
	// Cleanup releases anything left for a session that has no handle,
	// such as an orphaned host socket.
	Cleanup(id string) error
}

// LocalSpawner runs shells as children of the current process.
type LocalSpawner struct {
	Shell           string
	Args            []string
	Env             []string
	ScrollbackBytes int
}

func (l *LocalSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	s, err := pty.Start(ctx, pty.Options{
		ID:                req.Session.ID,
		Shell:             l.Shell,
		Args:              l.Args,
		Env:               l.Env,
		Dir:               req.Session.WorkingDirectory,
		ScrollbackBytes:   l.ScrollbackBytes,
		OnDirectoryChange: req.OnDirectoryChange,
	})
	if err != nil {
		return nil, err
	}
	return &localProcess{Session: s}, nil
}

// Reconnect always fails: child shells die with their parent.
func (l *LocalSpawner) Reconnect(context.Context, SpawnRequest) (Process, error) {
	return nil, ErrNoProcess
}

func (l *LocalSpawner) Cleanup(string) error { return nil }

type localProcess struct {
	*pty.Session
}

func (p *localProcess) Terminate() error {
	p.Hangup()
	return nil
}

// Detach hangs up too; a child shell cannot outlive this process.
func (p *localProcess) Detach() {
	p.Hangup()
}

