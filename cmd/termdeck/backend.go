package main

import (
	"context"
	"io"
	"sync"

	"github.com/termdeck/termdeck/internal/dispatch"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/session"
)

// replBackend is what the prompt drives: dispatch plus output following.
type replBackend interface {
	dispatch.Backend
	// Follow streams the active session's output to w, switching when the
	// active session changed since the last call.
	Follow(ctx context.Context, w io.Writer) error
	// SendControl sends one control key to the active session.
	SendControl(ctx context.Context, key byte) error
	Close() error
}

// sessionClient is the part of daemon.Client the prompt needs.
type sessionClient interface {
	SendInput(ref string, data []byte) error
	List(ctx context.Context) ([]protocol.SessionInfo, string, error)
	Create(ctx context.Context, name, cwd string) (protocol.SessionInfo, error)
	Attach(ctx context.Context, ref string) (string, []byte, error)
	Detach(ctx context.Context, ref string) error
	SetAssistant(ctx context.Context, ref string, on bool) error
	Pushes() <-chan protocol.Message
	Close() error
}

// daemonBackend runs prompt input against the daemon.
type daemonBackend struct {
	c sessionClient

	mu        sync.Mutex
	following string
	w         io.Writer
	once      sync.Once
}

var (
	_ replBackend              = (*daemonBackend)(nil)
	_ dispatch.AssistantMarker = (*daemonBackend)(nil)
)

func newDaemonBackend(c sessionClient) *daemonBackend {
	return &daemonBackend{c: c}
}

func (b *daemonBackend) active(ctx context.Context) (protocol.SessionInfo, error) {
	sessions, activeID, err := b.c.List(ctx)
	if err != nil {
		return protocol.SessionInfo{}, err
	}
	for _, s := range sessions {
		if s.ID == activeID {
			return s, nil
		}
	}
	return protocol.SessionInfo{}, dispatch.ErrNoActiveSession
}

func (b *daemonBackend) SendCommand(ctx context.Context, line string) error {
	s, err := b.active(ctx)
	if err != nil {
		return err
	}
	return b.c.SendInput(s.ID, []byte(line+"\n"))
}

func (b *daemonBackend) NewSession(ctx context.Context, name, cwd string) (session.Session, error) {
	if cwd == "" {
		if s, err := b.active(ctx); err == nil {
			cwd = s.WorkingDirectory
		}
	}
	info, err := b.c.Create(ctx, name, cwd)
	if err != nil {
		return session.Session{}, err
	}
	return session.Session{
		ID:               info.ID,
		Name:             info.Name,
		WorkingDirectory: info.WorkingDirectory,
		CreatedAt:        info.CreatedAt,
		LastActiveAt:     info.LastActiveAt,
		Status:           session.Status(info.Status),
	}, nil
}

// SendControl goes out as input; the daemon maps a lone control key to the
// session's interrupt, EOF or suspend.
func (b *daemonBackend) SendControl(ctx context.Context, key byte) error {
	s, err := b.active(ctx)
	if err != nil {
		return err
	}
	return b.c.SendInput(s.ID, []byte{key})
}

func (b *daemonBackend) MarkAssistant(ctx context.Context, on bool) error {
	s, err := b.active(ctx)
	if err != nil {
		return err
	}
	return b.c.SetAssistant(ctx, s.ID, on)
}

func (b *daemonBackend) ActiveDirectory(ctx context.Context) (string, error) {
	s, err := b.active(ctx)
	if err != nil {
		return "", err
	}
	return s.WorkingDirectory, nil
}

func (b *daemonBackend) Follow(ctx context.Context, w io.Writer) error {
	s, err := b.active(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	prev := b.following
	b.w = w
	b.mu.Unlock()
	if prev == s.ID {
		return nil
	}
	if prev != "" {
		_ = b.c.Detach(ctx, prev)
	}
	id, _, err := b.c.Attach(ctx, s.ID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.following = id
	b.mu.Unlock()
	b.once.Do(func() { go b.pump() })
	return nil
}

// pump writes output pushes of the followed session.
func (b *daemonBackend) pump() {
	for m := range b.c.Pushes() {
		b.mu.Lock()
		id, w := b.following, b.w
		if m.Type == protocol.TypeSessionExited && m.ID == id {
			b.following = ""
		}
		b.mu.Unlock()
		if m.Type == protocol.TypeSessionOutput && m.ID == id && w != nil {
			_, _ = w.Write(m.Data)
		}
	}
}

func (b *daemonBackend) Close() error { return b.c.Close() }

// localBackend runs sessions inside this process when no daemon is wanted.
type localBackend struct {
	dispatch.RegistryBackend

	mu        sync.Mutex
	following string
	stop      func()
}

var _ replBackend = (*localBackend)(nil)

func newLocalBackend(reg *session.Registry) *localBackend {
	return &localBackend{RegistryBackend: dispatch.RegistryBackend{Registry: reg}}
}

func (b *localBackend) Follow(_ context.Context, w io.Writer) error {
	s, ok := b.Registry.Active()
	if !ok {
		return dispatch.ErrNoActiveSession
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.following == s.ID {
		return nil
	}
	p, err := b.Registry.EnsureProcess(s.ID)
	if err != nil {
		return err
	}
	if b.stop != nil {
		b.stop()
	}
	_, ch, cancel := session.AttachProcess(p, 0)
	b.following, b.stop = s.ID, cancel
	go func() {
		for chunk := range ch {
			_, _ = w.Write(chunk)
		}
	}()
	return nil
}

func (b *localBackend) Close() error {
	b.mu.Lock()
	if b.stop != nil {
		b.stop()
	}
	b.mu.Unlock()
	b.Registry.Shutdown()
	return nil
}
