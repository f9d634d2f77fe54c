package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/termdeck/termdeck/internal/control"
)

var (
	// ErrNotFound is returned where a caller needs to tell an unknown id apart.
	ErrNotFound = errors.New("session not found")
	// ErrNotLive means the session is terminated or suspended.
	ErrNotLive = errors.New("session is not live")
	// ErrNoSpawner means the registry was built without a Spawner.
	ErrNoSpawner = errors.New("no spawner configured")
)

// Options configures a Registry.
type Options struct {
	// Store enables persistence; nil keeps everything in memory.
	Store           *Store
	WritesPerSecond float64

	// Spawner starts session processes; nil means sessions never get one.
	Spawner Spawner
	Control control.Options

	// HomeDir is the default working directory (os.UserHomeDir when empty).
	HomeDir string
	Clock   func() time.Time
}

// Registry owns the session table. One mutex guards the table; process
// callbacks go through the exported methods like any other caller.
// Operations on unknown ids do nothing and report false.
type Registry struct {
	opts Options
	now  func() time.Time
	home string

	mu       sync.Mutex
	sessions []*Session
	activeID string
	procs    map[string]Process
	ctrls    map[string]*control.Channel
	closed   bool

	spawns    singleflight.Group
	persister *Persister
	events    broadcaster

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open loads the table from opts.Store (or starts with the default session
// when there is no store) and returns a ready registry.
func Open(opts Options) *Registry {
	home := homeDir(opts.HomeDir)
	var snap Snapshot
	if opts.Store != nil {
		snap = opts.Store.LoadOrDefault(home, opts.Clock)
	} else {
		snap = DefaultSnapshot(home, opts.Clock)
	}
	return NewRegistry(snap, opts)
}

// NewRegistry builds a registry from an already loaded snapshot. Processes
// are attached lazily by EnsureProcess or eagerly by Reconnect.
func NewRegistry(snap Snapshot, opts Options) *Registry {
	snap = normalize(snap)
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:     opts,
		now:      opts.Clock,
		home:     homeDir(opts.HomeDir),
		activeID: snap.ActiveSessionID,
		procs:    make(map[string]Process),
		ctrls:    make(map[string]*control.Channel),
		ctx:      ctx,
		cancel:   cancel,
	}
	if r.now == nil {
		r.now = defaultClock
	}
	for i := range snap.Sessions {
		s := snap.Sessions[i]
		r.sessions = append(r.sessions, &s)
	}
	if opts.Store != nil {
		r.persister = NewPersister(opts.Store, opts.WritesPerSecond)
	}
	return r
}

func homeDir(h string) string {
	if h != "" {
		return h
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/"
}

// Create appends a session, makes it active and starts its process. Empty
// name and cwd default to "Session N" and the home directory.
func (r *Registry) Create(name, cwd string) Session {
	r.mu.Lock()
	now := r.now()
	if name == "" {
		name = fmt.Sprintf("Session %d", len(r.sessions)+1)
	}
	if cwd == "" {
		cwd = r.home
	}
	s := &Session{
		ID:               newID(),
		Name:             name,
		WorkingDirectory: filepath.Clean(cwd),
		CreatedAt:        now,
		LastActiveAt:     now,
		Status:           StatusActive,
	}
	r.sessions = append(r.sessions, s)
	r.activeID = s.ID
	r.persistLocked()
	out, active := *s, r.activeID
	r.mu.Unlock()

	sessionLog.Info("session_created",
		slog.String("session_id", out.ID), slog.String("name", out.Name), slog.String("cwd", out.WorkingDirectory))
	r.publish(EventCreated, out, active, 0)
	r.spawnLogged(out.ID)
	return out
}

// Close terminates the session's process, marks it terminated and keeps it
// in the table. If it was active another live session is selected, or none.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	_, s := r.find(id)
	if s == nil {
		r.mu.Unlock()
		return false
	}
	p, ctrl := r.detachLocked(id)
	s.Status = StatusTerminated
	s.LastActiveAt = r.now()
	if r.activeID == id {
		r.activeID = r.pickActiveLocked()
	}
	r.persistLocked()
	out, active := *s, r.activeID
	r.mu.Unlock()

	r.release(id, p, ctrl)
	sessionLog.Info("session_closed", slog.String("session_id", id), slog.String("active_id", active))
	r.publish(EventClosed, out, active, 0)
	return true
}

// Reopen brings a terminated (or suspended) session back as the active one
// and starts a fresh process in its stored working directory.
func (r *Registry) Reopen(id string) bool {
	r.mu.Lock()
	_, s := r.find(id)
	if s == nil || s.Live() {
		r.mu.Unlock()
		return false
	}
	s.Status = StatusActive
	s.LastActiveAt = r.now()
	r.activeID = id
	r.persistLocked()
	out, active := *s, r.activeID
	r.mu.Unlock()

	sessionLog.Info("session_reopened", slog.String("session_id", id), slog.String("cwd", out.WorkingDirectory))
	r.publish(EventReopened, out, active, 0)
	r.spawnLogged(id)
	return true
}

// Delete removes the session permanently, tearing down its process first.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	idx, s := r.find(id)
	if s == nil {
		r.mu.Unlock()
		return false
	}
	p, ctrl := r.detachLocked(id)
	out := *s
	r.sessions = append(r.sessions[:idx], r.sessions[idx+1:]...)
	if r.activeID == id {
		r.activeID = r.pickActiveLocked()
	}
	r.persistLocked()
	active := r.activeID
	r.mu.Unlock()

	r.release(id, p, ctrl)
	sessionLog.Info("session_deleted", slog.String("session_id", id))
	r.publish(EventDeleted, out, active, 0)
	return true
}

// Select changes the active session. It is not persisted on its own; the
// next structural change carries it.
func (r *Registry) Select(id string) bool {
	r.mu.Lock()
	_, s := r.find(id)
	if s == nil || !s.Live() {
		r.mu.Unlock()
		return false
	}
	r.activeID = id
	out := *s
	r.mu.Unlock()

	r.publish(EventSelected, out, id, 0)
	return true
}

// UpdateActiveSessionCWD records a directory change for the active session.
func (r *Registry) UpdateActiveSessionCWD(path string) bool {
	r.mu.Lock()
	id := r.activeID
	r.mu.Unlock()
	if id == "" {
		return false
	}
	return r.UpdateSessionCWD(id, path)
}

// UpdateSessionCWD records a directory change for one session. Each process
// reports through this so a background shell never moves the active one.
func (r *Registry) UpdateSessionCWD(id, path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	path = filepath.Clean(path)

	r.mu.Lock()
	_, s := r.find(id)
	if s == nil {
		r.mu.Unlock()
		return false
	}
	s.WorkingDirectory = path
	s.LastActiveAt = r.now()
	r.persistLocked()
	out, active := *s, r.activeID
	r.mu.Unlock()

	r.publish(EventCWDChanged, out, active, 0)
	return true
}

// Rename sets a new display name.
func (r *Registry) Rename(id, name string) bool {
	if name == "" {
		return false
	}
	r.mu.Lock()
	_, s := r.find(id)
	if s == nil {
		r.mu.Unlock()
		return false
	}
	s.Name = name
	s.LastActiveAt = r.now()
	r.persistLocked()
	out, active := *s, r.activeID
	r.mu.Unlock()

	r.publish(EventRenamed, out, active, 0)
	return true
}

// SetStatus moves a non-terminated session between active, idle and
// suspended. Terminating goes through Close.
func (r *Registry) SetStatus(id string, st Status) bool {
	if st != StatusActive && st != StatusIdle && st != StatusSuspended {
		return false
	}
	r.mu.Lock()
	_, s := r.find(id)
	if s == nil || s.Status == StatusTerminated {
		r.mu.Unlock()
		return false
	}
	s.Status = st
	s.LastActiveAt = r.now()
	switch {
	case !st.Live() && r.activeID == id:
		r.activeID = r.pickActiveLocked()
	case st.Live() && r.activeID == "":
		r.activeID = id
	}
	r.persistLocked()
	out, active := *s, r.activeID
	r.mu.Unlock()

	r.publish(EventStatusChanged, out, active, 0)
	return true
}

// List returns every session in creation order.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// ActiveSessions returns the live sessions.
func (r *Registry) ActiveSessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if s.Live() {
			out = append(out, *s)
		}
	}
	return out
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, s := r.find(id); s != nil {
		return *s, true
	}
	return Session{}, false
}

// Active returns the active session, if any.
func (r *Registry) Active() (Session, bool) {
	r.mu.Lock()
	id := r.activeID
	r.mu.Unlock()
	if id == "" {
		return Session{}, false
	}
	return r.Get(id)
}

func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// Process returns the running process for id, or nil.
func (r *Registry) Process(id string) Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[id]
}

// Control returns the write channel for id, or nil when no process runs.
func (r *Registry) Control(id string) *control.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctrls[id]
}

// ControlFor starts the session's process if needed and returns its channel.
func (r *Registry) ControlFor(id string) (*control.Channel, error) {
	if _, err := r.EnsureProcess(id); err != nil {
		return nil, err
	}
	if c := r.Control(id); c != nil {
		return c, nil
	}
	return nil, ErrNotLive
}

// Subscribe streams change events. The channel closes on Shutdown or cancel.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	return r.events.subscribe()
}

// Snapshot returns the table in its persisted form.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// EnsureProcess returns the session's process, spawning one for a live
// session that has none. Concurrent calls for one id share the spawn.
func (r *Registry) EnsureProcess(id string) (Process, error) {
	v, err, _ := r.spawns.Do(id, func() (any, error) {
		r.mu.Lock()
		_, s := r.find(id)
		switch {
		case r.closed:
			r.mu.Unlock()
			return nil, ErrNotLive
		case s == nil:
			r.mu.Unlock()
			return nil, ErrNotFound
		case r.procs[id] != nil:
			p := r.procs[id]
			r.mu.Unlock()
			return p, nil
		case !s.Live():
			r.mu.Unlock()
			return nil, ErrNotLive
		case r.opts.Spawner == nil:
			r.mu.Unlock()
			return nil, ErrNoSpawner
		}
		req := r.spawnRequest(*s)
		r.mu.Unlock()

		p, err := r.opts.Spawner.Spawn(r.ctx, req)
		if err != nil {
			return nil, fmt.Errorf("spawn session %s: %w", id, err)
		}
		if !r.adopt(id, p) {
			_ = p.Terminate()
			return nil, ErrNotLive
		}
		sessionLog.Info("session_process_started", slog.String("session_id", id))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Process), nil
}

// Reconnect attaches processes that are still running from a previous run
// (hosted sessions whose socket still answers).
func (r *Registry) Reconnect() int {
	if r.opts.Spawner == nil {
		return 0
	}
	n := 0
	for _, s := range r.ActiveSessions() {
		p, err := r.opts.Spawner.Reconnect(r.ctx, r.spawnRequest(s))
		if err != nil {
			if !errors.Is(err, ErrNoProcess) {
				sessionLog.Warn("session_reconnect_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
			}
			continue
		}
		if r.adopt(s.ID, p) {
			n++
			sessionLog.Info("session_reconnected", slog.String("session_id", s.ID))
		} else {
			p.Detach()
		}
	}
	return n
}

// Shutdown detaches every process without killing what can outlive this
// process, flushes persistence and closes event subscriptions.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	procs, ctrls := r.procs, r.ctrls
	r.procs = make(map[string]Process)
	r.ctrls = make(map[string]*control.Channel)
	r.persistLocked()
	r.mu.Unlock()

	for id, p := range procs {
		if c := ctrls[id]; c != nil {
			c.Close()
		}
		p.Detach()
	}
	r.cancel()
	r.wg.Wait()
	if r.persister != nil {
		if err := r.persister.Close(); err != nil {
			storageLog.Error("sessions_final_save_failed", slog.String("error", err.Error()))
		}
	}
	r.events.closeAll()
}

// Flush writes any pending snapshot synchronously.
func (r *Registry) Flush() error {
	if r.persister == nil {
		return nil
	}
	return r.persister.Flush()
}

func (r *Registry) find(id string) (int, *Session) {
	for i, s := range r.sessions {
		if s.ID == id {
			return i, s
		}
	}
	return -1, nil
}

// pickActiveLocked returns the most recently active live session, or "".
func (r *Registry) pickActiveLocked() string {
	var best *Session
	for _, s := range r.sessions {
		if s.ID == r.activeID || !s.Live() {
			continue
		}
		if best == nil || s.LastActiveAt.After(best.LastActiveAt) {
			best = s
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

func (r *Registry) snapshotLocked() Snapshot {
	snap := Snapshot{Version: SnapshotVersion, ActiveSessionID: r.activeID, Sessions: make([]Session, 0, len(r.sessions))}
	for _, s := range r.sessions {
		snap.Sessions = append(snap.Sessions, *s)
	}
	return snap
}

func (r *Registry) persistLocked() {
	if r.persister != nil {
		r.persister.Save(r.snapshotLocked())
	}
}

func (r *Registry) detachLocked(id string) (Process, *control.Channel) {
	p, c := r.procs[id], r.ctrls[id]
	delete(r.procs, id)
	delete(r.ctrls, id)
	return p, c
}

// release ends a process taken out of the table. With no handle the spawner
// still gets a chance to clean up an orphaned socket.
func (r *Registry) release(id string, p Process, c *control.Channel) {
	if c != nil {
		c.Close()
	}
	var err error
	if p != nil {
		err = p.Terminate()
	} else if r.opts.Spawner != nil {
		err = r.opts.Spawner.Cleanup(id)
	}
	if err != nil {
		sessionLog.Warn("session_teardown_failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

func (r *Registry) spawnRequest(s Session) SpawnRequest {
	id := s.ID
	return SpawnRequest{
		Session:           s,
		OnDirectoryChange: func(path string) { r.UpdateSessionCWD(id, path) },
	}
}

func (r *Registry) spawnLogged(id string) {
	if r.opts.Spawner == nil {
		return
	}
	if _, err := r.EnsureProcess(id); err != nil {
		sessionLog.Error("session_spawn_failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

// adopt installs p for id if the session still wants a process.
func (r *Registry) adopt(id string, p Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, s := r.find(id)
	if r.closed || s == nil || !s.Live() || r.procs[id] != nil {
		return false
	}
	opts := r.opts.Control
	opts.SessionID = id
	c := control.New(p, opts)
	r.procs[id] = p
	r.ctrls[id] = c

	out, cancel := p.Subscribe()
	r.wg.Add(1)
	go r.pump(id, p, c, out, cancel)
	return true
}

// pump mirrors output into the control channel and reacts to exit.
func (r *Registry) pump(id string, p Process, c *control.Channel, out <-chan []byte, cancel func()) {
	defer r.wg.Done()
	for chunk := range out {
		c.AppendOutput(chunk)
	}
	cancel()
	<-p.Done()
	r.processExited(id, p)
}

// processExited marks a session terminated when its process ends on its own.
func (r *Registry) processExited(id string, p Process) {
	r.mu.Lock()
	if r.procs[id] != p {
		r.mu.Unlock()
		return
	}
	_, c := r.detachLocked(id)
	_, s := r.find(id)
	var out Session
	if s != nil {
		s.Status = StatusTerminated
		s.LastActiveAt = r.now()
		if r.activeID == id {
			r.activeID = r.pickActiveLocked()
		}
		r.persistLocked()
		out = *s
	}
	active := r.activeID
	r.mu.Unlock()

	if c != nil {
		c.Close()
	}
	code := p.ExitCode()
	sessionLog.Info("session_process_exited", slog.String("session_id", id), slog.Int("code", code))
	r.publish(EventExited, out, active, code)
}

func (r *Registry) publish(t EventType, s Session, active string, code int) {
	r.events.publish(Event{Type: t, Session: s, ActiveID: active, ExitCode: code, At: r.now()})
}
