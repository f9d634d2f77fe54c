package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProcess struct {
	mu         sync.Mutex
	written    bytes.Buffer
	scroll     bytes.Buffer
	subs       []chan []byte
	done       chan struct{}
	once       sync.Once
	code       int
	terminated bool
	detached   bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{}), code: -1}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakeProcess) Resize(uint16, uint16) error { return nil }

func (p *fakeProcess) Subscribe() (<-chan []byte, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan []byte, 16)
	select {
	case <-p.done:
		close(ch)
		return ch, func() {}
	default:
	}
	p.subs = append(p.subs, ch)
	return ch, func() {}
}

func (p *fakeProcess) Scrollback() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.scroll.Bytes()...)
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProcess) emit(b string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scroll.WriteString(b)
	for _, ch := range p.subs {
		ch <- []byte(b)
	}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		for _, ch := range p.subs {
			close(ch)
		}
		p.subs = nil
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProcess) Detach() {
	p.mu.Lock()
	p.detached = true
	p.mu.Unlock()
	p.exit(-1)
}

func (p *fakeProcess) state() (terminated, detached bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated, p.detached
}

func (p *fakeProcess) input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

type fakeSpawner struct {
	mu        sync.Mutex
	spawned   map[string][]*fakeProcess
	requests  map[string]SpawnRequest
	failures  int
	running   map[string]*fakeProcess
	cleanedUp []string
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		spawned:  make(map[string][]*fakeProcess),
		requests: make(map[string]SpawnRequest),
		running:  make(map[string]*fakeProcess),
	}
}

func (f *fakeSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("spawn failed")
	}
	p := newFakeProcess()
	f.spawned[req.Session.ID] = append(f.spawned[req.Session.ID], p)
	f.requests[req.Session.ID] = req
	return p, nil
}

func (f *fakeSpawner) Reconnect(_ context.Context, req SpawnRequest) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.running[req.Session.ID]; ok {
		return p, nil
	}
	return nil, ErrNoProcess
}

func (f *fakeSpawner) Cleanup(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanedUp = append(f.cleanedUp, id)
	return nil
}

func (f *fakeSpawner) procs(id string) []*fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeProcess(nil), f.spawned[id]...)
}

func (f *fakeSpawner) request(id string) SpawnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[id]
}

// stepClock advances one second per call so ordering by time is deterministic.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestRegistry(t *testing.T, sp Spawner) *Registry {
	t.Helper()
	r := NewRegistry(Snapshot{}, Options{Spawner: sp, HomeDir: "/home/test", Clock: stepClock()})
	t.Cleanup(r.Shutdown)
	return r
}
