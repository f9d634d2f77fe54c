package session

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/termdeck/termdeck/internal/logging"
)

// Persister writes snapshots in the background. Only the newest snapshot is
// kept, so a burst of mutations becomes a single write, and the limiter
// bounds how often the file is rewritten.
type Persister struct {
	store   *Store
	limiter *rate.Limiter

	mu      sync.Mutex
	pending *Snapshot
	writes  int
	lastErr error

	writeMu sync.Mutex
	notify  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPersister starts the writer goroutine. writesPerSecond <= 0 means 4.
func NewPersister(store *Store, writesPerSecond float64) *Persister {
	if writesPerSecond <= 0 {
		writesPerSecond = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Persister{
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(writesPerSecond), 1),
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// Save schedules snap for writing and returns immediately.
func (p *Persister) Save(snap Snapshot) {
	p.mu.Lock()
	p.pending = &snap
	p.mu.Unlock()
	logging.Aggregate(logging.CompStorage, "persist_scheduled")

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Persister) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.notify:
		}
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
		p.writePending()
	}
}

func (p *Persister) writePending() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	snap := p.pending
	p.pending = nil
	p.mu.Unlock()
	if snap == nil {
		return nil
	}

	err := p.store.Save(*snap)
	p.mu.Lock()
	p.writes++
	p.lastErr = err
	p.mu.Unlock()
	if err != nil {
		storageLog.Error("sessions_save_failed", slog.String("path", p.store.Path()), slog.String("error", err.Error()))
	}
	return err
}

// Flush writes any pending snapshot now, bypassing the limiter.
func (p *Persister) Flush() error {
	return p.writePending()
}

// Writes reports how many snapshots reached the store.
func (p *Persister) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

// LastError is the result of the most recent write.
func (p *Persister) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Close stops the writer and flushes what is left.
func (p *Persister) Close() error {
	p.cancel()
	p.wg.Wait()
	return p.Flush()
}
