package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type eventKey struct {
	component string
	event     string
}

type eventCounter struct {
	count  int64
	fields []slog.Attr
}

// Aggregator folds bursts of identical events (PTY output chunks, client
// writes, persist attempts) into one "event_summary" record per interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	counters map[eventKey]*eventCounter

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// A nil logger drops everything it is given.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		counters: make(map[eventKey]*eventCounter),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.loop()
}

// Stop ends the flush goroutine and emits whatever is still pending.
// Calling Stop more than once is harmless.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.flush()
	})
}

// Record bumps the counter for (component, event). The attrs of the most
// recent call are attached to the summary.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := eventKey{component: component, event: event}
	c := a.counters[k]
	if c == nil {
		c = &eventCounter{}
		a.counters[k] = c
	}
	c.count++
	if len(fields) > 0 {
		c.fields = fields
	}
}

// Pending reports how many distinct events are waiting for the next flush.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.counters)
}

func (a *Aggregator) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.done:
			return
		}
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.counters) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.counters
	a.counters = make(map[eventKey]*eventCounter)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	keys := make([]eventKey, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].component != keys[j].component {
			return keys[i].component < keys[j].component
		}
		return keys[i].event < keys[j].event
	})

	window := int(a.interval.Seconds())
	for _, k := range keys {
		c := batch[k]
		args := make([]any, 0, 4+len(c.fields))
		args = append(args,
			slog.String("component", k.component),
			slog.String("event", k.event),
			slog.Int64("count", c.count),
			slog.Int("window_seconds", window),
		)
		for _, f := range c.fields {
			args = append(args, f)
		}
		a.logger.Info("event_summary", args...)
	}
}
