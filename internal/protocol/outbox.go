package protocol

import (
	"io"
	"sync"
	"time"
)

// Outbox writes messages to one peer from a bounded queue on its own
// goroutine. Producers never block: Push fails when the queue is full and
// the caller decides whether to drop the peer.
type Outbox struct {
	enc     *Encoder
	queue   chan Message
	closing chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

func NewOutbox(w io.Writer, size int) *Outbox {
	if size <= 0 {
		size = DefaultPushBuffer
	}
	o := &Outbox{
		enc:     NewEncoder(w),
		queue:   make(chan Message, size),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go o.run()
	return o
}

// Push queues m. It reports false when the queue is full or the outbox has
// stopped.
func (o *Outbox) Push(m Message) bool {
	select {
	case <-o.closing:
		return false
	case <-o.stopped:
		return false
	default:
	}
	select {
	case o.queue <- m:
		return true
	default:
		return false
	}
}

// Close stops accepting messages; already queued ones are still written.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.closing) })
}

// Wait blocks until the writer has stopped or timeout elapses.
func (o *Outbox) Wait(timeout time.Duration) bool {
	select {
	case <-o.stopped:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stopped is closed when the writer goroutine exits.
func (o *Outbox) Stopped() <-chan struct{} { return o.stopped }

// Err reports the write error that stopped the outbox, if any.
func (o *Outbox) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Outbox) run() {
	defer close(o.stopped)
	for {
		select {
		case m := <-o.queue:
			if !o.write(m) {
				return
			}
		case <-o.closing:
			for {
				select {
				case m := <-o.queue:
					if !o.write(m) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (o *Outbox) write(m Message) bool {
	if err := o.enc.Encode(m); err != nil {
		o.mu.Lock()
		o.err = err
		o.mu.Unlock()
		return false
	}
	return true
}
