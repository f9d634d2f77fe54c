// Package control serializes outbound writes to a session's PTY and keeps the
// output it has produced since the last clear.
package control

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/termdeck/termdeck/internal/logging"
)

var controlLog = logging.ForComponent(logging.CompControl)

// ErrClosed is returned by sends after Close.
var ErrClosed = errors.New("control channel closed")

// Control bytes.
const (
	Interrupt byte = 0x03
	EOF       byte = 0x04
	Suspend   byte = 0x1a
)

// Mode selects how unconsumed writes are kept.
type Mode string

const (
	// ModeSlot keeps one pending write; a newer write replaces an unconsumed one.
	ModeSlot Mode = "slot"
	// ModeFIFO keeps up to Capacity writes in order, dropping the oldest when full.
	ModeFIFO Mode = "fifo"
)

const (
	defaultCapacity  = 64
	defaultMaxOutput = 1 << 20
)

// BlockParser receives every output chunk, e.g. to split it into command
// blocks for display. Reset is called by ClearOutput.
type BlockParser interface {
	Feed(p []byte)
	Reset()
}

// Options configures New.
type Options struct {
	Mode     Mode
	Capacity int
	// MaxOutput bounds the output buffer; older bytes are discarded.
	MaxOutput int
	Parser    BlockParser
	// SessionID is only used for logging.
	SessionID string
}

// Channel owns one drain goroutine that applies writes to w in submission order.
type Channel struct {
	w    io.Writer
	opts Options

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	inflight bool
	closed   bool
	dropped  int

	assistant bool

	outMu sync.Mutex
	out   bytes.Buffer

	wg sync.WaitGroup
}

// New starts a channel writing to w.
func New(w io.Writer, opts Options) *Channel {
	if opts.Mode != ModeFIFO {
		opts.Mode = ModeSlot
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	c := &Channel{w: w, opts: opts}
	c.cond = sync.NewCond(&c.mu)
	c.wg.Add(1)
	go c.drain()
	return c
}

// SendCommand queues text followed by a newline (added only if missing).
func (c *Channel) SendCommand(text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return c.enqueue([]byte(text), false)
}

// SendControlCharacter queues a single raw byte.
func (c *Channel) SendControlCharacter(b byte) error {
	return c.enqueue([]byte{b}, false)
}

// SendInterrupt sends Ctrl+C and ends any assistant run in the foreground.
func (c *Channel) SendInterrupt() error { return c.sendEnding(Interrupt) }

// SendEOF sends Ctrl+D and ends any assistant run in the foreground.
func (c *Channel) SendEOF() error { return c.sendEnding(EOF) }

// SendSuspend sends Ctrl+Z and ends any assistant run in the foreground.
func (c *Channel) SendSuspend() error { return c.sendEnding(Suspend) }

func (c *Channel) sendEnding(b byte) error {
	c.SetAssistantActive(false)
	return c.SendControlCharacter(b)
}

// SendKeys queues keystrokes from an attached terminal. A lone Ctrl+C, Ctrl+D
// or Ctrl+Z goes through the matching Send method so it also ends an
// assistant run; anything else is sent raw.
func (c *Channel) SendKeys(p []byte) error {
	if len(p) == 1 {
		switch p[0] {
		case Interrupt:
			return c.SendInterrupt()
		case EOF:
			return c.SendEOF()
		case Suspend:
			return c.SendSuspend()
		}
	}
	return c.SendRaw(p)
}

// SendRaw queues keystrokes exactly as given. In slot mode they are appended
// to the pending write instead of replacing it, so typed input is never lost.
func (c *Channel) SendRaw(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return c.enqueue(append([]byte(nil), p...), true)
}

func (c *Channel) enqueue(p []byte, merge bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	switch {
	case c.opts.Mode == ModeSlot && len(c.queue) > 0 && merge:
		c.queue[0] = append(c.queue[0], p...)
	case c.opts.Mode == ModeSlot && len(c.queue) > 0:
		c.queue[0] = p
		c.dropped++
		logging.Aggregate(logging.CompControl, "pending_overwritten", slog.String("session_id", c.opts.SessionID))
	case c.opts.Mode == ModeFIFO && len(c.queue) >= c.opts.Capacity:
		c.queue = append(c.queue[1:], p)
		c.dropped++
		controlLog.Warn("queue_full_dropped_oldest",
			slog.String("session_id", c.opts.SessionID), slog.Int("capacity", c.opts.Capacity))
	default:
		c.queue = append(c.queue, p)
	}
	c.cond.Broadcast()
	return nil
}

func (c *Channel) drain() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		p := c.queue[0]
		c.queue = c.queue[1:]
		c.inflight = true
		c.mu.Unlock()

		if _, err := c.w.Write(p); err != nil {
			controlLog.Warn("pty_write_failed", slog.String("session_id", c.opts.SessionID), slog.String("error", err.Error()))
		}

		c.mu.Lock()
		c.inflight = false
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// Flush blocks until every queued write has been applied or the channel closes.
func (c *Channel) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for (len(c.queue) > 0 || c.inflight) && !c.closed {
		c.cond.Wait()
	}
}

// Pending reports how many writes are queued and not yet started.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Dropped reports how many writes were overwritten or evicted before draining.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Mode reports the effective mode.
func (c *Channel) Mode() Mode { return c.opts.Mode }

func (c *Channel) SetAssistantActive(on bool) {
	c.mu.Lock()
	c.assistant = on
	c.mu.Unlock()
}

func (c *Channel) AssistantActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assistant
}

// AppendOutput records PTY output and forwards it to the block parser.
func (c *Channel) AppendOutput(p []byte) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	c.out.Write(p)
	if extra := c.out.Len() - c.opts.MaxOutput; extra > 0 {
		c.out.Next(extra)
	}
	if c.opts.Parser != nil {
		c.opts.Parser.Feed(p)
	}
}

// Output returns the accumulated output.
func (c *Channel) Output() string {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.out.String()
}

// ClearOutput empties the buffer and resets the parser.
func (c *Channel) ClearOutput() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	c.out.Reset()
	if c.opts.Parser != nil {
		c.opts.Parser.Reset()
	}
}

// Close stops the drain goroutine. Writes still queued are discarded.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if n := len(c.queue); n > 0 {
		controlLog.Debug("pending_discarded_on_close", slog.String("session_id", c.opts.SessionID), slog.Int("count", n))
	}
	c.queue = nil
	c.cond.Broadcast()
	c.mu.Unlock()
	c.wg.Wait()
}
