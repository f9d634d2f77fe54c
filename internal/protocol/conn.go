package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/termdeck/termdeck/internal/logging"
)

var protoLog = logging.ForComponent(logging.CompProtocol)

// ErrConnClosed is returned by calls on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// DefaultPushBuffer is the push queue length used by Dial.
const DefaultPushBuffer = 256

// Conn is the client side of a protocol connection. Replies are matched to
// calls by req number; everything else is delivered on Pushes in order.
type Conn struct {
	nc  net.Conn
	enc *Encoder

	mu      sync.Mutex
	nextReq uint64
	pending map[uint64]chan Message
	err     error

	pushes chan Message
	done   chan struct{}
	once   sync.Once
}

// Dial connects to a Unix socket.
func Dial(ctx context.Context, path string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return NewConn(nc, DefaultPushBuffer), nil
}

// NewConn wraps an established connection and starts its read loop.
func NewConn(nc net.Conn, pushBuffer int) *Conn {
	c := &Conn{
		nc:      nc,
		enc:     NewEncoder(nc),
		pending: make(map[uint64]chan Message),
		pushes:  make(chan Message, pushBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends m with a fresh req number and waits for its reply. An error
// reply is returned together with its error.
func (c *Conn) Call(ctx context.Context, m Message) (Message, error) {
	ch := make(chan Message, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Message{}, err
	}
	c.nextReq++
	m.Req = c.nextReq
	c.pending[m.Req] = ch
	c.mu.Unlock()

	if err := c.enc.Encode(m); err != nil {
		c.forget(m.Req)
		return Message{}, fmt.Errorf("send %s: %w", m.Type, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Message{}, c.Err()
		}
		return reply, reply.Err()
	case <-ctx.Done():
		c.forget(m.Req)
		return Message{}, ctx.Err()
	}
}

// Send writes m without waiting for a reply.
func (c *Conn) Send(m Message) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	return c.enc.Encode(m)
}

// Pushes delivers unsolicited messages. Closed when the connection ends.
func (c *Conn) Pushes() <-chan Message { return c.pushes }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection and fails outstanding calls.
func (c *Conn) Close() error {
	err := c.nc.Close()
	c.fail(ErrConnClosed)
	return err
}

// SetDeadline forwards to the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

func (c *Conn) forget(req uint64) {
	c.mu.Lock()
	delete(c.pending, req)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	defer close(c.pushes)
	dec := NewDecoder(c.nc)
	for {
		m, err := dec.Decode()
		if errors.Is(err, ErrMalformed) {
			protoLog.Warn("protocol_malformed_line", slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = ErrConnClosed
			}
			c.fail(err)
			return
		}
		if m.Req != 0 && !m.Type.IsPush() {
			c.mu.Lock()
			ch, ok := c.pending[m.Req]
			delete(c.pending, m.Req)
			c.mu.Unlock()
			if ok {
				ch <- m
				continue
			}
		}
		select {
		case c.pushes <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		for req, ch := range c.pending {
			close(ch)
			delete(c.pending, req)
		}
		c.mu.Unlock()
		close(c.done)
	})
}
