//go:build !windows

package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/termdeck/termdeck/internal/protocol"
)

const clientCallTimeout = 5 * time.Second

// Client is a typed wrapper over a daemon connection. Pushes (output,
// exits, session changes) arrive on Pushes.
type Client struct {
	conn *protocol.Conn
}

// Dial connects to the daemon socket. ErrNotRunning is returned when
// nothing listens there.
func Dial(ctx context.Context, socket string) (*Client, error) {
	conn, err := protocol.Dial(ctx, socket)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Pushes() <-chan protocol.Message { return c.conn.Pushes() }

func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

func (c *Client) call(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, clientCallTimeout)
		defer cancel()
	}
	return c.conn.Call(ctx, m)
}

// Hello identifies the client. With watch set the daemon pushes
// sessions_changed for every registry change.
func (c *Client) Hello(ctx context.Context, watch bool) (protocol.Message, error) {
	m := protocol.New(protocol.TypeHello)
	m.Watch = watch
	return c.call(ctx, m)
}

func (c *Client) Ping(ctx context.Context) (protocol.Message, error) {
	return c.call(ctx, protocol.New(protocol.TypePing))
}

// List returns every session and the active id.
func (c *Client) List(ctx context.Context) ([]protocol.SessionInfo, string, error) {
	r, err := c.call(ctx, protocol.New(protocol.TypeListSessions))
	if err != nil {
		return nil, "", err
	}
	return r.Sessions, r.ActiveID, nil
}

func (c *Client) Create(ctx context.Context, name, cwd string) (protocol.SessionInfo, error) {
	m := protocol.New(protocol.TypeCreateSession)
	m.Name, m.Cwd = name, cwd
	return c.sessionCall(ctx, m)
}

// Attach subscribes to a session's output and returns its scrollback and
// resolved id. An empty ref means the active session.
func (c *Client) Attach(ctx context.Context, ref string) (string, []byte, error) {
	m := protocol.New(protocol.TypeAttach)
	m.ID = ref
	r, err := c.call(ctx, m)
	if err != nil {
		return "", nil, err
	}
	return r.ID, r.Data, nil
}

func (c *Client) Detach(ctx context.Context, ref string) error {
	m := protocol.New(protocol.TypeDetach)
	m.ID = ref
	_, err := c.call(ctx, m)
	return err
}

// SendInput writes raw bytes to the session without waiting for a reply.
func (c *Client) SendInput(ref string, data []byte) error {
	m := protocol.New(protocol.TypeSendInput)
	m.ID = ref
	m.Data = data
	return c.conn.Send(m)
}

// Resize is fire-and-forget like SendInput.
func (c *Client) Resize(ref string, cols, rows uint16) error {
	m := protocol.New(protocol.TypeResize)
	m.ID = ref
	m.Cols, m.Rows = cols, rows
	return c.conn.Send(m)
}

func (c *Client) CloseSession(ctx context.Context, ref string) (protocol.SessionInfo, error) {
	return c.sessionCall(ctx, c.ref(protocol.TypeCloseSession, ref))
}

func (c *Client) Reopen(ctx context.Context, ref string) (protocol.SessionInfo, error) {
	return c.sessionCall(ctx, c.ref(protocol.TypeReopen, ref))
}

func (c *Client) Select(ctx context.Context, ref string) (protocol.SessionInfo, error) {
	return c.sessionCall(ctx, c.ref(protocol.TypeSelectSession, ref))
}

func (c *Client) Rename(ctx context.Context, ref, name string) (protocol.SessionInfo, error) {
	m := c.ref(protocol.TypeRenameSession, ref)
	m.Name = name
	return c.sessionCall(ctx, m)
}

// Delete returns the id of the removed session.
func (c *Client) Delete(ctx context.Context, ref string) (string, error) {
	r, err := c.call(ctx, c.ref(protocol.TypeDeleteSession, ref))
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// SetAssistant flags or clears an assistant run on the session. Ctrl+C, Ctrl+D
// and Ctrl+Z sent as input clear it again.
func (c *Client) SetAssistant(ctx context.Context, ref string, on bool) error {
	m := c.ref(protocol.TypeSetAssistant, ref)
	m.Assistant = on
	_, err := c.call(ctx, m)
	return err
}

func (c *Client) ref(t protocol.Type, ref string) protocol.Message {
	m := protocol.New(t)
	m.ID = ref
	return m
}

func (c *Client) sessionCall(ctx context.Context, m protocol.Message) (protocol.SessionInfo, error) {
	r, err := c.call(ctx, m)
	if err != nil {
		return protocol.SessionInfo{}, err
	}
	if r.Session == nil {
		return protocol.SessionInfo{}, fmt.Errorf("%w: %s reply without session", protocol.ErrMalformed, m.Type)
	}
	return *r.Session, nil
}
