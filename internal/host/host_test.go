//go:build !windows

package host

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/session"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

// shortSocket keeps socket paths under the sun_path limit.
func shortSocket(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tdh")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "h.sock")
}

func startHost(t *testing.T, opts Options) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { errc <- Serve(ctx, opts) }()
	require.Eventually(t, func() bool { return IsSocketAlive(opts.Socket) }, 5*time.Second, 10*time.Millisecond)
	return errc
}

// waitPush reads pushes until match returns true.
func waitPush(t *testing.T, c *protocol.Conn, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-c.Pushes():
			require.True(t, ok, "connection closed while waiting")
			if match(m) {
				return m
			}
		case <-deadline:
			t.Fatal("expected push not received")
		}
	}
}

func TestServeAttachInputAndExit(t *testing.T) {
	requireShell(t)
	sock := shortSocket(t)
	errc := startHost(t, Options{ID: "sess-1", Socket: sock, Shell: "/bin/sh", Dir: t.TempDir(), ScrollbackBytes: 8192})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := protocol.Dial(ctx, sock)
	require.NoError(t, err)
	defer c.Close()

	pong, err := c.Call(ctx, protocol.New(protocol.TypePing))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.Equal(t, "sess-1", pong.ID)
	assert.Greater(t, pong.Pid, 0)

	wrong := protocol.New(protocol.TypeAttach)
	wrong.ID = "someone-else"
	_, err = c.Call(ctx, wrong)
	assert.Error(t, err)

	_, err = c.Call(ctx, protocol.Message{V: 9, Type: protocol.TypePing})
	assert.ErrorContains(t, err, "version")

	_, err = c.Call(ctx, protocol.New(protocol.Type("bogus")))
	assert.ErrorContains(t, err, "unknown request type")

	attach := protocol.New(protocol.TypeAttach)
	attach.ID = "sess-1"
	reply, err := c.Call(ctx, attach)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAttached, reply.Type)

	in := protocol.New(protocol.TypeSendInput)
	in.Data = []byte("echo host-$((2+3))\n")
	require.NoError(t, c.Send(in))

	var out bytes.Buffer
	waitPush(t, c, func(m protocol.Message) bool {
		if m.Type == protocol.TypeSessionOutput {
			out.Write(m.Data)
		}
		return bytes.Contains(out.Bytes(), []byte("host-5"))
	})

	in.Data = []byte("printf '\\033]7;file://localhost/tmp\\007'\n")
	require.NoError(t, c.Send(in))
	cwd := waitPush(t, c, func(m protocol.Message) bool { return m.Type == protocol.TypeSessionsChanged })
	assert.Equal(t, "cwd_changed", cwd.Event)
	assert.Equal(t, "/tmp", cwd.Cwd)

	resize := protocol.New(protocol.TypeResize)
	resize.Cols, resize.Rows = 100, 30
	_, err = c.Call(ctx, resize)
	require.NoError(t, err)

	in.Data = []byte("exit 7\n")
	require.NoError(t, c.Send(in))
	exited := waitPush(t, c, func(m protocol.Message) bool { return m.Type == protocol.TypeSessionExited })
	assert.Equal(t, 7, exited.Code)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shell exit")
	}
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}

func TestServeRefusesLiveSocket(t *testing.T) {
	requireShell(t)
	sock := shortSocket(t)
	startHost(t, Options{ID: "a", Socket: sock, Shell: "/bin/sh"})

	err := Serve(context.Background(), Options{ID: "b", Socket: sock, Shell: "/bin/sh"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestServeCancelHangsUp(t *testing.T) {
	requireShell(t)
	sock := shortSocket(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, Options{ID: "c", Socket: sock, Shell: "/bin/sh"}) }()
	require.Eventually(t, func() bool { return IsSocketAlive(sock) }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.False(t, IsSocketAlive(sock))
}

func inProcessSpawner(t *testing.T) *Spawner {
	t.Helper()
	prefix := fmt.Sprintf("tdtest%d", os.Getpid())
	return &Spawner{
		Prefix:          prefix,
		Shell:           "/bin/sh",
		ScrollbackBytes: 8192,
		Launch: func(opts Options) error {
			go func() { _ = Serve(context.Background(), opts) }()
			return nil
		},
	}
}

func TestSpawnerSpawnReconnectTerminate(t *testing.T) {
	requireShell(t)
	sp := inProcessSpawner(t)
	s := session.Session{ID: "5eed0001-aaaa-4bbb-8ccc-000000000001", WorkingDirectory: t.TempDir()}
	t.Cleanup(func() { _ = sp.Cleanup(s.ID) })

	var dirs = make(chan string, 4)
	req := session.SpawnRequest{Session: s, OnDirectoryChange: func(p string) { dirs <- p }}
	ctx := context.Background()

	_, err := sp.Reconnect(ctx, req)
	assert.ErrorIs(t, err, session.ErrNoProcess)

	p, err := sp.Spawn(ctx, req)
	require.NoError(t, err)

	ch, cancel := p.Subscribe()
	_, err = p.Write([]byte("echo spawned-$((40+2))\n"))
	require.NoError(t, err)
	var out bytes.Buffer
	deadline := time.After(5 * time.Second)
	for !bytes.Contains(out.Bytes(), []byte("spawned-42")) {
		select {
		case chunk := <-ch:
			out.Write(chunk)
		case <-deadline:
			t.Fatalf("no output, got %q", out.String())
		}
	}
	cancel()
	require.NoError(t, p.Resize(90, 20))

	_, err = p.Write([]byte("printf '\\033]7;file://localhost/var\\007'\n"))
	require.NoError(t, err)
	select {
	case d := <-dirs:
		assert.Equal(t, "/var", d)
	case <-time.After(5 * time.Second):
		t.Fatal("directory change not forwarded")
	}

	// Detach leaves the host running; a fresh handle sees the scrollback.
	p.Detach()
	<-p.Done()
	p2, err := sp.Reconnect(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, string(p2.Scrollback()), "spawned-42")

	back, _, stop := session.AttachProcess(p2, 16)
	stop()
	assert.LessOrEqual(t, len(back), 16)

	require.NoError(t, p2.Terminate())
	select {
	case <-p2.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not done after terminate")
	}
	assert.False(t, IsSocketAlive(sp.SocketFor(s.ID)))
	_, err = sp.Reconnect(ctx, req)
	assert.ErrorIs(t, err, session.ErrNoProcess)
}

func TestSpawnerLaunchFailure(t *testing.T) {
	sp := &Spawner{Prefix: "tdfail", Launch: func(Options) error { return fmt.Errorf("no binary") }}
	_, err := sp.Spawn(context.Background(), session.SpawnRequest{Session: session.Session{ID: "ffff0000-1111"}})
	assert.ErrorContains(t, err, "no binary")
}

func TestSpawnerNotReady(t *testing.T) {
	sp := &Spawner{Prefix: "tdslow", ReadyTimeout: 100 * time.Millisecond, Launch: func(Options) error { return nil }}
	_, err := sp.Spawn(context.Background(), session.SpawnRequest{Session: session.Session{ID: "eeee0000-2222"}})
	assert.ErrorContains(t, err, "not ready")
}
