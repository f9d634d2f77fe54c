//go:build !windows

package daemon

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/session"
	"github.com/termdeck/termdeck/internal/statedb"
)

type testDaemon struct {
	socket  string
	pidFile string
	reg     *session.Registry
	db      *statedb.StateDB
	srv     *Server
	errc    chan error
	cancel  context.CancelFunc
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

// shortDir keeps socket paths under the sun_path limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tdd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startDaemon(t *testing.T) *testDaemon {
	t.Helper()
	dir := shortDir(t)
	db, err := statedb.OpenAndMigrate(filepath.Join(dir, "state.db"))
	require.NoError(t, err)

	reg := session.NewRegistry(session.Snapshot{}, session.Options{
		Spawner: &session.LocalSpawner{Shell: "/bin/sh", ScrollbackBytes: 8192},
		HomeDir: dir,
	})
	d := &testDaemon{
		socket:  filepath.Join(dir, "d.sock"),
		pidFile: filepath.Join(dir, "d.pid"),
		reg:     reg,
		db:      db,
		errc:    make(chan error, 1),
	}
	d.srv = New(Options{
		Socket:          d.socket,
		PidFile:         d.pidFile,
		Registry:        reg,
		DB:              db,
		ScrollbackBytes: 4096,
		ClientQueue:     256,
		Heartbeat:       50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() { d.errc <- d.srv.Run(ctx) }()
	select {
	case <-d.srv.Ready():
	case err := <-d.errc:
		t.Fatalf("daemon failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not ready")
	}

	t.Cleanup(func() {
		d.stop(t)
		reg.Shutdown()
		db.Close()
	})
	return d
}

func (d *testDaemon) stop(t *testing.T) {
	d.cancel()
	select {
	case err := <-d.errc:
		assert.NoError(t, err)
		d.errc <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func (d *testDaemon) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(context.Background(), d.socket)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitPush(t *testing.T, c *Client, match func(protocol.Message) bool) protocol.Message {
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

func waitOutput(t *testing.T, c *Client, want string) {
	t.Helper()
	var out bytes.Buffer
	waitPush(t, c, func(m protocol.Message) bool {
		if m.Type == protocol.TypeSessionOutput {
			out.Write(m.Data)
		}
		return bytes.Contains(out.Bytes(), []byte(want))
	})
}

func TestDaemonAttachInputAndScrollback(t *testing.T) {
	requireShell(t)
	d := startDaemon(t)
	ctx := context.Background()
	c := d.dial(t)

	pong, err := c.Hello(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "termdeck", pong.Server)
	assert.Equal(t, os.Getpid(), pong.Pid)
	assert.Empty(t, pong.ActiveID)

	info, err := c.Create(ctx, "work", "")
	require.NoError(t, err)
	assert.Equal(t, "work", info.Name)
	assert.True(t, info.Active)
	assert.Equal(t, "active", info.Status)

	id, back, err := c.Attach(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, info.ID, id)
	assert.LessOrEqual(t, len(back), 4096)

	require.NoError(t, c.SendInput("", []byte("echo daemon-$((3+4))\n")))
	waitOutput(t, c, "daemon-7")
	require.NoError(t, c.Resize(info.ShortID(), 120, 40))

	require.NoError(t, c.Detach(ctx, id))

	c2 := d.dial(t)
	_, back, err = c2.Attach(ctx, "work")
	require.NoError(t, err)
	assert.Contains(t, string(back), "daemon-7")

	sessions, active, err := c2.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, active)
	assert.True(t, sessions[0].Running)
}

func TestDaemonLifecycleRequestsAndWatch(t *testing.T) {
	requireShell(t)
	d := startDaemon(t)
	ctx := context.Background()

	watcher := d.dial(t)
	_, err := watcher.Hello(ctx, true)
	require.NoError(t, err)
	c := d.dial(t)

	a, err := c.Create(ctx, "alpha", "")
	require.NoError(t, err)
	created := waitPush(t, watcher, func(m protocol.Message) bool { return m.Type == protocol.TypeSessionsChanged })
	assert.Equal(t, "created", created.Event)
	require.NotNil(t, created.Session)
	assert.Equal(t, "alpha", created.Session.Name)

	b, err := c.Create(ctx, "beta", "")
	require.NoError(t, err)

	renamed, err := c.Rename(ctx, a.ID, "alpha-2")
	require.NoError(t, err)
	assert.Equal(t, "alpha-2", renamed.Name)

	sel, err := c.Select(ctx, "alpha-2")
	require.NoError(t, err)
	assert.True(t, sel.Active)

	closed, err := c.CloseSession(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "terminated", closed.Status)
	assert.False(t, closed.Active)
	waitPush(t, watcher, func(m protocol.Message) bool {
		return m.Type == protocol.TypeSessionsChanged && m.Event == "closed" && m.ID == a.ID
	})

	_, err = c.Select(ctx, a.ID)
	assert.ErrorContains(t, err, "not applicable")

	reopened, err := c.Reopen(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", reopened.Status)
	assert.True(t, reopened.Active)

	require.Eventually(t, func() bool {
		rows, err := d.db.History(a.ID, 0)
		return err == nil && len(rows) >= 4
	}, 5*time.Second, 20*time.Millisecond)

	deleted, err := c.Delete(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, deleted)
	sessions, _, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	_, err = c.Rename(ctx, "no-such-session", "x")
	assert.ErrorContains(t, err, session.ErrNotFound.Error())
}

func TestDaemonPushesExit(t *testing.T) {
	requireShell(t)
	d := startDaemon(t)
	ctx := context.Background()
	c := d.dial(t)

	_, err := c.Create(ctx, "", "")
	require.NoError(t, err)
	id, _, err := c.Attach(ctx, "")
	require.NoError(t, err)

	require.NoError(t, c.SendInput(id, []byte("exit 3\n")))
	exited := waitPush(t, c, func(m protocol.Message) bool { return m.Type == protocol.TypeSessionExited })
	assert.Equal(t, id, exited.ID)
	assert.Equal(t, 3, exited.Code)
}

func TestDaemonRejectsBadRequests(t *testing.T) {
	d := startDaemon(t)
	ctx := context.Background()
	c := d.dial(t)

	_, _, err := c.Attach(ctx, "")
	assert.ErrorContains(t, err, "no active session")

	_, _, err = c.Attach(ctx, "missing")
	assert.ErrorContains(t, err, session.ErrNotFound.Error())

	_, err = c.call(ctx, protocol.New(protocol.Type("bogus")))
	assert.ErrorContains(t, err, "unknown request type")

	_, err = c.call(ctx, protocol.Message{V: 9, Type: protocol.TypePing})
	assert.ErrorContains(t, err, "version")

	// Malformed lines are skipped and the connection stays usable.
	raw, err := net.Dial("unix", d.socket)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Write([]byte("not json\n{\"v\":1,\"type\":\"ping\",\"req\":5}\n"))
	require.NoError(t, err)
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(5*time.Second)))
	m, err := protocol.NewDecoder(raw).Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, m.Type)
	assert.Equal(t, uint64(5), m.Req)
}

func TestDaemonReattachKeepsConnection(t *testing.T) {
	requireShell(t)
	d := startDaemon(t)
	ctx := context.Background()
	c := d.dial(t)

	s, err := c.Create(ctx, "", "")
	require.NoError(t, err)
	id, _, err := c.Attach(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, c.SendInput(id, []byte("echo first-$((40+2))\n")))
	waitOutput(t, c, "first-42")

	_, back, err := c.Attach(ctx, s.ID)
	require.NoError(t, err)
	assert.Contains(t, string(back), "first-42")

	// The replaced forwarder must not treat the new attachment as its own.
	select {
	case <-c.Done():
		t.Fatal("connection closed after re-attach")
	case <-time.After(exitGrace + 300*time.Millisecond):
	}

	require.NoError(t, c.SendInput(id, []byte("echo second-$((40+3))\n")))
	waitOutput(t, c, "second-43")
}

func TestDaemonInterruptEndsAssistant(t *testing.T) {
	requireShell(t)
	d := startDaemon(t)
	ctx := context.Background()
	c := d.dial(t)

	s, err := c.Create(ctx, "", "")
	require.NoError(t, err)
	require.NoError(t, c.SetAssistant(ctx, s.ID, true))
	ctrl := d.reg.Control(s.ID)
	require.NotNil(t, ctrl)
	assert.True(t, ctrl.AssistantActive())

	require.NoError(t, c.SendInput(s.ID, []byte{0x03}))
	require.Eventually(t, func() bool { return !ctrl.AssistantActive() }, 5*time.Second, 20*time.Millisecond)

	err = c.SetAssistant(ctx, "no-such-session", true)
	assert.ErrorContains(t, err, session.ErrNotFound.Error())
}

func TestDaemonStaleReferencesMatchNothing(t *testing.T) {
	requireShell(t)
	d := startDaemon(t)
	ctx := context.Background()
	c := d.dial(t)

	gone, err := c.Create(ctx, "Session 1", "")
	require.NoError(t, err)
	kept, err := c.Create(ctx, "Session 12", "")
	require.NoError(t, err)

	deleted, err := c.Delete(ctx, "Session 1")
	require.NoError(t, err)
	assert.Equal(t, gone.ID, deleted)

	_, err = c.Delete(ctx, "Session 1")
	assert.ErrorContains(t, err, session.ErrNotFound.Error())
	_, err = c.CloseSession(ctx, gone.ID)
	assert.ErrorContains(t, err, session.ErrNotFound.Error())
	_, err = c.Rename(ctx, "sess12", "x")
	assert.ErrorContains(t, err, session.ErrNotFound.Error())
	_, _, err = c.Attach(ctx, gone.ID)
	assert.ErrorContains(t, err, session.ErrNotFound.Error())

	sessions, _, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, kept.ID, sessions[0].ID)
	assert.Equal(t, "Session 12", sessions[0].Name)
}

func TestDaemonSingleInstanceAndHeartbeat(t *testing.T) {
	d := startDaemon(t)

	row, ok, err := d.db.AliveDaemon(time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d.socket, row.Socket)
	assert.Equal(t, os.Getpid(), row.PID)

	second := New(Options{Socket: d.socket, PidFile: d.pidFile, Registry: d.reg})
	assert.ErrorIs(t, second.Run(context.Background()), ErrAlreadyRunning)

	d.stop(t)
	_, err = os.Stat(d.socket)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(d.pidFile)
	assert.True(t, os.IsNotExist(err))
	_, ok, err = d.db.AliveDaemon(time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Dial(context.Background(), d.socket)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRunRequiresRegistry(t *testing.T) {
	assert.Error(t, New(Options{Socket: filepath.Join(shortDir(t), "x.sock")}).Run(context.Background()))
}

func TestPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "termdeck.pid")

	running, _, err := PidFileRunning(path)
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, AcquirePidFile(path))
	pid, err := ReadPidFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	running, pid, err = PidFileRunning(path)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	// Re-acquiring our own pid file is allowed.
	require.NoError(t, AcquirePidFile(path))
	require.NoError(t, ReleasePidFile(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, ReleasePidFile(path))
}

func TestPidFileStaleAndForeign(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termdeck.pid")

	require.NoError(t, os.WriteFile(path, []byte("0\n"), 0o644))
	require.NoError(t, AcquirePidFile(path))
	pid, err := ReadPidFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// The parent process is alive and not us.
	foreign := os.Getppid()
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(foreign)), 0o644))
	err = AcquirePidFile(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, ReleasePidFile(path))
	_, err = os.Stat(path)
	assert.NoError(t, err, "foreign pid file must be left alone")
}
