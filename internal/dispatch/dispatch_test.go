package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/session"
)

type fakeBackend struct {
	sent    []string
	created []string
	dir     string
	sendErr error
}

func (f *fakeBackend) SendCommand(_ context.Context, line string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeBackend) NewSession(_ context.Context, name, cwd string) (session.Session, error) {
	if cwd == "" {
		cwd = f.dir
	}
	f.created = append(f.created, cwd)
	return session.Session{ID: "0123456789abcdef", Name: "Session 2", WorkingDirectory: cwd}, nil
}

func (f *fakeBackend) ActiveDirectory(context.Context) (string, error) {
	if f.dir == "" {
		return "", ErrNoActiveSession
	}
	return f.dir, nil
}

type fakeAI struct {
	queries []Query
	answer  string
	err     error
}

func (f *fakeAI) Ask(_ context.Context, q Query) (string, error) {
	f.queries = append(f.queries, q)
	return f.answer, f.err
}

func newDispatcher(t *testing.T) (*Dispatcher, *fakeBackend, *fakeAI) {
	t.Helper()
	favs, err := session.LoadFavorites(filepath.Join(t.TempDir(), "favorites.json"))
	require.NoError(t, err)
	b := &fakeBackend{dir: "/work/project"}
	ai := &fakeAI{answer: "42"}
	return &Dispatcher{Backend: b, AI: ai, Favorites: favs}, b, ai
}

func TestDispatchRoutesByClass(t *testing.T) {
	d, b, ai := newDispatcher(t)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, "   ")
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)

	res, err = d.Dispatch(ctx, "ls -la")
	require.NoError(t, err)
	assert.Equal(t, ActionShell, res.Action)
	assert.Equal(t, []string{"ls -la"}, b.sent)

	res, err = d.Dispatch(ctx, "what does this repository do?")
	require.NoError(t, err)
	assert.Equal(t, ActionAI, res.Action)
	assert.Equal(t, "42", res.Message)
	require.Len(t, ai.queries, 1)
	assert.Equal(t, "what does this repository do?", ai.queries[0].Text)
	assert.Equal(t, "/work/project", ai.queries[0].Dir)

	res, err = d.Dispatch(ctx, "'/tmp/shot.PNG'")
	require.NoError(t, err)
	assert.Equal(t, ActionAI, res.Action)
	require.Len(t, ai.queries, 2)
	assert.Equal(t, "/tmp/shot.PNG", ai.queries[1].Image)
	assert.Equal(t, defaultImagePrompt, ai.queries[1].Text)
}

func TestDispatchInternalCommands(t *testing.T) {
	d, b, ai := newDispatcher(t)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, "/HELP")
	require.NoError(t, err)
	assert.Equal(t, ActionHelp, res.Action)
	assert.Contains(t, res.Message, "/reload")

	res, err = d.Dispatch(ctx, "/claude explain the build")
	require.NoError(t, err)
	assert.Equal(t, ActionAI, res.Action)
	assert.Equal(t, "explain the build", ai.queries[0].Text)

	_, err = d.Dispatch(ctx, "/ask")
	assert.ErrorIs(t, err, ErrUsage)

	res, err = d.Dispatch(ctx, "/new")
	require.NoError(t, err)
	assert.Equal(t, ActionNew, res.Action)
	assert.Contains(t, res.Message, "01234567")
	res, err = d.Dispatch(ctx, "/new /srv/app")
	require.NoError(t, err)
	assert.Equal(t, []string{"/work/project", "/srv/app"}, b.created)
	assert.Contains(t, res.Message, "/srv/app")

	// A path that merely starts with / is not an internal command.
	res, err = d.Dispatch(ctx, "/usr/bin/env")
	require.NoError(t, err)
	assert.Equal(t, ActionAI, res.Action)
	assert.Empty(t, b.sent)
}

func TestDispatchFavoriteToggleAndReload(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, "/fav")
	require.NoError(t, err)
	assert.Equal(t, "added favorite /work/project", res.Message)
	assert.Equal(t, []string{"/work/project"}, d.Favorites.List())

	res, err = d.Dispatch(ctx, "/favorite /work/project")
	require.NoError(t, err)
	assert.Equal(t, "removed favorite /work/project", res.Message)
	assert.Empty(t, d.Favorites.List())

	// External edit picked up by /reload.
	require.NoError(t, os.WriteFile(d.Favorites.Path(), []byte(`["/a", "/b"]`), 0o600))
	reloaded := false
	d.OnReload = func() error { reloaded = true; return nil }
	res, err = d.Dispatch(ctx, "/reload")
	require.NoError(t, err)
	assert.True(t, reloaded)
	assert.Equal(t, "reloaded (2 favorites)", res.Message)
}

func TestDispatchErrors(t *testing.T) {
	d, b, ai := newDispatcher(t)
	ctx := context.Background()

	b.sendErr = errors.New("pty closed")
	_, err := d.Dispatch(ctx, "pwd")
	assert.ErrorContains(t, err, "send to shell")

	ai.err = errors.New("assistant exited")
	_, err = d.Dispatch(ctx, "why is the sky blue?")
	assert.ErrorContains(t, err, "assistant exited")

	d.AI = nil
	_, err = d.Dispatch(ctx, "why is the sky blue?")
	assert.ErrorContains(t, err, "no assistant")

	d.Favorites = nil
	_, err = d.Dispatch(ctx, "/fav")
	assert.Error(t, err)
}

func TestCommandExecutorArgv(t *testing.T) {
	e := &CommandExecutor{Command: "claude", Args: []string{"-p"}, ImageFlag: "--image"}
	assert.Equal(t, []string{"-p", "hello"}, e.Argv(Query{Text: "hello"}))
	assert.Equal(t, []string{"-p", "--image", "/tmp/a.png", "describe"}, e.Argv(Query{Text: "describe", Image: "/tmp/a.png"}))

	e.ImageFlag = ""
	assert.Equal(t, []string{"-p", "/tmp/a.png"}, e.Argv(Query{Image: "/tmp/a.png"}))
}

func TestCommandExecutorRuns(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := t.TempDir()
	ctx := context.Background()

	e := &CommandExecutor{Command: "/bin/sh", Args: []string{"-c", `printf 'in %s: %s\n' "$(pwd)" "$0"`}}
	out, err := e.Ask(ctx, Query{Text: "question", Dir: dir})
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.True(t, out == "in "+dir+": question" || out == "in "+resolved+": question", out)

	fail := &CommandExecutor{Command: "/bin/sh", Args: []string{"-c", "echo boom >&2; exit 2"}}
	_, err = fail.Ask(ctx, Query{Text: "x"})
	assert.ErrorContains(t, err, "boom")

	_, err = (&CommandExecutor{}).Ask(ctx, Query{Text: "x"})
	assert.Error(t, err)
}

type markingBackend struct {
	*fakeBackend
	marks     []bool
	markedRun bool
}

func (m *markingBackend) MarkAssistant(_ context.Context, on bool) error {
	m.marks = append(m.marks, on)
	return nil
}

type observingAI struct {
	b *markingBackend
}

func (o observingAI) Ask(context.Context, Query) (string, error) {
	o.b.markedRun = len(o.b.marks) == 1 && o.b.marks[0]
	return "ok", nil
}

func TestDispatchMarksAssistantRuns(t *testing.T) {
	b := &markingBackend{fakeBackend: &fakeBackend{dir: "/work"}}
	d := &Dispatcher{Backend: b, AI: observingAI{b: b}}
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "/ask why is the build slow")
	require.NoError(t, err)
	assert.True(t, b.markedRun, "flag set while the assistant runs")
	assert.Equal(t, []bool{true, false}, b.marks)

	b.marks = nil
	_, err = d.Dispatch(ctx, "ls -la")
	require.NoError(t, err)
	assert.Empty(t, b.marks)
}

func TestRegistryBackend(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	home := t.TempDir()
	reg := session.NewRegistry(session.Snapshot{}, session.Options{
		Spawner: &session.LocalSpawner{Shell: "/bin/sh", ScrollbackBytes: 8192},
		HomeDir: home,
	})
	defer reg.Shutdown()
	b := RegistryBackend{Registry: reg}
	ctx := context.Background()

	_, err := b.ActiveDirectory(ctx)
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.ErrorIs(t, b.SendCommand(ctx, "true"), ErrNoActiveSession)

	s, err := b.NewSession(ctx, "", "")
	require.NoError(t, err)
	dir, err := b.ActiveDirectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(home), dir)

	require.NoError(t, b.SendCommand(ctx, "echo via-$((5*5))"))
	ctrl := reg.Control(s.ID)
	require.NotNil(t, ctrl)
	require.Eventually(t, func() bool { return strings.Contains(ctrl.Output(), "via-25") }, 5*time.Second, 20*time.Millisecond)

	// Each command starts a fresh capture.
	require.NoError(t, b.SendCommand(ctx, "echo next-$((6*6))"))
	require.Eventually(t, func() bool { return strings.Contains(ctrl.Output(), "next-36") }, 5*time.Second, 20*time.Millisecond)
	assert.NotContains(t, ctrl.Output(), "via-25")

	require.NoError(t, b.MarkAssistant(ctx, true))
	assert.True(t, ctrl.AssistantActive())
	require.NoError(t, b.SendControl(ctx, 0x03))
	assert.False(t, ctrl.AssistantActive())
}
