package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() Snapshot {
	t0 := time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC)
	return Snapshot{
		Version:         SnapshotVersion,
		ActiveSessionID: "b",
		Sessions: []Session{
			{ID: "a", Name: "Session 1", WorkingDirectory: "/x", CreatedAt: t0, LastActiveAt: t0.Add(time.Minute), Status: StatusTerminated},
			{ID: "b", Name: "api", WorkingDirectory: "/code/api", CreatedAt: t0, LastActiveAt: t0.Add(time.Hour), Status: StatusActive},
			{ID: "c", Name: "logs", WorkingDirectory: "/var/log", CreatedAt: t0, LastActiveAt: t0, Status: StatusSuspended},
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	want := sampleSnapshot()

	require.NoError(t, st.Save(want))
	got, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStoreStableKeyOrder(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, st.Save(sampleSnapshot()))

	data, err := os.ReadFile(st.Path())
	require.NoError(t, err)
	text := string(data)

	order := []string{`"id"`, `"name"`, `"workingDirectory"`, `"createdAt"`, `"lastActiveAt"`, `"status"`}
	last := -1
	for _, key := range order {
		i := strings.Index(text, key)
		require.Greater(t, i, last, "key %s out of order", key)
		last = i
	}
	assert.True(t, strings.HasPrefix(text, "{\n  \"version\": 1,"))
}

func TestStoreAcceptsBareArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	arr, err := json.Marshal(sampleSnapshot().Sessions)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, arr, 0o600))

	got, err := NewStore(path).Load()
	require.NoError(t, err)
	assert.Len(t, got.Sessions, 3)
	assert.Equal(t, "b", got.ActiveSessionID, "first live session becomes active")
}

func TestStoreNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	body := `{"version":1,"activeSessionId":"gone","sessions":[
		{"id":"","name":"no id"},
		{"id":"x","name":"one","status":"weird"},
		{"id":"x","name":"dup","status":"active"}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	got, err := NewStore(path).Load()
	require.NoError(t, err)
	require.Len(t, got.Sessions, 1)
	assert.Equal(t, "one", got.Sessions[0].Name)
	assert.Equal(t, StatusIdle, got.Sessions[0].Status)
	assert.Equal(t, "x", got.ActiveSessionID)
}

func TestStoreRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"sessions":[]}`), 0o600))
	_, err := NewStore(path).Load()
	assert.Error(t, err)
}

func TestLoadOrDefaultAbsent(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	snap := st.LoadOrDefault("/home/me", nil)

	require.Len(t, snap.Sessions, 1)
	s := snap.Sessions[0]
	assert.Equal(t, "Session 1", s.Name)
	assert.Equal(t, "/home/me", s.WorkingDirectory)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, s.ID, snap.ActiveSessionID)
}

func TestLoadOrDefaultMalformedQuarantines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	snap := NewStore(path).LoadOrDefault("/home/me", nil)
	require.Len(t, snap.Sessions, 1)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadOrDefaultKeepsEmptyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"sessions":[]}`), 0o600))

	snap := NewStore(path).LoadOrDefault("/home/me", nil)
	assert.Empty(t, snap.Sessions)
	assert.Empty(t, snap.ActiveSessionID)
}

func TestRegistryPersistsAndReloads(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	r := NewRegistry(Snapshot{}, Options{Store: st, HomeDir: "/h", Clock: stepClock()})

	a := r.Create("a", "/a")
	b := r.Create("b", "/b")
	r.Close(a.ID)
	r.Select(b.ID)
	r.Shutdown()

	r2 := Open(Options{Store: st, HomeDir: "/h"})
	defer r2.Shutdown()

	assert.Equal(t, b.ID, r2.ActiveID())
	got, ok := r2.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StatusTerminated, got.Status)
	assert.Equal(t, "/a", got.WorkingDirectory)
	assert.Equal(t, a.CreatedAt, got.CreatedAt)
}
