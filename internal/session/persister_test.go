package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersisterCoalescesBursts(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	p := NewPersister(st, 1)
	defer p.Close()

	snap := sampleSnapshot()
	for i := 0; i < 50; i++ {
		snap.ActiveSessionID = []string{"b", "c"}[i%2]
		p.Save(snap)
	}
	require.NoError(t, p.Flush())

	assert.LessOrEqual(t, p.Writes(), 2, "a burst collapses into at most the in-flight write plus one")
	got, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, "c", got.ActiveSessionID, "latest snapshot wins")
}

func TestPersisterWritesInBackground(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	p := NewPersister(st, 100)
	defer p.Close()

	p.Save(sampleSnapshot())
	require.Eventually(t, func() bool {
		_, err := os.Stat(st.Path())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, p.LastError())
}

func TestPersisterCloseFlushes(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	p := NewPersister(st, 0.001)

	p.Save(sampleSnapshot())
	p.Save(sampleSnapshot())
	require.NoError(t, p.Close())

	got, err := st.Load()
	require.NoError(t, err)
	assert.Len(t, got.Sessions, 3)
}

func TestPersisterReportsWriteErrors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	st := NewStore(filepath.Join(blocker, "sessions.json"))

	p := NewPersister(st, 100)
	defer p.Close()
	p.Save(sampleSnapshot())
	_ = p.Flush()
	require.Eventually(t, func() bool { return p.LastError() != nil }, 2*time.Second, 10*time.Millisecond)
}
