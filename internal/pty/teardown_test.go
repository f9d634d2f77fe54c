//go:build !windows

package pty

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tdpty")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func TestSocketPath(t *testing.T) {
	assert.Equal(t, "/tmp/termdeck-3f2a9c1b.sock", SocketPath("termdeck", "3f2a9c1b-7d4e-4a8f-9b0c-1234567890ab"))
	assert.Equal(t, "/tmp/termdeck-ab12.sock", SocketPath("termdeck", "ab-12"))
}

func TestTeardownMissingSocketIsNoop(t *testing.T) {
	path := shortSocketPath(t)
	assert.NoError(t, Teardown(path))
	assert.NoError(t, Teardown(path))
}

func TestTeardownRemovesSocketTwiceSafe(t *testing.T) {
	path := shortSocketPath(t)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	defer ln.Close()

	// The listener belongs to this test process, which Teardown never signals.
	require.NoError(t, Teardown(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, Teardown(path))
}

func TestTeardownStaleFile(t *testing.T) {
	path := shortSocketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	require.NoError(t, Teardown(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestTeardownConcurrent(t *testing.T) {
	path := shortSocketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, Teardown(path))
		}()
	}
	wg.Wait()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
