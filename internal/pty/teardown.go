//go:build !windows

package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/singleflight"
)

// SocketDir holds per-session host sockets.
const SocketDir = "/tmp"

var teardownGroup singleflight.Group

// SocketPath returns /tmp/<prefix>-<first 8 hex chars of id>.sock.
func SocketPath(prefix, id string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(SocketDir, fmt.Sprintf("%s-%s.sock", prefix, short))
}

// Teardown stops the process listening on socketPath and removes the file.
//
// Only the single listener found for that exact path is sent SIGTERM. It is
// expected to hang up its PTY so the shell and its children exit on SIGHUP.
// A missing socket means there is nothing to do. Lookup and signal failures
// are logged; the file is removed either way, and only a failed removal is
// reported. Concurrent calls for one path share a single attempt.
func Teardown(socketPath string) error {
	_, err, _ := teardownGroup.Do(socketPath, func() (any, error) {
		return nil, teardown(socketPath)
	})
	return err
}

func teardown(socketPath string) error {
	if _, err := os.Lstat(socketPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	pid, err := FindSocketOwner(socketPath)
	switch {
	case err != nil:
		ptyLog.Debug("socket_owner_not_found", slog.String("socket", socketPath), slog.String("error", err.Error()))
	case pid == os.Getpid():
		ptyLog.Debug("socket_owned_by_self", slog.String("socket", socketPath))
	default:
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			ptyLog.Warn("socket_owner_signal_failed",
				slog.String("socket", socketPath), slog.Int("pid", pid), slog.String("error", err.Error()))
		} else {
			ptyLog.Info("socket_owner_terminated", slog.String("socket", socketPath), slog.Int("pid", pid))
		}
	}

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove socket %s: %w", socketPath, err)
	}
	return nil
}
