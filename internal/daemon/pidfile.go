//go:build !windows

package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// AcquirePidFile writes the current PID to path. It fails when the PID
// already recorded there belongs to a live process.
func AcquirePidFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}

	if pid, err := ReadPidFile(path); err == nil {
		if pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("%w with PID %d", ErrAlreadyRunning, pid)
		}
		// Stale
		_ = os.Remove(path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// ReleasePidFile removes path if it still holds this process's PID.
func ReleasePidFile(path string) error {
	pid, err := ReadPidFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}

// ReadPidFile returns the PID stored in path.
func ReadPidFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(content)))
}

// PidFileRunning reports whether the process named by the pid file is alive.
func PidFileRunning(path string) (bool, int, error) {
	pid, err := ReadPidFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return processAlive(pid), pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
