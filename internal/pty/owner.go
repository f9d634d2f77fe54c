package pty

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/termdeck/termdeck/internal/platform"
)

// ErrNoOwner means no process could be found listening on a socket path.
var ErrNoOwner = errors.New("no socket owner")

// soAcceptCon is __SO_ACCEPTCON in /proc/net/unix flags: a listening socket.
const soAcceptCon = 0x10000

const lsofTimeout = 3 * time.Second

// FindSocketOwner returns the pid of the process listening on exactly socketPath.
func FindSocketOwner(socketPath string) (int, error) {
	switch platform.SocketOwnerLookup() {
	case platform.LookupProcNetUnix:
		return ownerFromProc("/proc", socketPath)
	case platform.LookupLsof:
		return ownerFromLsof(socketPath)
	}
	return 0, ErrNoOwner
}

// ownerFromProc maps the path to its listening inode via <root>/net/unix,
// then finds the processes holding socket:[inode]. When several processes
// share the listener (inherited fd), the one whose parent is not also a
// holder wins.
func ownerFromProc(root, socketPath string) (int, error) {
	data, err := os.ReadFile(filepath.Join(root, "net", "unix"))
	if err != nil {
		return 0, fmt.Errorf("read net/unix: %w", err)
	}
	inodes := listenerInodes(data, socketPath)
	if len(inodes) == 0 {
		return 0, ErrNoOwner
	}

	holders := map[int]bool{}
	procs, _ := os.ReadDir(root)
	for _, p := range procs {
		pid, err := strconv.Atoi(p.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join(root, p.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if inode, ok := strings.CutPrefix(link, "socket:["); ok && inodes[strings.TrimSuffix(inode, "]")] {
				holders[pid] = true
				break
			}
		}
	}
	return topmost(root, holders)
}

// listenerInodes returns the inodes bound to exactly socketPath, preferring
// listening sockets over accepted connections that carry the same name.
func listenerInodes(netUnix []byte, socketPath string) map[string]bool {
	listening := map[string]bool{}
	named := map[string]bool{}

	sc := bufio.NewScanner(bytes.NewReader(netUnix))
	sc.Scan() // header
	for sc.Scan() {
		// Num RefCount Protocol Flags Type St Inode Path
		f := strings.Fields(sc.Text())
		if len(f) < 8 || f[7] != socketPath {
			continue
		}
		named[f[6]] = true
		if flags, err := strconv.ParseUint(f[3], 16, 64); err == nil && flags&soAcceptCon != 0 {
			listening[f[6]] = true
		}
	}
	if len(listening) > 0 {
		return listening
	}
	return named
}

func topmost(root string, holders map[int]bool) (int, error) {
	best := 0
	for pid := range holders {
		if holders[parentPid(root, pid)] {
			continue
		}
		if best == 0 || pid < best {
			best = pid
		}
	}
	if best == 0 {
		return 0, ErrNoOwner
	}
	return best, nil
}

// parentPid reads field 4 of <root>/<pid>/stat. The command name in field 2
// may contain spaces, so parsing starts after the last ')'.
func parentPid(root string, pid int) int {
	data, err := os.ReadFile(filepath.Join(root, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0
	}
	i := bytes.LastIndexByte(data, ')')
	if i < 0 {
		return 0
	}
	f := strings.Fields(string(data[i+1:]))
	if len(f) < 2 {
		return 0
	}
	ppid, _ := strconv.Atoi(f[1])
	return ppid
}

func ownerFromLsof(socketPath string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lsofTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "lsof", "-t", "--", socketPath).Output()
	if err != nil && len(out) == 0 {
		return 0, fmt.Errorf("lsof %s: %w", socketPath, err)
	}
	return firstPid(out)
}

func firstPid(out []byte) (int, error) {
	for _, line := range strings.Split(string(out), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 {
			return pid, nil
		}
	}
	return 0, ErrNoOwner
}
