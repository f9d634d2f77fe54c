// Package platform detects the host OS flavor and picks the strategy used to
// find which process owns a Unix socket.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform is the detected host flavor.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

// OwnerLookup names how a socket path is mapped to its listening process.
type OwnerLookup string

const (
	// LookupProcNetUnix matches the socket inode from /proc/net/unix against /proc/*/fd.
	LookupProcNetUnix OwnerLookup = "procfs"
	// LookupLsof asks `lsof -t -- <path>` for the exact path.
	LookupLsof OwnerLookup = "lsof"
	// LookupNone means teardown can only remove the socket file.
	LookupNone OwnerLookup = "none"
)

var (
	detectOnce sync.Once
	detected   Platform
	override   Platform
)

// Detect returns the current platform. The result is computed once.
func Detect() Platform {
	if override != "" {
		return override
	}
	detectOnce.Do(func() { detected = detectPlatform() })
	return detected
}

func detectPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return detectLinuxOrWSL()
	default:
		return PlatformUnknown
	}
}

func detectLinuxOrWSL() Platform {
	procVersion, err := os.ReadFile("/proc/version")
	if os.Getenv("WSL_DISTRO_NAME") == "" {
		if err != nil || !strings.Contains(strings.ToLower(string(procVersion)), "microsoft") {
			return PlatformLinux
		}
	}
	return wslVersion(string(procVersion))
}

// wslVersion tells WSL2 (lowercase "microsoft-standard" kernel, /run/WSL)
// from WSL1.
func wslVersion(procVersion string) Platform {
	if strings.Contains(procVersion, "microsoft-standard") {
		return PlatformWSL2
	}
	if strings.Contains(procVersion, "Microsoft") {
		return PlatformWSL1
	}
	if _, err := os.Stat("/run/WSL"); err == nil {
		return PlatformWSL2
	}
	return PlatformWSL1
}

// IsWSL reports any WSL flavor.
func IsWSL() bool {
	p := Detect()
	return p == PlatformWSL1 || p == PlatformWSL2
}

// SupportsUnixSockets reports whether the daemon and host sockets can work here.
// WSL1 has AF_UNIX but it is unreliable across the interop boundary.
func SupportsUnixSockets() bool {
	switch Detect() {
	case PlatformMacOS, PlatformLinux, PlatformWSL2:
		return true
	}
	return false
}

// SocketOwnerLookup returns the owner lookup strategy for this platform.
func SocketOwnerLookup() OwnerLookup {
	switch Detect() {
	case PlatformLinux, PlatformWSL2:
		return LookupProcNetUnix
	case PlatformMacOS:
		return LookupLsof
	}
	return LookupNone
}

func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// CheckFsnotifySupport returns a warning when path sits on a filesystem where
// inotify events are unreliable (9p, NFS, CIFS, SSHFS), or "" otherwise.
// The favorites watcher logs it and relies on /reload instead.
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return fsnotifyWarning(abs, string(mounts))
}

func fsnotifyWarning(abs, mounts string) string {
	var bestMount, fsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if strings.HasPrefix(abs, fields[1]) && len(fields[1]) > len(bestMount) {
			bestMount, fsType = fields[1], fields[2]
		}
	}

	switch {
	case fsType == "9p":
		return "favorites on 9p mount (WSL2 Windows filesystem): file watching disabled, use /reload"
	case fsType == "nfs" || fsType == "nfs4":
		return "favorites on NFS mount: file watching may be unreliable, use /reload"
	case fsType == "cifs" || fsType == "smbfs":
		return "favorites on CIFS/SMB mount: file watching may be unreliable, use /reload"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "favorites on SSHFS mount: file watching disabled, use /reload"
	}
	return ""
}
