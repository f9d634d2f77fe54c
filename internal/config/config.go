// Package config loads and saves ~/.termdeck/config.toml and resolves the
// paths of every file termdeck keeps under its application directory.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/termdeck/termdeck/internal/logging"
)

// File names under the application directory.
const (
	FileName          = "config.toml"
	SessionsFileName  = "sessions.json"
	FavoritesFileName = "favorites.json"
	StateDBFileName   = "state.db"
	DaemonSocketName  = "daemon.sock"
	DaemonPidName     = "daemon.pid"
)

// Environment overrides.
const (
	EnvHome  = "TERMDECK_HOME"
	EnvDebug = "TERMDECK_DEBUG"
)

// Control channel modes.
const (
	ControlModeSlot = "slot"
	ControlModeFIFO = "fifo"
)

// Spawner modes.
const (
	SpawnerHosted    = "hosted"
	SpawnerInProcess = "inprocess"
)

// Config is the root of config.toml.
type Config struct {
	Shell       ShellSettings       `toml:"shell"`
	AI          AISettings          `toml:"ai"`
	Control     ControlSettings     `toml:"control"`
	Daemon      DaemonSettings      `toml:"daemon"`
	Persistence PersistenceSettings `toml:"persistence"`
	Logs        LogSettings         `toml:"logs"`
}

// ShellSettings selects the program started inside each session PTY.
type ShellSettings struct {
	// Path is the shell binary. Default: $SHELL, then /bin/sh
	Path string `toml:"path"`

	// Args are extra arguments passed after the login flag
	Args []string `toml:"args"`

	// Login starts the shell with -l (default: true)
	Login *bool `toml:"login"`
}

// AISettings describes the external assistant command used for AI queries.
type AISettings struct {
	// Command is the executable invoked for /ask, /claude and free-form questions.
	// Default: "claude"
	Command string `toml:"command"`

	// Args are passed before the query text
	// Default: ["-p"]
	Args []string `toml:"args"`

	// ImageFlag precedes an image path when the input is a dropped image.
	// Empty means the path is appended as a plain argument.
	ImageFlag string `toml:"image_flag"`
}

// ControlSettings configures the per-session outbound write queue.
type ControlSettings struct {
	// Mode is "slot" (single pending write, last writer wins) or "fifo"
	// Default: "slot"
	Mode string `toml:"mode"`

	// Capacity bounds the FIFO queue (ignored in slot mode)
	// Default: 64
	Capacity int `toml:"capacity"`
}

// DaemonSettings configures the attach daemon.
type DaemonSettings struct {
	// Socket overrides the control socket path. Default: <app dir>/daemon.sock
	Socket string `toml:"socket"`

	// Spawner is "hosted" (one host process per session) or "inprocess"
	// Default: "hosted"
	Spawner string `toml:"spawner"`

	// ScrollbackBytes is replayed to clients on attach
	// Default: 262144
	ScrollbackBytes int `toml:"scrollback_bytes"`

	// WebSocketAddr enables the browser gateway when set (e.g. "127.0.0.1:7681")
	WebSocketAddr string `toml:"websocket_addr"`

	// WebToken, when set, must be passed as ?token= or a Bearer header
	WebToken string `toml:"web_token"`

	// ClientQueue is the outbound message queue length per client
	// Default: 256
	ClientQueue int `toml:"client_queue"`

	// SocketPrefix names per-session host sockets: /tmp/<prefix>-<id>.sock
	// Default: "termdeck"
	SocketPrefix string `toml:"socket_prefix"`
}

// PersistenceSettings bounds sessions.json write frequency.
type PersistenceSettings struct {
	// WritesPerSecond caps snapshot writes. Default: 4
	WritesPerSecond float64 `toml:"writes_per_second"`
}

// LogSettings maps onto logging.Config.
type LogSettings struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// MaxMB rotates debug.log past this size. Default: 10
	MaxMB int `toml:"max_mb"`

	// Backups is the number of rotated files kept. Default: 5
	Backups int `toml:"backups"`

	// RetentionDays drops rotated files older than this. Default: 10
	RetentionDays int `toml:"retention_days"`

	// Compress gzips rotated files
	Compress bool `toml:"compress"`

	// RingBufferMB is the in-memory crash dump size. Default: 4
	RingBufferMB int `toml:"ring_buffer_mb"`

	// AggregateIntervalSecs is the event summary window. Default: 30
	AggregateIntervalSecs int `toml:"aggregate_interval_secs"`

	// PprofEnabled starts pprof on localhost:6060
	PprofEnabled bool `toml:"pprof_enabled"`
}

// GetLogin reports whether the shell starts as a login shell, defaulting to true.
func (s ShellSettings) GetLogin() bool {
	if s.Login == nil {
		return true
	}
	return *s.Login
}

// GetPath returns the configured shell, falling back to $SHELL and then /bin/sh.
func (s ShellSettings) GetPath() string {
	if s.Path != "" {
		return expandHome(s.Path)
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Argv returns the full argument list after the binary.
func (s ShellSettings) Argv() []string {
	var argv []string
	if s.GetLogin() {
		argv = append(argv, "-l")
	}
	return append(argv, s.Args...)
}

func (a AISettings) GetCommand() string {
	if a.Command == "" {
		return "claude"
	}
	return a.Command
}

func (a AISettings) GetArgs() []string {
	if a.Args == nil {
		return []string{"-p"}
	}
	return a.Args
}

// GetMode normalizes the control mode; anything unknown is slot.
func (c ControlSettings) GetMode() string {
	if strings.EqualFold(c.Mode, ControlModeFIFO) {
		return ControlModeFIFO
	}
	return ControlModeSlot
}

func (c ControlSettings) GetCapacity() int {
	if c.Capacity <= 0 {
		return 64
	}
	return c.Capacity
}

func (d DaemonSettings) GetSpawner() string {
	if strings.EqualFold(d.Spawner, SpawnerInProcess) {
		return SpawnerInProcess
	}
	return SpawnerHosted
}

func (d DaemonSettings) GetScrollbackBytes() int {
	if d.ScrollbackBytes <= 0 {
		return 256 * 1024
	}
	return d.ScrollbackBytes
}

func (d DaemonSettings) GetClientQueue() int {
	if d.ClientQueue <= 0 {
		return 256
	}
	return d.ClientQueue
}

func (d DaemonSettings) GetSocketPrefix() string {
	if d.SocketPrefix == "" {
		return "termdeck"
	}
	return d.SocketPrefix
}

// GetSocket returns the daemon control socket path.
func (d DaemonSettings) GetSocket() (string, error) {
	if d.Socket != "" {
		return expandHome(d.Socket), nil
	}
	return PathFor(DaemonSocketName)
}

func (p PersistenceSettings) GetWritesPerSecond() float64 {
	if p.WritesPerSecond <= 0 {
		return 4
	}
	return p.WritesPerSecond
}

// LoggingConfig converts the [logs] section into a logging.Config rooted at dir.
func (l LogSettings) LoggingConfig(dir string, debug bool) logging.Config {
	return logging.Config{
		LogDir:                dir,
		Level:                 l.Level,
		Format:                l.Format,
		MaxSizeMB:             l.MaxMB,
		MaxBackups:            l.Backups,
		MaxAgeDays:            l.RetentionDays,
		Compress:              l.Compress,
		RingBufferSize:        l.RingBufferMB * 1024 * 1024,
		AggregateIntervalSecs: l.AggregateIntervalSecs,
		PprofEnabled:          l.PprofEnabled,
		Debug:                 debug,
	}
}

// Dir returns the application directory: $TERMDECK_HOME or ~/.termdeck.
func Dir() (string, error) {
	if d := os.Getenv(EnvHome); d != "" {
		return expandHome(d), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".termdeck"), nil
}

// PathFor returns name joined onto the application directory.
func PathFor(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// EnsureDir creates the application directory with owner-only permissions.
func EnsureDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// DebugEnabled reports whether TERMDECK_DEBUG asks for debug logging.
func DebugEnabled() bool {
	switch strings.ToLower(os.Getenv(EnvDebug)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Load returns the cached config, reading config.toml on first use.
// A missing file yields defaults. A parse error is returned together with
// defaults so callers can report it and keep running.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := PathFor(FileName)
	if err != nil {
		cache = &Config{}
		return cache, nil
	}
	cfg, err := LoadFrom(path)
	cache = cfg
	return cache, err
}

// Reload drops the cache and reads config.toml again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache forgets the cached config.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// LoadFrom reads one TOML file without touching the cache.
func LoadFrom(path string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return &Config{}, fmt.Errorf("config.toml parse error: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to config.toml atomically and clears the cache.
func Save(cfg *Config) error {
	path, err := PathFor(FileName)
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := SaveTo(path, cfg); err != nil {
		return err
	}
	ClearCache()
	return nil
}

// SaveTo encodes cfg and writes it to path via temp file, fsync and rename.
func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# termdeck configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return WriteFileAtomic(path, buf.Bytes(), 0o600)
}

// WriteFileAtomic replaces path with data so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
