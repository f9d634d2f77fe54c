package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/control"
	"github.com/termdeck/termdeck/internal/daemon"
	"github.com/termdeck/termdeck/internal/host"
	"github.com/termdeck/termdeck/internal/logging"
	"github.com/termdeck/termdeck/internal/session"
	"github.com/termdeck/termdeck/internal/statedb"
	"github.com/termdeck/termdeck/internal/web"
)

var cliLog = logging.ForComponent(logging.CompCLI)

func handleDaemon(args []string) {
	if len(args) == 0 {
		printDaemonHelp()
		os.Exit(1)
	}
	switch args[0] {
	case "run":
		handleDaemonRun(args[1:])
	case "start":
		handleDaemonStart(args[1:])
	case "status":
		handleDaemonStatus(args[1:])
	case "stop":
		handleDaemonStop(args[1:])
	case "help", "--help", "-h":
		printDaemonHelp()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown daemon command %q\n\n", args[0])
		printDaemonHelp()
		os.Exit(1)
	}
}

func printDaemonHelp() {
	fmt.Println("Usage: termdeck daemon <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run      Run the daemon in the foreground")
	fmt.Println("  start    Start the daemon in the background")
	fmt.Println("  status   Show whether the daemon is running")
	fmt.Println("  stop     Stop the daemon (sessions keep running in their hosts)")
}

// daemonPaths resolves the socket and pid file locations.
func daemonPaths(cfg *config.Config) (socket, pidFile string, err error) {
	if socket, err = cfg.Daemon.GetSocket(); err != nil {
		return "", "", err
	}
	if pidFile, err = config.PathFor(config.DaemonPidName); err != nil {
		return "", "", err
	}
	return socket, pidFile, nil
}

// buildSpawner returns the session.Spawner selected by [daemon] spawner.
func buildSpawner(cfg *config.Config, mode string) session.Spawner {
	if mode == "" {
		mode = cfg.Daemon.GetSpawner()
	}
	if mode == config.SpawnerInProcess {
		return &session.LocalSpawner{
			Shell:           cfg.Shell.GetPath(),
			Args:            cfg.Shell.Argv(),
			ScrollbackBytes: cfg.Daemon.GetScrollbackBytes(),
		}
	}
	return &host.Spawner{
		Prefix:          cfg.Daemon.GetSocketPrefix(),
		Shell:           cfg.Shell.GetPath(),
		Args:            cfg.Shell.Argv(),
		ScrollbackBytes: cfg.Daemon.GetScrollbackBytes(),
	}
}

// openRegistry loads sessions.json and wires the spawner and control settings.
func openRegistry(cfg *config.Config, spawner session.Spawner) (*session.Registry, error) {
	store, err := session.DefaultStore()
	if err != nil {
		return nil, err
	}
	return session.Open(session.Options{
		Store:           store,
		WritesPerSecond: cfg.Persistence.GetWritesPerSecond(),
		Spawner:         spawner,
		Control: control.Options{
			Mode:     control.Mode(cfg.Control.GetMode()),
			Capacity: cfg.Control.GetCapacity(),
		},
	}), nil
}

func handleDaemonRun(args []string) {
	fs := flag.NewFlagSet("daemon run", flag.ContinueOnError)
	spawnerMode := fs.String("spawner", "", "Session spawner: hosted or inprocess (default from config)")
	webAddr := fs.String("web", "", "Serve the browser gateway on this address (default from config)")
	webToken := fs.String("web-token", "", "Token required by the browser gateway")
	readOnly := fs.Bool("read-only", false, "Browser gateway rejects input")
	fs.Bool("foreground", false, "Mirror logs to stderr")

	fs.Usage = func() {
		fmt.Println("Usage: termdeck daemon run [options]")
		fmt.Println()
		fmt.Println("Own the session table and serve attach clients on the daemon socket.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  termdeck daemon run --foreground")
		fmt.Println("  termdeck daemon run --web 127.0.0.1:7681 --web-token s3cret")
	}
	parseFlags(fs, args)
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Error: unexpected arguments: %v\n", fs.Args())
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}
	if _, err := config.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	socket, pidFile, err := daemonPaths(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	reg, err := openRegistry(cfg, buildSpawner(cfg, *spawnerMode))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var db *statedb.StateDB
	if dbPath, err := config.PathFor(config.StateDBFileName); err == nil {
		if db, err = statedb.OpenAndMigrate(dbPath); err != nil {
			cliLog.Warn("statedb_open_failed", slog.String("error", err.Error()))
			db = nil
		} else {
			defer db.Close()
		}
	}

	opts := daemon.Options{
		Socket:          socket,
		PidFile:         pidFile,
		Registry:        reg,
		DB:              db,
		ScrollbackBytes: cfg.Daemon.GetScrollbackBytes(),
		ClientQueue:     cfg.Daemon.GetClientQueue(),
	}

	addr := firstNonEmpty(*webAddr, cfg.Daemon.WebSocketAddr)
	if addr != "" {
		gw := web.NewServer(web.Config{
			ListenAddr:      addr,
			ReadOnly:        *readOnly,
			Token:           firstNonEmpty(*webToken, cfg.Daemon.WebToken),
			ScrollbackBytes: cfg.Daemon.GetScrollbackBytes(),
		}, reg)
		opts.Extra = append(opts.Extra, gw.Run)
		fmt.Printf("Web gateway: http://%s/\n", addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := daemon.New(opts)
	go func() {
		select {
		case <-srv.Ready():
			fmt.Printf("%s daemon listening on %s (pid %d)\n", successSymbol, socket, os.Getpid())
		case <-ctx.Done():
		}
	}()

	runErr := srv.Run(ctx)
	reg.Shutdown()
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}

// handleDaemonStart re-executes `termdeck daemon run` detached from the terminal.
func handleDaemonStart(args []string) {
	cfg, _ := config.Load()
	socket, pidFile, err := daemonPaths(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if running, pid, _ := daemon.PidFileRunning(pidFile); running {
		fmt.Printf("%s daemon already running (pid %d)\n", bulletSymbol, pid)
		return
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cmd := exec.Command(exe, append([]string{"daemon", "run"}, args...)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start daemon: %v\n", err)
		os.Exit(1)
	}
	_ = cmd.Process.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		if c, err := daemon.Dial(ctx, socket); err == nil {
			c.Close()
			fmt.Printf("%s daemon started on %s\n", successSymbol, socket)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "Error: daemon did not come up; see debug.log")
	os.Exit(1)
}

type daemonStatus struct {
	Running  bool      `json:"running"`
	Pid      int       `json:"pid,omitempty"`
	Socket   string    `json:"socket"`
	ActiveID string    `json:"active_id,omitempty"`
	Sessions int       `json:"sessions"`
	LastBeat time.Time `json:"last_heartbeat,omitempty"`
}

func handleDaemonStatus(args []string) {
	fs := flag.NewFlagSet("daemon status", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	parseFlags(fs, args)
	out := NewCLIOutput(*jsonOutput, false)

	cfg, _ := config.Load()
	socket, _, err := daemonPaths(cfg)
	if err != nil {
		out.Fail(err)
	}
	st := daemonStatus{Socket: socket}

	if dbPath, err := config.PathFor(config.StateDBFileName); err == nil {
		if _, statErr := os.Stat(dbPath); statErr == nil {
			if db, err := statedb.Open(dbPath); err == nil {
				if row, ok, _ := db.AliveDaemon(30 * time.Second); ok {
					st.LastBeat = row.Heartbeat
				}
				db.Close()
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := daemon.Dial(ctx, socket)
	if err == nil {
		defer c.Close()
		if pong, err := c.Ping(ctx); err == nil {
			st.Running = true
			st.Pid = pong.Pid
			st.ActiveID = pong.ActiveID
			if list, _, err := c.List(ctx); err == nil {
				st.Sessions = len(list)
			}
		}
	}

	human := fmt.Sprintf("%s daemon not running (%s)\n", errorSymbol, socket)
	if st.Running {
		human = fmt.Sprintf("%s daemon running (pid %d) on %s, %d sessions\n", successSymbol, st.Pid, socket, st.Sessions)
		if !st.LastBeat.IsZero() {
			human += fmt.Sprintf("  last heartbeat %s ago\n", time.Since(st.LastBeat).Round(time.Second))
		}
	}
	out.Print(human, st)
	if !st.Running {
		os.Exit(1)
	}
}

func handleDaemonStop(args []string) {
	fs := flag.NewFlagSet("daemon stop", flag.ContinueOnError)
	parseFlags(fs, args)

	cfg, _ := config.Load()
	socket, pidFile, err := daemonPaths(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	running, pid, err := daemon.PidFileRunning(pidFile)
	if err != nil || !running {
		fmt.Printf("%s daemon not running\n", bulletSymbol)
		return
	}
	proc, err := os.FindProcess(pid)
	if err == nil {
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to signal pid %d: %v\n", pid, err)
		os.Exit(1)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !host.IsSocketAlive(socket) {
			fmt.Printf("%s daemon stopped (pid %d)\n", successSymbol, pid)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "Error: daemon (pid %d) still running\n", pid)
	os.Exit(1)
}

// firstNonEmpty returns the first non-empty value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
