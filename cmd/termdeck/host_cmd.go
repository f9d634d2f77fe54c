package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/host"
)

// handleHost runs one session's shell behind its socket. It is started by the
// daemon's hosted spawner, not by users.
func handleHost(args []string) {
	fs := flag.NewFlagSet("host", flag.ContinueOnError)
	id := fs.String("id", "", "Session id")
	socket := fs.String("socket", "", "Socket path to serve")
	dir := fs.String("dir", "", "Working directory for the shell")
	scrollback := fs.Int("scrollback", 0, "Scrollback bytes kept for attach replay")
	shell := fs.String("shell", "", "Shell binary (default from config)")

	fs.Usage = func() {
		fmt.Println("Usage: termdeck host --id <id> --socket <path> [options] [-- shell args]")
		fmt.Println()
		fmt.Println("Run a session shell that outlives the daemon. Started by the daemon.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	parseFlags(fs, args)
	if *id == "" || *socket == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg, _ := config.Load()
	opts := host.Options{
		ID:              *id,
		Socket:          *socket,
		Shell:           firstNonEmpty(*shell, cfg.Shell.GetPath()),
		Args:            fs.Args(),
		Dir:             *dir,
		ScrollbackBytes: *scrollback,
		ClientQueue:     cfg.Daemon.GetClientQueue(),
	}

	// SIGHUP and SIGTERM hang the shell up; Serve returns once it exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	defer stop()

	if err := host.Serve(ctx, opts); err != nil {
		cliLog.Error("host_failed", slog.String("session_id", *id), slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
