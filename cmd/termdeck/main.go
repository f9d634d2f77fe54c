package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/logging"
)

const Version = "0.3.0"

// Table column widths for list command output
const (
	tableColName   = 20
	tableColStatus = 11
	tableColPath   = 40
	tableColID     = 8
)

func init() {
	initColorProfile()
}

// initColorProfile configures the lipgloss color profile.
// TERMDECK_COLOR overrides detection: truecolor, 256, 16, none.
func initColorProfile() {
	if colorEnv := os.Getenv("TERMDECK_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		// Bare `termdeck` is the interactive prompt.
		args = []string{"repl"}
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("termdeck v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "host":
		// Hosts log to the shared debug.log like the daemon.
		defer initLogging("host", nil)()
		handleHost(args[1:])
		return
	case "daemon":
		var mirror io.Writer
		if slices.Contains(args, "--foreground") {
			mirror = os.Stderr
		}
		defer initLogging("daemon", mirror)()
		handleDaemon(args[1:])
		return
	}

	defer initLogging("cli", nil)()
	switch args[0] {
	case "list", "ls":
		handleList(args[1:])
	case "new":
		handleNew(args[1:])
	case "close":
		handleSessionOp("close", args[1:])
	case "reopen":
		handleSessionOp("reopen", args[1:])
	case "select":
		handleSessionOp("select", args[1:])
	case "delete", "rm":
		handleSessionOp("delete", args[1:])
	case "rename":
		handleRename(args[1:])
	case "attach", "a":
		handleAttach(args[1:])
	case "repl":
		handleRepl(args[1:])
	case "fav", "favorites":
		handleFavorites(args[1:])
	case "classify":
		handleClassify(args[1:])
	case "history":
		handleHistory(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

// initLogging sets up structured logging from the [logs] section and returns
// the shutdown func. Without TERMDECK_DEBUG only the daemon and hosts log.
func initLogging(role string, mirror io.Writer) func() {
	debugMode := config.DebugEnabled()
	baseDir, err := config.EnsureDir()
	if err != nil {
		return func() {}
	}
	cfg, loadErr := config.Load()
	logDir := baseDir
	if role == "cli" && !debugMode {
		logDir = ""
	}
	logCfg := cfg.Logs.LoggingConfig(logDir, debugMode)
	logCfg.Stderr = mirror
	logging.Init(logCfg)

	log := logging.ForComponent(logging.CompCLI)
	if loadErr != nil {
		log.Warn("config_load_failed", slog.String("error", loadErr.Error()))
	}
	if debugMode {
		log.Info("process_started", slog.String("role", role), slog.Int("pid", os.Getpid()))
	}

	// SIGUSR1 dumps the ring buffer for post-mortem debugging
	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	go func() {
		for range usr1Chan {
			dumpPath := filepath.Join(baseDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				log.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				log.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}()

	return func() {
		signal.Stop(usr1Chan)
		logging.Shutdown()
	}
}

func printHelp() {
	fmt.Printf("termdeck v%s\n", Version)
	fmt.Println("Persistent shell sessions with an assistant-aware prompt")
	fmt.Println()
	fmt.Println("Usage: termdeck [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none), repl          Interactive prompt (shell commands, /commands, questions)")
	fmt.Println("  list, ls              List sessions")
	fmt.Println("  new [dir]             Create a session")
	fmt.Println("  attach, a [session]   Attach the terminal to a session (Ctrl+Q detaches)")
	fmt.Println("  close <session>       Terminate a session's shell")
	fmt.Println("  reopen <session>      Revive a closed session")
	fmt.Println("  select <session>      Make a session active")
	fmt.Println("  rename <session> <n>  Rename a session")
	fmt.Println("  delete, rm <session>  Remove a session")
	fmt.Println("  history <session>     Show a session's lifecycle journal")
	fmt.Println("  fav [add|rm] [dir]    Manage favorite directories")
	fmt.Println("  classify <text>       Show how input would be routed")
	fmt.Println("  daemon run|status|stop")
	fmt.Println("  version               Show version")
	fmt.Println()
	fmt.Println("A <session> is an id, an id prefix or a (fuzzy) name.")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  TERMDECK_HOME   application directory (default ~/.termdeck)")
	fmt.Println("  TERMDECK_DEBUG  write debug.log for CLI commands too")
	fmt.Println("  TERMDECK_COLOR  truecolor, 256, 16 or none")
}
