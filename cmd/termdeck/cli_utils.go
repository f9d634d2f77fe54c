package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/daemon"
	"github.com/termdeck/termdeck/internal/session"
)

// normalizeArgs reorders args so flags come before positional arguments.
// Go's flag package stops parsing at the first non-flag argument, which means
// "list --json" after a positional would be silently ignored.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		// "--" terminates flag processing
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// parseFlags parses normalized args and exits on -h or a bad flag.
func parseFlags(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// CLIOutput handles consistent output formatting across all CLI commands
type CLIOutput struct {
	jsonMode  bool
	quietMode bool
}

func NewCLIOutput(jsonMode, quietMode bool) *CLIOutput {
	return &CLIOutput{jsonMode: jsonMode, quietMode: quietMode}
}

// Success prints a success message or JSON response
func (c *CLIOutput) Success(message string, data interface{}) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(data)
		return
	}
	fmt.Printf("%s %s\n", successStyle.Render(successSymbol), message)
}

// Error prints an error message or JSON error response
func (c *CLIOutput) Error(message string, code string) {
	if c.jsonMode {
		c.printJSON(map[string]interface{}{
			"success": false,
			"error":   message,
			"code":    code,
		})
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("Error:"), message)
}

// Fail reports err with its code and exits.
func (c *CLIOutput) Fail(err error) {
	c.Error(err.Error(), errorCode(err))
	os.Exit(1)
}

// Print prints data (human-readable or JSON)
func (c *CLIOutput) Print(humanOutput string, jsonData interface{}) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(jsonData)
		return
	}
	fmt.Print(humanOutput)
}

func (c *CLIOutput) printJSON(data interface{}) {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to format JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}

// Symbols for human-readable output
const (
	successSymbol = "✓"
	errorSymbol   = "✕"
	bulletSymbol  = "•"
	activeSymbol  = "●"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
)

// Error codes
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeNotRunning       = "DAEMON_NOT_RUNNING"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
	ErrCodeUsage            = "USAGE"
	ErrCodeInternal         = "INTERNAL"
)

// errorCode maps an error, local or relayed by the daemon as text, to a code.
func errorCode(err error) string {
	msg := err.Error()
	switch {
	case errors.Is(err, daemon.ErrNotRunning):
		return ErrCodeNotRunning
	case errors.Is(err, session.ErrNotFound), strings.Contains(msg, session.ErrNotFound.Error()):
		return ErrCodeNotFound
	case strings.Contains(msg, "not applicable"), strings.Contains(msg, "no active session"):
		return ErrCodeInvalidOperation
	case strings.HasPrefix(msg, "usage"):
		return ErrCodeUsage
	}
	return ErrCodeInternal
}

// StatusSymbol renders a session status for tables.
func StatusSymbol(status string, active bool) string {
	switch {
	case active:
		return activeStyle.Render(activeSymbol)
	case status == string(session.StatusTerminated):
		return dimStyle.Render(errorSymbol)
	}
	return bulletSymbol
}

// truncate shortens s to max display cells, ending in "...".
func truncate(s string, max int) string {
	if runewidth.StringWidth(s) <= max {
		return s
	}
	if max <= 3 {
		return runewidth.Truncate(s, max, "")
	}
	return runewidth.Truncate(s, max, "...")
}

// padRight pads s with spaces to width display cells.
func padRight(s string, width int) string {
	return runewidth.FillRight(s, width)
}

// FormatPath replaces the home directory prefix with ~.
func FormatPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if strings.HasPrefix(path, home+"/") {
		return "~" + path[len(home):]
	}
	return path
}

// dialDaemon connects to the configured daemon socket.
func dialDaemon(ctx context.Context) (*daemon.Client, error) {
	cfg, _ := config.Load()
	socket, err := cfg.Daemon.GetSocket()
	if err != nil {
		return nil, err
	}
	c, err := daemon.Dial(ctx, socket)
	if err != nil {
		return nil, fmt.Errorf("%w (start it with `termdeck daemon run`)", err)
	}
	return c, nil
}
