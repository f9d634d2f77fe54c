package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/lipgloss"

	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/control"
	"github.com/termdeck/termdeck/internal/dispatch"
	"github.com/termdeck/termdeck/internal/input"
	"github.com/termdeck/termdeck/internal/session"
)

var promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)

// newExecutor builds the assistant command from [ai].
func newExecutor(cfg *config.Config) *dispatch.CommandExecutor {
	return &dispatch.CommandExecutor{
		Command:   cfg.AI.GetCommand(),
		Args:      cfg.AI.GetArgs(),
		ImageFlag: cfg.AI.ImageFlag,
	}
}

// prompt reads lines and dispatches them until EOF.
type prompt struct {
	d       *dispatch.Dispatcher
	backend replBackend
	in      io.Reader
	out     io.Writer
	errOut  io.Writer

	mu         sync.Mutex
	cancelLine context.CancelFunc
}

func (p *prompt) promptText(ctx context.Context) string {
	dir, err := p.backend.ActiveDirectory(ctx)
	if err != nil {
		return promptStyle.Render("termdeck") + "> "
	}
	return promptStyle.Render(FormatPath(dir)) + "> "
}

func (p *prompt) run(ctx context.Context) error {
	_ = p.backend.Follow(ctx, p.out)
	scanner := bufio.NewScanner(p.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	fmt.Fprint(p.out, p.promptText(ctx))
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		p.handle(ctx, scanner.Text())
		fmt.Fprint(p.out, p.promptText(ctx))
	}
	fmt.Fprintln(p.out)
	return scanner.Err()
}

func (p *prompt) handle(ctx context.Context, line string) {
	lineCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancelLine = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cancelLine = nil
		p.mu.Unlock()
		cancel()
	}()

	res, err := p.d.Dispatch(lineCtx, line)
	if err != nil {
		fmt.Fprintf(p.errOut, "%s %v\n", errorStyle.Render(errorSymbol), err)
		return
	}
	switch res.Action {
	case dispatch.ActionShell, dispatch.ActionNew:
		if err := p.backend.Follow(ctx, p.out); err != nil && !errors.Is(err, dispatch.ErrNoActiveSession) {
			fmt.Fprintf(p.errOut, "%s %v\n", errorStyle.Render(errorSymbol), err)
		}
	}
	if res.Message != "" {
		fmt.Fprintln(p.out, res.Message)
	}
}

// signal forwards Ctrl+C or Ctrl+Z typed at the prompt to the active
// session. Ctrl+C also stops an assistant run still in progress.
func (p *prompt) signal(ctx context.Context, sig os.Signal) {
	key := control.Interrupt
	if sig == syscall.SIGTSTP {
		key = control.Suspend
	}
	if key == control.Interrupt {
		p.mu.Lock()
		if p.cancelLine != nil {
			p.cancelLine()
		}
		p.mu.Unlock()
	}
	if err := p.backend.SendControl(ctx, key); err != nil && !errors.Is(err, dispatch.ErrNoActiveSession) {
		fmt.Fprintf(p.errOut, "%s %v\n", errorStyle.Render(errorSymbol), err)
	}
}

// forwardSignals feeds SIGINT and SIGTSTP to p until ctx ends.
func (p *prompt) forwardSignals(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTSTP)
	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				p.signal(ctx, sig)
			}
		}
	}()
}

func handleRepl(args []string) {
	fs := flag.NewFlagSet("repl", flag.ContinueOnError)
	local := fs.Bool("local", false, "Run sessions in this process instead of the daemon")
	fs.Usage = func() {
		fmt.Println("Usage: termdeck [repl] [--local]")
		fmt.Println()
		fmt.Println("Read input lines: shell commands run in the active session,")
		fmt.Println("/commands are handled here, anything else goes to the assistant.")
		fmt.Println("Type /help for commands; Ctrl+C and Ctrl+Z go to the shell; Ctrl+D quits.")
	}
	parseFlags(fs, args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	var backend replBackend
	if *local {
		reg := session.Open(session.Options{Spawner: buildSpawner(cfg, config.SpawnerInProcess)})
		backend = newLocalBackend(reg)
	} else {
		c, err := dialDaemon(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintln(os.Stderr, "Use `termdeck repl --local` to run without a daemon.")
			os.Exit(1)
		}
		backend = newDaemonBackend(c)
	}
	defer backend.Close()

	favs, err := session.DefaultFavorites()
	if err != nil {
		cliLog.Warn("favorites_load_failed", slog.String("error", err.Error()))
	}
	if favs != nil {
		if w, err := session.WatchFavorites(favs, nil); err == nil {
			defer w.Stop()
		}
	}

	ai := newExecutor(cfg)
	d := &dispatch.Dispatcher{
		Backend:   backend,
		AI:        ai,
		Favorites: favs,
		OnReload: func() error {
			fresh, err := config.Reload()
			if err != nil {
				return err
			}
			*ai = *newExecutor(fresh)
			return nil
		},
	}

	p := &prompt{d: d, backend: backend, in: os.Stdin, out: os.Stdout, errOut: os.Stderr}
	p.forwardSignals(ctx)
	if err := p.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// handleClassify takes the text verbatim so shell flags like -la are not
// parsed as ours.
func handleClassify(args []string) {
	jsonMode := false
	if len(args) > 0 && args[0] == "--json" {
		jsonMode, args = true, args[1:]
	}
	out := NewCLIOutput(jsonMode, false)
	text := strings.Join(args, " ")
	if strings.TrimSpace(text) == "" {
		out.Error("usage: termdeck classify [--json] <text>", ErrCodeUsage)
		os.Exit(1)
	}
	out.Print(describeClass(text))
}

type classJSON struct {
	Kind    string `json:"kind"`
	Command string `json:"command,omitempty"`
	Args    string `json:"args,omitempty"`
	Path    string `json:"path,omitempty"`
}

// describeClass explains how text would be routed.
func describeClass(text string) (string, interface{}) {
	c := input.Classify(text)
	j := classJSON{Kind: c.Kind.String(), Command: c.Command, Args: c.Args, Path: c.Path}
	var human string
	switch c.Kind {
	case input.Internal:
		human = fmt.Sprintf("%s /%s", j.Kind, c.Command)
		if c.Args != "" {
			human += " " + c.Args
		}
	case input.ImagePath:
		human = fmt.Sprintf("%s %s", j.Kind, c.Path)
	default:
		human = j.Kind
	}
	return human + "\n", j
}
