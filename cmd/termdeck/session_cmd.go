package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/daemon"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/session"
	"github.com/termdeck/termdeck/internal/statedb"
)

// withDaemon dials the daemon, runs fn and reports failures through out.
func withDaemon(out *CLIOutput, fn func(ctx context.Context, c *daemon.Client) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := dialDaemon(ctx)
	if err != nil {
		out.Fail(err)
	}
	defer c.Close()
	if err := fn(ctx, c); err != nil {
		c.Close()
		out.Fail(err)
	}
}

type sessionJSON struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Status    string    `json:"status"`
	Active    bool      `json:"active"`
	Running   bool      `json:"running"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_active_at"`
}

func toSessionJSON(s protocol.SessionInfo) sessionJSON {
	return sessionJSON{
		ID:        s.ID,
		Name:      s.Name,
		Path:      s.WorkingDirectory,
		Status:    s.Status,
		Active:    s.Active,
		Running:   s.Running,
		CreatedAt: s.CreatedAt,
		LastUsed:  s.LastActiveAt,
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > tableColID {
		return id[:tableColID]
	}
	return id
}

// renderSessionTable formats sessions in fixed columns.
func renderSessionTable(sessions []protocol.SessionInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  %s %s %s %s\n",
		padRight("NAME", tableColName), padRight("STATUS", tableColStatus), padRight("PATH", tableColPath), "ID")
	b.WriteString(strings.Repeat("-", tableColName+tableColStatus+tableColPath+tableColID+5) + "\n")
	for _, s := range sessions {
		status := s.Status
		if s.Running {
			status += "*"
		}
		fmt.Fprintf(&b, "%s %s %s %s %s\n",
			StatusSymbol(s.Status, s.Active),
			padRight(truncate(s.Name, tableColName), tableColName),
			padRight(status, tableColStatus),
			padRight(truncate(FormatPath(s.WorkingDirectory), tableColPath), tableColPath),
			shortID(s.ID))
	}
	fmt.Fprintf(&b, "\nTotal: %d sessions (* has a running shell)\n", len(sessions))
	return b.String()
}

func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: termdeck list [--json]")
		fmt.Println()
		fmt.Println("List all sessions known to the daemon.")
	}
	parseFlags(fs, args)
	out := NewCLIOutput(*jsonOutput, false)

	withDaemon(out, func(ctx context.Context, c *daemon.Client) error {
		sessions, _, err := c.List(ctx)
		if err != nil {
			return err
		}
		rows := make([]sessionJSON, len(sessions))
		for i, s := range sessions {
			rows[i] = toSessionJSON(s)
		}
		if len(sessions) == 0 {
			out.Print("No sessions.\n", rows)
			return nil
		}
		out.Print(renderSessionTable(sessions), rows)
		return nil
	})
}

func handleNew(args []string) {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	name := fs.String("name", "", "Session name (default: next \"Session N\")")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	quiet := fs.Bool("q", false, "Print only the session id")
	fs.Usage = func() {
		fmt.Println("Usage: termdeck new [dir] [--name <name>]")
		fmt.Println()
		fmt.Println("Create a session. It becomes active; its shell starts on first attach.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	parseFlags(fs, args)
	out := NewCLIOutput(*jsonOutput, *quiet)

	dir := ""
	if fs.NArg() > 0 {
		abs, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			out.Fail(err)
		}
		dir = abs
	}

	withDaemon(out, func(ctx context.Context, c *daemon.Client) error {
		s, err := c.Create(ctx, *name, dir)
		if err != nil {
			return err
		}
		if *quiet {
			fmt.Println(s.ID)
			return nil
		}
		out.Success(fmt.Sprintf("created %s (%s) in %s", s.Name, shortID(s.ID), FormatPath(s.WorkingDirectory)), toSessionJSON(s))
		return nil
	})
}

// handleSessionOp runs close, reopen, select or delete on one session.
func handleSessionOp(op string, args []string) {
	fs := flag.NewFlagSet(op, flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Printf("Usage: termdeck %s <session>\n", op)
	}
	parseFlags(fs, args)
	out := NewCLIOutput(*jsonOutput, false)
	if fs.NArg() != 1 {
		out.Error(fmt.Sprintf("usage: termdeck %s <session>", op), ErrCodeUsage)
		os.Exit(1)
	}
	ref := fs.Arg(0)

	withDaemon(out, func(ctx context.Context, c *daemon.Client) error {
		var (
			s   protocol.SessionInfo
			err error
		)
		switch op {
		case "close":
			s, err = c.CloseSession(ctx, ref)
		case "reopen":
			s, err = c.Reopen(ctx, ref)
		case "select":
			s, err = c.Select(ctx, ref)
		case "delete":
			id, derr := c.Delete(ctx, ref)
			if derr != nil {
				return derr
			}
			out.Success("deleted "+shortID(id), map[string]interface{}{"success": true, "id": id})
			return nil
		}
		if err != nil {
			return err
		}
		out.Success(fmt.Sprintf("%s %s (%s): %s", pastTense(op), s.Name, shortID(s.ID), s.Status), toSessionJSON(s))
		return nil
	})
}

func pastTense(op string) string {
	switch op {
	case "close":
		return "closed"
	case "reopen":
		return "reopened"
	case "select":
		return "selected"
	}
	return op
}

func handleRename(args []string) {
	fs := flag.NewFlagSet("rename", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	parseFlags(fs, args)
	out := NewCLIOutput(*jsonOutput, false)
	if fs.NArg() < 2 {
		out.Error("usage: termdeck rename <session> <new name>", ErrCodeUsage)
		os.Exit(1)
	}
	ref, name := fs.Arg(0), strings.Join(fs.Args()[1:], " ")

	withDaemon(out, func(ctx context.Context, c *daemon.Client) error {
		s, err := c.Rename(ctx, ref, name)
		if err != nil {
			return err
		}
		out.Success(fmt.Sprintf("renamed %s to %q", shortID(s.ID), s.Name), toSessionJSON(s))
		return nil
	})
}

type historyJSON struct {
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	Name      string    `json:"name,omitempty"`
	Directory string    `json:"directory,omitempty"`
	Status    string    `json:"status,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	At        time.Time `json:"at"`
}

// resolveLocal finds a session in sessions.json without the daemon.
func resolveLocal(ref string) (session.Session, bool) {
	store, err := session.DefaultStore()
	if err != nil {
		return session.Session{}, false
	}
	snap, err := store.Load()
	if err != nil {
		return session.Session{}, false
	}
	reg := session.NewRegistry(snap, session.Options{})
	defer reg.Shutdown()
	return reg.Find(ref)
}

func handleHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	limit := fs.Int("n", 50, "Maximum entries")
	fs.Usage = func() {
		fmt.Println("Usage: termdeck history [session] [-n 50]")
		fmt.Println()
		fmt.Println("Show the lifecycle journal of one session, or of all sessions.")
	}
	parseFlags(fs, args)
	out := NewCLIOutput(*jsonOutput, false)

	dbPath, err := config.PathFor(config.StateDBFileName)
	if err != nil {
		out.Fail(err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		out.Print("No history yet.\n", []historyJSON{})
		return
	}
	db, err := statedb.Open(dbPath)
	if err != nil {
		out.Fail(err)
	}
	defer db.Close()

	var rows []statedb.EventRow
	if fs.NArg() > 0 {
		id := fs.Arg(0)
		if s, ok := resolveLocal(id); ok {
			id = s.ID
		}
		rows, err = db.History(id, *limit)
	} else {
		rows, err = db.Recent(*limit)
	}
	if err != nil {
		out.Fail(err)
	}

	data := make([]historyJSON, len(rows))
	var b strings.Builder
	for i, r := range rows {
		data[i] = historyJSON{Seq: r.Seq, Type: r.Type, Name: r.Name, Directory: r.Directory, Status: r.Status, ExitCode: r.ExitCode, At: r.At}
		line := fmt.Sprintf("%s  %s  %-10s %s", r.At.Local().Format("2006-01-02 15:04:05"), shortID(r.SessionID), r.Type, r.Name)
		if r.Type == "exited" {
			line += fmt.Sprintf(" (code %d)", r.ExitCode)
		}
		b.WriteString(strings.TrimRight(line, " ") + "\n")
	}
	if len(rows) == 0 {
		b.WriteString("No history.\n")
	}
	out.Print(b.String(), data)
}
