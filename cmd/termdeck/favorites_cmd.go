package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/termdeck/termdeck/internal/session"
)

func handleFavorites(args []string) {
	fs := flag.NewFlagSet("fav", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: termdeck fav [list|add|rm] [dir]")
		fmt.Println()
		fmt.Println("Manage favorite directories. add and rm default to the current directory.")
	}
	parseFlags(fs, args)
	out := NewCLIOutput(*jsonOutput, false)

	favs, err := session.DefaultFavorites()
	if err != nil {
		out.Fail(err)
	}
	if err := runFavorites(out, favs, fs.Args()); err != nil {
		out.Fail(err)
	}
}

// runFavorites executes one fav subcommand against favs.
func runFavorites(out *CLIOutput, favs *session.Favorites, args []string) error {
	cmd := "list"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	dir := ""
	if len(args) > 0 {
		dir = args[0]
	}
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	switch cmd {
	case "list", "ls":
		list := favs.List()
		if len(list) == 0 {
			out.Print("No favorites.\n", list)
			return nil
		}
		var b strings.Builder
		for _, f := range list {
			fmt.Fprintf(&b, "%s %s\n", bulletSymbol, FormatPath(f))
		}
		out.Print(b.String(), list)
	case "add":
		added, err := favs.Add(abs)
		if err != nil {
			return err
		}
		msg := "added " + FormatPath(abs)
		if !added {
			msg = FormatPath(abs) + " is already a favorite"
		}
		out.Success(msg, map[string]interface{}{"success": true, "path": abs, "changed": added})
	case "rm", "remove":
		removed, err := favs.Remove(abs)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%s is not a favorite", FormatPath(abs))
		}
		out.Success("removed "+FormatPath(abs), map[string]interface{}{"success": true, "path": abs, "changed": true})
	default:
		return fmt.Errorf("usage: termdeck fav [list|add|rm] [dir]")
	}
	return nil
}
