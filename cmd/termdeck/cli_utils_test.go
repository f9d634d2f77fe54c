package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/termdeck/termdeck/internal/daemon"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/session"
)

func TestNormalizeArgs(t *testing.T) {
	newFS := func() *flag.FlagSet {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fs.Bool("json", false, "")
		fs.String("name", "", "")
		return fs
	}
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{"flags already first", []string{"--json", "work"}, []string{"--json", "work"}},
		{"bool flag after positional", []string{"work", "--json"}, []string{"--json", "work"}},
		{"string flag after positional", []string{"/srv", "--name", "api server"}, []string{"--name", "api server", "/srv"}},
		{"equals syntax", []string{"/srv", "--name=api"}, []string{"--name=api", "/srv"}},
		{"double dash ends flags", []string{"--json", "--", "-x", "y"}, []string{"--json", "-x", "y"}},
		{"single dash is positional", []string{"-", "--json"}, []string{"--json", "-"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeArgs(newFS(), tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("normalizeArgs(%v) = %v, want %v", tt.args, got, tt.expected)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"a longer session name", 10, "a longe..."},
		{"abcdef", 3, "abc"},
		{"日本語のセッション", 8, "日本..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestFormatPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Skip("no home directory")
	}
	if got := FormatPath(home); got != "~" {
		t.Errorf("FormatPath(home) = %q", got)
	}
	if got := FormatPath(home + "/src/app"); got != "~/src/app" {
		t.Errorf("FormatPath(home/src/app) = %q", got)
	}
	if got := FormatPath("/etc"); got != "/etc" {
		t.Errorf("FormatPath(/etc) = %q", got)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: dial unix", daemon.ErrNotRunning), ErrCodeNotRunning},
		{fmt.Errorf("%w: abc", session.ErrNotFound), ErrCodeNotFound},
		{errors.New("session not found: work"), ErrCodeNotFound},
		{errors.New("select_session not applicable to session x (terminated)"), ErrCodeInvalidOperation},
		{errors.New("no active session"), ErrCodeInvalidOperation},
		{errors.New("usage: termdeck close <session>"), ErrCodeUsage},
		{errors.New("boom"), ErrCodeInternal},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestRenderSessionTable(t *testing.T) {
	now := time.Now()
	out := renderSessionTable([]protocol.SessionInfo{
		{ID: "0123456789abcdef0123456789abcdef", Name: "api", WorkingDirectory: "/srv/api", Status: "active", Active: true, Running: true, CreatedAt: now},
		{ID: "fedcba9876543210fedcba9876543210", Name: "a very long session name indeed", WorkingDirectory: "/tmp", Status: "terminated", CreatedAt: now},
	})
	lines := strings.Split(out, "\n")
	if !strings.HasPrefix(lines[0], "  NAME") {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], activeSymbol) || !strings.Contains(lines[2], "active*") || !strings.HasSuffix(lines[2], "01234567") {
		t.Errorf("active row = %q", lines[2])
	}
	if !strings.Contains(lines[3], errorSymbol) || !strings.Contains(lines[3], "a very long sessi...") {
		t.Errorf("terminated row = %q", lines[3])
	}
	if !strings.Contains(out, "Total: 2 sessions") {
		t.Errorf("missing total in %q", out)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "b", "c"); got != "b" {
		t.Errorf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Errorf("firstNonEmpty() = %q", got)
	}
}
