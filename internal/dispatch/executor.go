package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Query is one request to the external assistant.
type Query struct {
	Text string
	// Image is an absolute image path attached to the query.
	Image string
	// Dir is the working directory the assistant runs in.
	Dir string
}

// AIExecutor answers assistant queries. The assistant itself is an opaque
// external program.
type AIExecutor interface {
	Ask(ctx context.Context, q Query) (string, error)
}

// CommandExecutor shells out to a command such as `claude -p <text>`.
type CommandExecutor struct {
	Command string
	Args    []string
	// ImageFlag precedes the image path; empty appends the path as a plain
	// argument.
	ImageFlag string
}

var _ AIExecutor = (*CommandExecutor)(nil)

// Argv returns the argument list for q, without the command itself.
func (e *CommandExecutor) Argv(q Query) []string {
	args := append([]string(nil), e.Args...)
	if q.Image != "" {
		if e.ImageFlag != "" {
			args = append(args, e.ImageFlag)
		}
		args = append(args, q.Image)
	}
	if q.Text != "" {
		args = append(args, q.Text)
	}
	return args
}

// Ask runs the command and returns its trimmed stdout. A non-zero exit is
// reported with the first line of stderr.
func (e *CommandExecutor) Ask(ctx context.Context, q Query) (string, error) {
	if e.Command == "" {
		return "", errors.New("no assistant command configured")
	}
	cmd := exec.CommandContext(ctx, e.Command, e.Argv(q)...)
	cmd.Dir = q.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg, _, _ := strings.Cut(strings.TrimSpace(stderr.String()), "\n")
		if msg != "" {
			return "", fmt.Errorf("%s: %w: %s", e.Command, err, msg)
		}
		return "", fmt.Errorf("%s: %w", e.Command, err)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}
