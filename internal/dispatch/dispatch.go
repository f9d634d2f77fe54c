// Package dispatch routes one line of user input, after classification, to
// an internal command, the active session's shell or the assistant.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/termdeck/termdeck/internal/input"
	"github.com/termdeck/termdeck/internal/logging"
	"github.com/termdeck/termdeck/internal/session"
)

var dispatchLog = logging.ForComponent(logging.CompDispatch)

// ErrUsage marks input that named a command but lacked its arguments.
var ErrUsage = errors.New("usage")

const defaultImagePrompt = "Describe this image."

// Backend is the session side the dispatcher drives. It is implemented over
// a local registry or over a daemon connection.
type Backend interface {
	// SendCommand writes line plus Enter to the active session.
	SendCommand(ctx context.Context, line string) error
	// NewSession creates a session in cwd (the active directory when empty).
	NewSession(ctx context.Context, name, cwd string) (session.Session, error)
	// ActiveDirectory is the working directory of the active session.
	ActiveDirectory(ctx context.Context) (string, error)
}

// AssistantMarker is implemented by backends that flag the active session
// while an assistant run is in progress, so that an interrupt sent to the
// session can end it.
type AssistantMarker interface {
	MarkAssistant(ctx context.Context, on bool) error
}

// Action says what Dispatch did.
type Action string

const (
	ActionNone   Action = "none"
	ActionHelp   Action = "help"
	ActionShell  Action = "shell"
	ActionAI     Action = "ai"
	ActionNew    Action = "new"
	ActionFav    Action = "favorite"
	ActionReload Action = "reload"
)

// Result is the outcome of one Dispatch call. Message is for the user.
type Result struct {
	Action  Action
	Class   input.Class
	Message string
}

// Dispatcher routes classified input.
type Dispatcher struct {
	Backend   Backend
	AI        AIExecutor
	Favorites *session.Favorites
	// OnReload runs on /reload after favorites are re-read (config reload).
	OnReload func() error
	// ImagePrompt accompanies a bare image path.
	ImagePrompt string
}

// Dispatch classifies text and acts on it. Blank input does nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{Action: ActionNone}, nil
	}
	c := input.Classify(text)
	res, err := d.route(ctx, c)
	res.Class = c

	attrs := []slog.Attr{slog.String("kind", c.Kind.String()), slog.String("action", string(res.Action))}
	if err != nil {
		dispatchLog.LogAttrs(ctx, slog.LevelWarn, "dispatch_failed", append(attrs, slog.String("error", err.Error()))...)
		return res, err
	}
	logging.Aggregate(logging.CompDispatch, "input_dispatched", attrs...)
	return res, nil
}

func (d *Dispatcher) route(ctx context.Context, c input.Class) (Result, error) {
	switch c.Kind {
	case input.Internal:
		return d.internal(ctx, c)
	case input.ShellCommand:
		if err := d.Backend.SendCommand(ctx, c.Text); err != nil {
			return Result{Action: ActionShell}, fmt.Errorf("send to shell: %w", err)
		}
		return Result{Action: ActionShell}, nil
	case input.ImagePath:
		prompt := d.ImagePrompt
		if prompt == "" {
			prompt = defaultImagePrompt
		}
		return d.ask(ctx, Query{Text: prompt, Image: c.Path})
	default:
		return d.ask(ctx, Query{Text: strings.TrimSpace(c.Text)})
	}
}

func (d *Dispatcher) internal(ctx context.Context, c input.Class) (Result, error) {
	switch c.Command {
	case input.CmdHelp:
		return Result{Action: ActionHelp, Message: HelpText}, nil

	case input.CmdAsk, input.CmdClaude:
		if c.Args == "" {
			return Result{Action: ActionAI}, fmt.Errorf("%w: /%s <question>", ErrUsage, c.Command)
		}
		return d.ask(ctx, Query{Text: c.Args})

	case input.CmdNew:
		cwd := ""
		if c.Args != "" {
			cwd = expandHome(input.NormalizePath(c.Args))
		}
		s, err := d.Backend.NewSession(ctx, "", cwd)
		if err != nil {
			return Result{Action: ActionNew}, fmt.Errorf("new session: %w", err)
		}
		return Result{Action: ActionNew, Message: fmt.Sprintf("created %s (%s) in %s", s.Name, s.ShortID(), s.WorkingDirectory)}, nil

	case input.CmdFavorite:
		return d.favorite(ctx, c.Args)

	case input.CmdReload:
		if d.Favorites != nil {
			if err := d.Favorites.Reload(); err != nil {
				return Result{Action: ActionReload}, err
			}
		}
		if d.OnReload != nil {
			if err := d.OnReload(); err != nil {
				return Result{Action: ActionReload}, err
			}
		}
		n := 0
		if d.Favorites != nil {
			n = len(d.Favorites.List())
		}
		return Result{Action: ActionReload, Message: fmt.Sprintf("reloaded (%d favorites)", n)}, nil
	}
	return Result{Action: ActionNone}, fmt.Errorf("unhandled command /%s", c.Command)
}

// favorite toggles path (the active directory when empty) in the favorites list.
func (d *Dispatcher) favorite(ctx context.Context, arg string) (Result, error) {
	if d.Favorites == nil {
		return Result{Action: ActionFav}, errors.New("favorites unavailable")
	}
	path := expandHome(input.NormalizePath(arg))
	if path == "" {
		var err error
		if path, err = d.Backend.ActiveDirectory(ctx); err != nil {
			return Result{Action: ActionFav}, err
		}
	}
	if d.Favorites.Contains(path) {
		if _, err := d.Favorites.Remove(path); err != nil {
			return Result{Action: ActionFav}, err
		}
		return Result{Action: ActionFav, Message: "removed favorite " + path}, nil
	}
	if _, err := d.Favorites.Add(path); err != nil {
		return Result{Action: ActionFav}, err
	}
	return Result{Action: ActionFav, Message: "added favorite " + path}, nil
}

func (d *Dispatcher) ask(ctx context.Context, q Query) (Result, error) {
	if d.AI == nil {
		return Result{Action: ActionAI}, errors.New("no assistant configured")
	}
	if dir, err := d.Backend.ActiveDirectory(ctx); err == nil {
		q.Dir = dir
	}
	if m, ok := d.Backend.(AssistantMarker); ok {
		if err := m.MarkAssistant(ctx, true); err == nil {
			defer func() {
				if err := m.MarkAssistant(context.WithoutCancel(ctx), false); err != nil {
					dispatchLog.Debug("assistant_unmark_failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
	out, err := d.AI.Ask(ctx, q)
	if err != nil {
		return Result{Action: ActionAI}, err
	}
	return Result{Action: ActionAI, Message: out}, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + p[1:]
		}
	}
	return p
}

// HelpText lists the internal commands.
const HelpText = `Commands:
  /help              show this help
  /new [dir]         start a session (in dir, or the current directory)
  /fav [dir]         toggle dir (or the current directory) as a favorite
  /reload            re-read favorites and config
  /ask <question>    ask the assistant
  /claude <question> same as /ask
Anything else that looks like a command runs in the active shell; other
text and image paths go to the assistant.`
