package dispatch

import (
	"context"
	"errors"

	"github.com/termdeck/termdeck/internal/control"
	"github.com/termdeck/termdeck/internal/session"
)

// ErrNoActiveSession means there is no live session to send to.
var ErrNoActiveSession = errors.New("no active session")

// RegistryBackend drives an in-process registry.
type RegistryBackend struct {
	Registry *session.Registry
}

var (
	_ Backend         = RegistryBackend{}
	_ AssistantMarker = RegistryBackend{}
)

func (b RegistryBackend) activeControl() (*control.Channel, error) {
	s, ok := b.Registry.Active()
	if !ok {
		return nil, ErrNoActiveSession
	}
	return b.Registry.ControlFor(s.ID)
}

// SendCommand starts a fresh output capture, so Output holds what this
// command printed.
func (b RegistryBackend) SendCommand(_ context.Context, line string) error {
	ctrl, err := b.activeControl()
	if err != nil {
		return err
	}
	ctrl.ClearOutput()
	return ctrl.SendCommand(line)
}

// SendControl sends one control key (Ctrl+C, Ctrl+D, Ctrl+Z) to the active
// session.
func (b RegistryBackend) SendControl(_ context.Context, key byte) error {
	ctrl, err := b.activeControl()
	if err != nil {
		return err
	}
	return ctrl.SendKeys([]byte{key})
}

func (b RegistryBackend) MarkAssistant(_ context.Context, on bool) error {
	ctrl, err := b.activeControl()
	if err != nil {
		return err
	}
	ctrl.SetAssistantActive(on)
	return nil
}
