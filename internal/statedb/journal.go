package statedb

import (
	"context"
	"log/slog"

	"github.com/termdeck/termdeck/internal/logging"
	"github.com/termdeck/termdeck/internal/session"
)

var journalLog = logging.ForComponent(logging.CompJournal)

// Journal copies registry change events into the events table.
type Journal struct {
	db *StateDB
	// KeepDeleted keeps the history of deleted sessions instead of
	// forgetting it with the session.
	KeepDeleted bool
}

func NewJournal(db *StateDB) *Journal {
	return &Journal{db: db}
}

// Run records events until ctx is done or the channel closes. Selection
// changes are not journaled.
func (j *Journal) Run(ctx context.Context, events <-chan session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			j.Handle(ev)
		}
	}
}

// Handle records one event. Write failures are logged and dropped.
func (j *Journal) Handle(ev session.Event) {
	if ev.Type == session.EventSelected {
		return
	}
	if ev.Type == session.EventDeleted && !j.KeepDeleted {
		if err := j.db.ForgetSession(ev.Session.ID); err != nil {
			journalLog.Warn("journal_forget_failed", slog.String("session_id", ev.Session.ID), slog.String("error", err.Error()))
		}
		return
	}
	_, err := j.db.Record(EventRow{
		SessionID: ev.Session.ID,
		Type:      string(ev.Type),
		Name:      ev.Session.Name,
		Directory: ev.Session.WorkingDirectory,
		Status:    string(ev.Session.Status),
		ExitCode:  ev.ExitCode,
		At:        ev.At,
	})
	if err != nil {
		journalLog.Warn("journal_write_failed",
			slog.String("session_id", ev.Session.ID), slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		return
	}
	logging.Aggregate(logging.CompJournal, "journal_event_recorded", slog.String("type", string(ev.Type)))
}
