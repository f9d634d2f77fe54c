package session

import (
	"sync"
	"time"
)

// EventType names a registry change.
type EventType string

const (
	EventCreated       EventType = "created"
	EventClosed        EventType = "closed"
	EventReopened      EventType = "reopened"
	EventDeleted       EventType = "deleted"
	EventSelected      EventType = "selected"
	EventRenamed       EventType = "renamed"
	EventCWDChanged    EventType = "cwd_changed"
	EventStatusChanged EventType = "status_changed"
	EventExited        EventType = "exited"
)

// Event is published after every change to the table. Session is a copy
// taken at the time of the change (zero for deletions of unknown rows).
type Event struct {
	Type     EventType `json:"type"`
	Session  Session   `json:"session"`
	ActiveID string    `json:"activeId"`
	ExitCode int       `json:"exitCode,omitempty"`
	At       time.Time `json:"at"`
}

const subscriberQueue = 64

type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	ch := make(chan Event, subscriberQueue)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
	}
}

// publish never blocks: a full subscriber loses its oldest event.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for {
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
