// Package notify fans feed activity out to every configured sink.
package notify

import (
	"log/slog"

	"github.com/sendrec/reelfeed/internal/webhook"
)

type Notifier interface {
	DispatchAsync(event webhook.Event)
}

type waiter interface {
	Wait()
}

// Multi delivers each event to all of its notifiers.
type Multi struct {
	notifiers []Notifier
}

func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

func (m *Multi) DispatchAsync(event webhook.Event) {
	for _, n := range m.notifiers {
		dispatch(n, event)
	}
}

func dispatch(n Notifier, event webhook.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("multi-notifier: notifier panicked", "event", event.Name, "panic", r)
		}
	}()
	n.DispatchAsync(event)
}

// Wait blocks until every notifier that tracks background work is idle.
func (m *Multi) Wait() {
	for _, n := range m.notifiers {
		if w, ok := n.(waiter); ok {
			w.Wait()
		}
	}
}
