package fhir

import (
	"context"

	"github.com/rs/zerolog"
)

// Event is the one-way payload published after a committed mutation.
type Event struct {
	Action       string // created, updated, deleted
	ResourceType string
	ID           string
	Resource     map[string]interface{}
}

// Notifier is the best-effort outbound seam for WebSocket or event-bus
// adapters. Implementations must not block; failures are logged by the
// caller, never surfaced.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

// LogNotifier writes events to the log; useful in development and as a
// fallback sink.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, e Event) {
	n.Log.Debug().
		Str("action", e.Action).
		Str("resource_type", e.ResourceType).
		Str("id", e.ID).
		Msg("resource event")
}
