package persistence

import (
	"context"

	"github.com/varenne/stagehand/pkg/api"
)

// EventStore is an append-only audit log of session lifecycle events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.Event) error
	ListEvents(ctx context.Context, sessionID string) ([]api.Event, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.Event) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, sessionID string) ([]api.Event, error) {
	return nil, nil
}
