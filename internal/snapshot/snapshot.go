// Package snapshot persists the broadcaster's event log and a client's last
// seen event. An absent snapshot is not an error: it loads as an empty log
// or no checkpoint. Every other read or write failure is returned.
package snapshot

import (
	"context"
	"fmt"

	"github.com/evebus/eve/internal/event"
)

// EventStore holds the broadcaster snapshot: the ordered event sequence.
type EventStore interface {
	LoadEvents(ctx context.Context) ([]event.Event, error)
	SaveEvents(ctx context.Context, events []event.Event) error
}

// Checkpoint is what a client keeps between runs.
type Checkpoint struct {
	// Last is the newest event observed, nil before the first one.
	Last *event.Event `json:"last,omitempty"`
	// Own holds the indices of events this client published that come
	// after Last. A later run skips them even though it joins under a
	// different identity.
	Own []int `json:"own,omitempty"`
}

// CheckpointStore holds a client's checkpoint. An absent checkpoint loads
// as the zero Checkpoint.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Store is implemented by every backend.
type Store interface {
	EventStore
	CheckpointStore
	Close() error
}

// Open returns the backend named by kind ("file" or "sqlite") at path.
func Open(kind, path string) (Store, error) {
	switch kind {
	case "", "file":
		return NewFileStore(path), nil
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", kind)
	}
}
