// Package event holds the Event record and the in-memory append-only log
// the broadcaster orders every client's events in.
package event

import (
	"errors"
	"fmt"
	"time"
)

// ErrStaleCursor is returned when a caller's last known event is not part
// of the log: its index is past the end, or the entry at that index differs.
var ErrStaleCursor = errors.New("event cursor does not match log")

// Event is one client-originated payload. Index is assigned by the log at
// append time and equals the event's position.
type Event struct {
	Index     int       `json:"index"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload"`
}

// Origin returns a cursor positioned before the first event. Unlike a nil
// cursor, polling from it waits while the log is empty.
func Origin() *Event {
	return &Event{Index: originIndex}
}

const originIndex = -1

// IsOrigin reports whether e is the cursor returned by Origin.
func (e Event) IsOrigin() bool {
	return e.Index == originIndex
}

// Same reports whether e and o describe the same log entry.
func (e Event) Same(o Event) bool {
	return e.Index == o.Index &&
		e.Author == o.Author &&
		e.Payload == o.Payload &&
		e.Timestamp.Equal(o.Timestamp)
}

func (e Event) String() string {
	return fmt.Sprintf("#%d %s %q", e.Index, e.Author, e.Payload)
}

// Validate checks that events form a contiguous, zero-based sequence.
func Validate(events []Event) error {
	for i, e := range events {
		if e.Index != i {
			return fmt.Errorf("event at position %d has index %d", i, e.Index)
		}
	}
	return nil
}
