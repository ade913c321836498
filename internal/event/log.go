package event

import (
	"sync"
	"time"
)

// Log is the ordered event history. A single lock covers both appends and
// range reads so a length and the slice derived from it always agree.
type Log struct {
	mu     sync.RWMutex
	events []Event
}

// NewLog wraps a previously persisted sequence. The slice is copied.
func NewLog(events []Event) (*Log, error) {
	if err := Validate(events); err != nil {
		return nil, err
	}
	cp := make([]Event, len(events))
	copy(cp, events)
	return &Log{events: cp}, nil
}

// Append assigns the next index and stores the event in one critical
// section, so concurrent publishers are linearized.
func (l *Log) Append(author, payload string, now time.Time) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := Event{
		Index:     len(l.events),
		Author:    author,
		Timestamp: now,
		Payload:   payload,
	}
	l.events = append(l.events, e)
	return e
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// All returns a copy of the whole log.
func (l *Log) All() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.copyFrom(0)
}

// Since returns the events strictly after last. A nil last yields the whole
// log and is never caught up; an Origin cursor yields the whole log and is
// caught up only while the log is empty. caughtUp is true when last is the newest
// entry, in which case events is empty.
func (l *Log) Since(last *Event) (events []Event, caughtUp bool, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if last == nil {
		return l.copyFrom(0), false, nil
	}
	if last.IsOrigin() {
		return l.copyFrom(0), len(l.events) == 0, nil
	}
	if last.Index < 0 || last.Index >= len(l.events) {
		return nil, false, ErrStaleCursor
	}
	if !l.events[last.Index].Same(*last) {
		return nil, false, ErrStaleCursor
	}
	if last.Index+1 == len(l.events) {
		return []Event{}, true, nil
	}
	return l.copyFrom(last.Index + 1), false, nil
}

// Snapshot returns a copy suitable for persistence.
func (l *Log) Snapshot() []Event {
	return l.All()
}

func (l *Log) copyFrom(i int) []Event {
	out := make([]Event, len(l.events)-i)
	copy(out, l.events[i:])
	return out
}
