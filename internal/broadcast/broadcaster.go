// Package broadcast implements the central broadcaster: it owns the event
// log and the registry of joined sessions, orders every publish into the
// log and releases long-polling sessions when new events arrive.
//
// Two locks are involved. The log has its own lock (see event.Log) and the
// session registry has mu. They are never held at the same time: every
// operation finishes with the log before it touches the registry.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/evebus/eve/internal/catalog"
	"github.com/evebus/eve/internal/event"
	"github.com/evebus/eve/internal/snapshot"
)

var (
	ErrAlreadyJoined = errors.New("identity already joined")
	ErrNotJoined     = errors.New("identity has not joined")
)

// DefaultPollTimeout bounds how long a caught-up poll waits for news.
const DefaultPollTimeout = 30 * time.Second

type session struct {
	id       string
	joinedAt time.Time
	// wake holds at most one pending signal; publishes coalesce into it.
	wake    chan struct{}
	done    chan struct{} // closed by leave
	limiter *rate.Limiter
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Options configures a Broadcaster. Zero values are usable: no
// persistence, an empty catalog, DefaultPollTimeout and no rate limit.
type Options struct {
	Store        snapshot.EventStore
	Catalog      *catalog.Catalog
	PollTimeout  time.Duration
	PublishRate  float64 // events per second per session, 0 disables
	PublishBurst int
	Logger       zerolog.Logger
	Now          func() time.Time
}

type Broadcaster struct {
	log      *event.Log
	store    snapshot.EventStore
	catalog  *catalog.Catalog
	logger   zerolog.Logger
	now      func() time.Time
	started  time.Time
	pollWait time.Duration

	rateLimit rate.Limit
	burst     int

	mu       sync.Mutex
	sessions map[string]*session

	saveMu sync.Mutex
}

// New loads the persisted log from opts.Store. An absent snapshot starts an
// empty log; any other load failure is returned.
func New(ctx context.Context, opts Options) (*Broadcaster, error) {
	var events []event.Event
	if opts.Store != nil {
		loaded, err := opts.Store.LoadEvents(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading event log: %w", err)
		}
		events = loaded
	}
	log, err := event.NewLog(events)
	if err != nil {
		return nil, fmt.Errorf("loading event log: %w", err)
	}

	b := &Broadcaster{
		log:      log,
		store:    opts.Store,
		catalog:  opts.Catalog,
		logger:   opts.Logger,
		now:      opts.Now,
		pollWait: opts.PollTimeout,
		sessions: make(map[string]*session),
	}
	if b.catalog == nil {
		b.catalog = catalog.Empty()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.pollWait <= 0 {
		b.pollWait = DefaultPollTimeout
	}
	if opts.PublishRate > 0 {
		b.rateLimit = rate.Limit(opts.PublishRate)
		b.burst = max(opts.PublishBurst, 1)
	}
	b.started = b.now()

	b.logger.Info().
		Int("events", log.Len()).
		Int("initial_files", b.catalog.Len()).
		Msg("broadcaster ready")
	return b, nil
}

// Join registers caller. It fails with ErrAlreadyJoined if caller already
// has a session; the existing session is left untouched.
func (b *Broadcaster) Join(caller string) (string, error) {
	s := &session{
		id:       caller,
		joinedAt: b.now(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if b.rateLimit > 0 {
		s.limiter = rate.NewLimiter(b.rateLimit, b.burst)
	}

	b.mu.Lock()
	if _, ok := b.sessions[caller]; ok {
		b.mu.Unlock()
		b.logger.Warn().Str("identity", caller).Msg("join refused, already joined")
		return "", ErrAlreadyJoined
	}
	b.sessions[caller] = s
	n := len(b.sessions)
	b.mu.Unlock()

	b.logger.Info().Str("identity", caller).Int("sessions", n).Msg("session joined")
	return caller, nil
}

// InitialFiles lists the catalog in order.
func (b *Broadcaster) InitialFiles() []string {
	return b.catalog.Paths()
}

// InitialFile returns a catalogued file's bytes, or false if the path is
// unknown or unreadable.
func (b *Broadcaster) InitialFile(path string) ([]byte, bool) {
	data, ok := b.catalog.Read(path)
	if !ok {
		b.logger.Debug().Str("path", path).Msg("initial file unavailable")
	}
	return data, ok
}

// Publish appends payload to the log on behalf of caller and wakes every
// joined session. When a publish rate is configured it waits for the
// caller's limiter first.
func (b *Broadcaster) Publish(ctx context.Context, caller, payload string) (event.Event, error) {
	s, err := b.session(caller)
	if err != nil {
		return event.Event{}, err
	}
	if s.limiter != nil {
		if err := b.throttle(ctx, s); err != nil {
			return event.Event{}, err
		}
	}

	e := b.log.Append(caller, payload, b.now().UTC())

	b.mu.Lock()
	for _, other := range b.sessions {
		other.signal()
	}
	b.mu.Unlock()

	b.logger.Debug().Int("index", e.Index).Str("author", caller).Int("bytes", len(payload)).Msg("event published")
	return e, nil
}

// Poll returns the events after last. A nil last returns the whole log at
// once. When the caller is caught up Poll blocks until a publish, the
// caller's own Leave, ctx cancellation or the poll timeout; a timeout
// yields an empty slice. Wakes are only hints: the answer is always
// re-derived from the log.
func (b *Broadcaster) Poll(ctx context.Context, caller string, last *event.Event) ([]event.Event, error) {
	s, err := b.session(caller)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.pollWait)
	defer timer.Stop()

	for {
		events, caughtUp, err := b.log.Since(last)
		if err != nil {
			b.logger.Warn().Str("identity", caller).Stringer("cursor", last).Int("log_size", b.log.Len()).Msg("cursor does not match log")
			return nil, err
		}
		if !caughtUp {
			return events, nil
		}

		select {
		case <-s.wake:
		case <-s.done:
			return nil, ErrNotJoined
		case <-timer.C:
			return []event.Event{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Leave removes caller's session and releases its blocked polls. A wake
// still pending for the session is dropped with it. When the last session
// leaves, the log is checkpointed to the store.
func (b *Broadcaster) Leave(ctx context.Context, caller string) error {
	b.mu.Lock()
	s, ok := b.sessions[caller]
	if !ok {
		b.mu.Unlock()
		return ErrNotJoined
	}
	delete(b.sessions, caller)
	close(s.done)
	n := len(b.sessions)
	b.mu.Unlock()

	b.logger.Info().Str("identity", caller).Int("sessions", n).Dur("joined_for", b.now().Sub(s.joinedAt)).Msg("session left")

	if n == 0 {
		return b.Checkpoint(ctx)
	}
	return nil
}

// Checkpoint writes the current log to the store, if there is one.
func (b *Broadcaster) Checkpoint(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	events := b.log.Snapshot()
	if err := b.store.SaveEvents(ctx, events); err != nil {
		b.logger.Error().Err(err).Msg("checkpoint failed")
		return fmt.Errorf("checkpoint: %w", err)
	}
	b.logger.Info().Int("events", len(events)).Msg("event log checkpointed")
	return nil
}

// Close ends every session and checkpoints the log.
func (b *Broadcaster) Close(ctx context.Context) error {
	b.mu.Lock()
	for id, s := range b.sessions {
		delete(b.sessions, id)
		close(s.done)
	}
	b.mu.Unlock()
	return b.Checkpoint(ctx)
}

// Joined reports whether caller currently has a session.
func (b *Broadcaster) Joined(caller string) bool {
	_, err := b.session(caller)
	return err == nil
}

// Events returns a copy of the whole log.
func (b *Broadcaster) Events() []event.Event {
	return b.log.All()
}

type Stats struct {
	Sessions     int           `json:"sessions"`
	Events       int           `json:"events"`
	InitialFiles int           `json:"initial_files"`
	StartedAt    time.Time     `json:"started_at"`
	Uptime       time.Duration `json:"uptime"`
}

func (b *Broadcaster) Stats() Stats {
	events := b.log.Len()

	b.mu.Lock()
	sessions := len(b.sessions)
	b.mu.Unlock()

	return Stats{
		Sessions:     sessions,
		Events:       events,
		InitialFiles: b.catalog.Len(),
		StartedAt:    b.started,
		Uptime:       b.now().Sub(b.started),
	}
}

// throttle waits for s's publish limiter. The wait ends early when the
// session leaves, and the caller must still be the same session afterwards.
func (b *Broadcaster) throttle(ctx context.Context, s *session) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	err := s.limiter.Wait(waitCtx)
	if cur, lerr := b.session(s.id); lerr != nil || cur != s {
		return ErrNotJoined
	}
	if err != nil {
		return fmt.Errorf("publish rate limit: %w", err)
	}
	return nil
}

func (b *Broadcaster) session(caller string) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[caller]
	if !ok {
		return nil, ErrNotJoined
	}
	return s, nil
}
