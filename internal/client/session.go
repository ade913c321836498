// Package client joins a broadcaster and keeps a local view of its event
// log: a background loop long-polls for new events and hands every event
// authored by someone else to a Listener.
package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/evebus/eve/internal/broadcast"
	"github.com/evebus/eve/internal/discovery"
	"github.com/evebus/eve/internal/event"
	"github.com/evebus/eve/internal/rpc"
	"github.com/evebus/eve/internal/snapshot"
)

const (
	DefaultMaxPollFailures = 5

	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
)

// Broadcaster is what a Session needs from the other side. rpc.Client and
// broadcast.Handle both implement it.
type Broadcaster interface {
	Join(ctx context.Context) (string, error)
	InitialFiles(ctx context.Context) ([]string, error)
	InitialFile(ctx context.Context, path string) ([]byte, bool, error)
	// Publish returns the index the event was appended at.
	Publish(ctx context.Context, payload string) (int, error)
	Poll(ctx context.Context, last *event.Event) ([]event.Event, error)
	Leave(ctx context.Context) error
	Close() error
}

// Listener receives events published by other clients, in log order, on
// the session's catch-up goroutine. ctx is cancelled when the session
// leaves; a listener that may block should give up when it is done.
//
// Delivery is at least once. When the broadcaster no longer knows the
// session's cursor (it lost events the session had seen), the whole log is
// replayed and earlier events reach the listener again.
type Listener interface {
	OnEvent(ctx context.Context, e event.Event)
}

type ListenerFunc func(ctx context.Context, e event.Event)

func (f ListenerFunc) OnEvent(ctx context.Context, e event.Event) { f(ctx, e) }

type Options struct {
	Listener Listener
	// Checkpoint stores the last known event across runs. Optional.
	Checkpoint snapshot.CheckpointStore
	// MaxPollFailures is how many consecutive failed polls end the
	// catch-up loop.
	MaxPollFailures int
	// OnError is called once if the catch-up loop ends on its own.
	OnError func(error)
	Logger  zerolog.Logger

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type Session struct {
	b           Broadcaster
	listener    Listener
	checkpoint  snapshot.CheckpointStore
	maxFailures int
	onError     func(error)
	logger      zerolog.Logger
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu       sync.Mutex
	identity string
	last     *event.Event
	own      map[int]struct{} // indices of own events not yet observed
	joined   bool
	err      error
	cancel   context.CancelFunc
	done     chan struct{}

	stopping atomic.Bool
}

// New wraps an existing broadcaster handle. The saved checkpoint, if any,
// becomes the starting point of the first catch-up.
func New(ctx context.Context, b Broadcaster, opts Options) (*Session, error) {
	s := &Session{
		b:           b,
		listener:    opts.Listener,
		checkpoint:  opts.Checkpoint,
		maxFailures: opts.MaxPollFailures,
		onError:     opts.OnError,
		logger:      opts.Logger,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		own:         make(map[int]struct{}),
	}
	if s.listener == nil {
		s.listener = ListenerFunc(func(context.Context, event.Event) {})
	}
	if s.maxFailures <= 0 {
		s.maxFailures = DefaultMaxPollFailures
	}
	if s.baseBackoff <= 0 {
		s.baseBackoff = defaultBaseBackoff
	}
	if s.maxBackoff < s.baseBackoff {
		s.maxBackoff = max(defaultMaxBackoff, s.baseBackoff)
	}

	if s.checkpoint != nil {
		cp, err := s.checkpoint.LoadCheckpoint(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading checkpoint: %w", err)
		}
		s.last = cp.Last
		for _, idx := range cp.Own {
			if cp.Last == nil || idx > cp.Last.Index {
				s.own[idx] = struct{}{}
			}
		}
		if cp.Last != nil {
			s.logger.Debug().Int("index", cp.Last.Index).Int("own", len(s.own)).Msg("resuming from checkpoint")
		}
	}
	return s, nil
}

// Connect resolves locator, dials the broadcaster and returns a Session
// that has not joined yet.
func Connect(ctx context.Context, locator string, opts Options) (*Session, error) {
	url, err := discovery.Resolve(ctx, locator, discovery.DefaultLookupTimeout, opts.Logger)
	if err != nil {
		return nil, err
	}
	c, err := rpc.Dial(ctx, url, opts.Logger)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, c, opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	opts.Logger.Info().Str("url", url).Msg("connected to broadcaster")
	return s, nil
}

// Join registers with the broadcaster and starts the catch-up loop.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined {
		return broadcast.ErrAlreadyJoined
	}

	id, err := s.b.Join(ctx)
	if err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.identity = id
	s.joined = true
	s.err = nil
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stopping.Store(false)

	s.logger.Info().Str("identity", id).Msg("joined")
	go s.run(loopCtx, id, s.done)
	return nil
}

func (s *Session) run(ctx context.Context, identity string, done chan struct{}) {
	defer close(done)

	failures := 0
	delay := s.baseBackoff
	fresh := true
	for {
		if s.stopping.Load() {
			return
		}
		cursor := s.Last()
		if cursor == nil && !fresh {
			// Nothing seen after a full replay: wait for the first event
			// instead of asking for the empty log again.
			cursor = event.Origin()
		}
		events, err := s.b.Poll(ctx, cursor)
		if s.stopping.Load() || ctx.Err() != nil {
			return
		}

		if err != nil {
			if errors.Is(err, event.ErrStaleCursor) {
				s.logger.Warn().Stringer("cursor", s.Last()).Msg("cursor unknown to broadcaster, replaying full log")
				s.reset()
				fresh = true
				continue
			}
			if errors.Is(err, broadcast.ErrNotJoined) {
				s.fail(err)
				return
			}
			failures++
			if failures >= s.maxFailures {
				s.fail(fmt.Errorf("poll failed %d times: %w", failures, err))
				return
			}
			s.logger.Warn().Err(err).Dur("retry_in", delay).Int("failures", failures).Msg("poll failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay = min(delay*2, s.maxBackoff)
			continue
		}

		failures = 0
		delay = s.baseBackoff
		fresh = false
		for _, e := range events {
			if s.stopping.Load() || ctx.Err() != nil {
				return
			}
			if !s.isOwn(e, identity) {
				s.listener.OnEvent(ctx, e)
				if ctx.Err() != nil {
					// Not known to have been delivered; a later run gets it again.
					return
				}
			}
			s.setLast(&e)
		}
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.logger.Error().Err(err).Msg("catch-up stopped")
	if s.onError != nil {
		s.onError(err)
	}
}

// PublishEvent sends payload to the broadcaster. The event reaches other
// clients through their own polls; it is never delivered locally.
func (s *Session) PublishEvent(ctx context.Context, payload string) error {
	idx, err := s.b.Publish(ctx, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.last == nil || idx > s.last.Index {
		s.own[idx] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

// isOwn reports whether e was published by this client, in this run or
// an earlier one, and forgets the index once seen.
func (s *Session) isOwn(e event.Event, identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.own[e.Index]; ok {
		delete(s.own, e.Index)
		return true
	}
	return e.Author == identity
}

// Leave stops the catch-up loop, leaves the broadcaster and saves the last
// known event so a later Join can resume from it. It waits for the loop
// only until ctx is done; a listener that ignores its context is left
// behind and the checkpoint keeps what it had delivered.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return broadcast.ErrNotJoined
	}
	s.joined = false
	done, cancel, id := s.done, s.cancel, s.identity
	s.mu.Unlock()

	s.stopping.Store(true)
	leaveErr := s.b.Leave(ctx)
	// A successful leave has already released the in-flight poll; cancel
	// covers a loop sleeping in backoff, a listener honouring its context,
	// or a leave that never arrived.
	cancel()

	saveCtx := ctx
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		// The listener is stuck. Keep what was delivered so far.
		waitErr = fmt.Errorf("catch-up loop still running: %w", ctx.Err())
		saveCtx = context.WithoutCancel(ctx)
		s.logger.Warn().Str("identity", id).Msg("listener did not return, leaving anyway")
	}

	var saveErr error
	if s.checkpoint != nil {
		if saveErr = s.checkpoint.SaveCheckpoint(saveCtx, s.checkpointState()); saveErr != nil {
			saveErr = fmt.Errorf("saving checkpoint: %w", saveErr)
		}
	}
	s.logger.Info().Str("identity", id).Msg("left")
	return errors.Join(leaveErr, waitErr, saveErr)
}

// Close releases the connection. Call Leave first to keep the checkpoint.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return s.b.Close()
}

// Identity is the broadcaster-assigned identity, empty before Join.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Last returns the newest event seen, or nil.
func (s *Session) Last() *event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// reset forgets the cursor and the own indices, which refer to a log the
// broadcaster no longer has.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = nil
	clear(s.own)
}

func (s *Session) checkpointState() snapshot.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cp snapshot.Checkpoint
	if s.last != nil {
		last := *s.last
		cp.Last = &last
	}
	for idx := range s.own {
		if cp.Last == nil || idx > cp.Last.Index {
			cp.Own = append(cp.Own, idx)
		}
	}
	slices.Sort(cp.Own)
	return cp
}

func (s *Session) setLast(e *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e == nil {
		s.last = nil
		return
	}
	cp := *e
	s.last = &cp
}

// Err is the error that ended the catch-up loop, if it ended on its own.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the current catch-up loop exits. It is nil before
// the first Join.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
