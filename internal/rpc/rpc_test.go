package rpc

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evebus/eve/internal/broadcast"
	"github.com/evebus/eve/internal/catalog"
	"github.com/evebus/eve/internal/event"
)

func newTestServer(t *testing.T, opts broadcast.Options) (*broadcast.Broadcaster, string) {
	t.Helper()
	opts.Logger = zerolog.Nop()
	b, err := broadcast.New(context.Background(), opts)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(b, zerolog.Nop(), nil))
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http") + "/rpc"
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestJoinPublishPoll(t *testing.T) {
	b, url := newTestServer(t, broadcast.Options{})
	ctx := context.Background()
	c := dial(t, url)

	id, err := c.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.LocalAddr(), id)
	assert.True(t, b.Joined(id))

	idx, err := c.Publish(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	events, err := c.Poll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "hello", events[0].Payload)
	assert.Equal(t, id, events[0].Author)

	require.NoError(t, c.Leave(ctx))
	assert.False(t, b.Joined(id))
}

func TestRemoteErrorsMapToSentinels(t *testing.T) {
	_, url := newTestServer(t, broadcast.Options{})
	ctx := context.Background()
	c := dial(t, url)

	_, err := c.Poll(ctx, nil)
	assert.ErrorIs(t, err, broadcast.ErrNotJoined)
	_, err = c.Publish(ctx, "x")
	assert.ErrorIs(t, err, broadcast.ErrNotJoined)

	_, err = c.Join(ctx)
	require.NoError(t, err)
	_, err = c.Join(ctx)
	assert.ErrorIs(t, err, broadcast.ErrAlreadyJoined)

	_, err = c.Poll(ctx, &event.Event{Index: 3})
	assert.ErrorIs(t, err, event.ErrStaleCursor)

	err = c.Call(ctx, Method("shout"), nil, nil)
	assert.ErrorIs(t, err, ErrBadRequest)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeBadRequest, rerr.Code)
}

func TestBlockedPollReleasedByOtherClient(t *testing.T) {
	_, url := newTestServer(t, broadcast.Options{})
	ctx := context.Background()
	a := dial(t, url)
	b := dial(t, url)

	_, err := a.Join(ctx)
	require.NoError(t, err)
	bid, err := b.Join(ctx)
	require.NoError(t, err)

	_, err = b.Publish(ctx, "first")
	require.NoError(t, err)
	events, err := a.Poll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := make(chan []event.Event, 1)
	go func() {
		evs, err := a.Poll(ctx, &events[0])
		assert.NoError(t, err)
		got <- evs
	}()

	select {
	case <-got:
		t.Fatal("poll returned before publish")
	case <-time.After(100 * time.Millisecond):
	}

	// The same connection keeps serving other calls while a poll is blocked.
	files, err := a.InitialFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = b.Publish(ctx, "second")
	require.NoError(t, err)
	select {
	case evs := <-got:
		require.Len(t, evs, 1)
		assert.Equal(t, "second", evs[0].Payload)
		assert.Equal(t, bid, evs[0].Author)
	case <-time.After(5 * time.Second):
		t.Fatal("poll was not released")
	}
}

func TestDisconnectLeaves(t *testing.T) {
	b, url := newTestServer(t, broadcast.Options{})
	c := dial(t, url)

	id, err := c.Join(context.Background())
	require.NoError(t, err)
	require.True(t, b.Joined(id))

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return !b.Joined(id) }, 5*time.Second, 10*time.Millisecond)
}

func TestInitialFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b.txt"), []byte{0, 1, 2, 255}, 0o644))
	cat, err := catalog.Scan(root)
	require.NoError(t, err)

	_, url := newTestServer(t, broadcast.Options{Catalog: cat})
	ctx := context.Background()
	c := dial(t, url)

	paths, err := c.InitialFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b.txt"}, paths)

	data, ok, err := c.InitialFile(ctx, "a/b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 1, 2, 255}, data)

	_, ok, err = c.InitialFile(ctx, "../etc/passwd")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCallAfterClose(t *testing.T) {
	_, url := newTestServer(t, broadcast.Options{})
	c := dial(t, url)
	require.NoError(t, c.Close())

	<-c.Done()
	_, err := c.Join(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCallHonoursContext(t *testing.T) {
	_, url := newTestServer(t, broadcast.Options{})
	c := dial(t, url)
	_, err := c.Join(context.Background())
	require.NoError(t, err)
	_, err = c.Publish(context.Background(), "x")
	require.NoError(t, err)
	events, err := c.Poll(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Poll(ctx, &events[0])
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestErrorUnwrap(t *testing.T) {
	tests := []struct {
		err  error
		code ErrorCode
	}{
		{broadcast.ErrAlreadyJoined, CodeAlreadyJoined},
		{broadcast.ErrNotJoined, CodeNotJoined},
		{event.ErrStaleCursor, CodeStaleCursor},
		{ErrBadRequest, CodeBadRequest},
		{context.Canceled, CodeInternal},
	}
	for _, tt := range tests {
		e := errorFor(tt.err)
		assert.Equal(t, tt.code, e.Code)
		if tt.code != CodeInternal {
			assert.ErrorIs(t, e, tt.err)
		}
	}
}
