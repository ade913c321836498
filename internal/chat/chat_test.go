package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evebus/eve/internal/event"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakePublisher) PublishEvent(ctx context.Context, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return f.err
}

func newModel(pub Publisher) Model {
	return New(context.Background(), pub, "10.0.0.1:4000", nil, nil)
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func enter(t *testing.T, m Model, text string) (Model, tea.Cmd) {
	t.Helper()
	m.input.SetValue(text)
	return update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
}

func TestSendPublishesAndEchoesLocally(t *testing.T) {
	pub := &fakePublisher{}
	m := newModel(pub)

	m, cmd := enter(t, m, "  hello there ")
	require.NotNil(t, cmd)
	require.Len(t, m.Lines(), 1)
	assert.Contains(t, m.Lines()[0], "hello there")
	assert.Contains(t, m.Lines()[0], "me")
	assert.Empty(t, m.input.Value())

	msg := cmd()
	sent, ok := msg.(sentMsg)
	require.True(t, ok)
	assert.NoError(t, sent.err)
	assert.Equal(t, []string{"hello there"}, pub.sent)
}

func TestSendFailureIsShown(t *testing.T) {
	pub := &fakePublisher{err: errors.New("identity has not joined")}
	m := newModel(pub)

	m, cmd := enter(t, m, "hi")
	m, _ = update(t, m, cmd())
	require.Len(t, m.Lines(), 2)
	assert.Contains(t, m.Lines()[1], "not sent")
}

func TestEmptyLineIsIgnored(t *testing.T) {
	pub := &fakePublisher{}
	m := newModel(pub)
	m, cmd := enter(t, m, "   ")
	assert.Nil(t, cmd)
	assert.Empty(t, m.Lines())
}

func TestEndQuits(t *testing.T) {
	pub := &fakePublisher{}
	m := newModel(pub)
	_, cmd := enter(t, m, "end")
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	assert.True(t, ok)
	assert.Empty(t, pub.sent)
}

func TestQuitKey(t *testing.T) {
	m := newModel(&fakePublisher{})
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	assert.True(t, ok)
}

func TestIncomingEventsAreShownInOrder(t *testing.T) {
	feed := NewFeed(4)
	m := New(context.Background(), &fakePublisher{}, "me-id", feed, nil)

	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	feed.OnEvent(context.Background(), event.Event{Index: 0, Author: "10.0.0.2:5000", Timestamp: at, Payload: "first"})
	feed.OnEvent(context.Background(), event.Event{Index: 1, Author: "10.0.0.3:5000", Timestamp: at, Payload: "second"})

	for i := 0; i < 2; i++ {
		msg := m.waitEvent()()
		var cmd tea.Cmd
		m, cmd = update(t, m, msg)
		assert.NotNil(t, cmd)
	}

	require.Len(t, m.Lines(), 2)
	assert.Contains(t, m.Lines()[0], "first")
	assert.Contains(t, m.Lines()[0], "10.0.0.2:5000")
	assert.Contains(t, m.Lines()[1], "second")
}

func TestFeedGivesUpWhenContextEnds(t *testing.T) {
	feed := NewFeed(1)
	ctx, cancel := context.WithCancel(context.Background())
	feed.OnEvent(ctx, event.Event{Index: 0, Payload: "buffered"})

	returned := make(chan struct{})
	go func() {
		feed.OnEvent(ctx, event.Event{Index: 1, Payload: "nobody reads this"})
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatal("OnEvent returned while the feed was full")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("OnEvent still blocked after cancel")
	}
	assert.Len(t, feed, 1)
}

func TestStoppedShowsDisconnect(t *testing.T) {
	stopped := make(chan error, 1)
	stopped <- errors.New("poll failed 5 times")
	m := New(context.Background(), &fakePublisher{}, "me-id", nil, stopped)

	m, _ = update(t, m, m.waitStopped()())
	assert.False(t, m.connected)
	require.Len(t, m.Lines(), 1)
	assert.Contains(t, m.Lines()[0], "poll failed")
	assert.Contains(t, m.View(), "disconnected")
}

func TestWindowResize(t *testing.T) {
	m := newModel(&fakePublisher{})
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	assert.Equal(t, 100, m.view.Width)
	assert.Equal(t, 27, m.view.Height)
	assert.True(t, strings.Contains(m.View(), "10.0.0.1:4000"))
}
