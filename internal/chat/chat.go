// Package chat is a line-based chat room on top of a client session: every
// line typed is published as an event and every event from another client
// is shown as a line. Typing "end" leaves the room.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/evebus/eve/internal/event"
)

// EndCommand typed on its own leaves the chat.
const EndCommand = "end"

// Publisher is the part of client.Session the chat needs.
type Publisher interface {
	PublishEvent(ctx context.Context, payload string) error
}

// Feed adapts a channel to client.Listener so the catch-up loop can hand
// events to the UI.
type Feed chan event.Event

func NewFeed(size int) Feed {
	return make(Feed, size)
}

// OnEvent gives up when ctx is done, so a session can leave while the UI
// is no longer reading.
func (f Feed) OnEvent(ctx context.Context, e event.Event) {
	select {
	case f <- e:
	case <-ctx.Done():
	}
}

// EventMsg carries one event from another client.
type EventMsg struct{ Event event.Event }

// StoppedMsg reports that the session's catch-up loop ended.
type StoppedMsg struct{ Err error }

type sentMsg struct {
	text string
	err  error
}

type Model struct {
	ctx      context.Context
	pub      Publisher
	feed     <-chan event.Event
	stopped  <-chan error
	identity string
	now      func() time.Time

	keys  KeyMap
	input textinput.Model
	view  viewport.Model
	lines []string

	width     int
	height    int
	connected bool
	err       error
}

// New builds the chat model. stopped may be nil.
func New(ctx context.Context, pub Publisher, identity string, feed <-chan event.Event, stopped <-chan error) Model {
	in := textinput.New()
	in.Placeholder = "say something, or \"end\" to leave"
	in.Prompt = "> "
	in.CharLimit = 4096
	in.Focus()

	return Model{
		ctx:       ctx,
		pub:       pub,
		feed:      feed,
		stopped:   stopped,
		identity:  identity,
		now:       time.Now,
		keys:      DefaultKeyMap(),
		input:     in,
		view:      viewport.New(80, 20),
		connected: true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitEvent(), m.waitStopped())
}

func (m Model) waitEvent() tea.Cmd {
	if m.feed == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-m.feed
		if !ok {
			return nil
		}
		return EventMsg{Event: e}
	}
}

func (m Model) waitStopped() tea.Cmd {
	if m.stopped == nil {
		return nil
	}
	return func() tea.Msg {
		return StoppedMsg{Err: <-m.stopped}
	}
}

func (m Model) publish(text string) tea.Cmd {
	return func() tea.Msg {
		return sentMsg{text: text, err: m.pub.PublishEvent(m.ctx, text)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.view.Width = msg.Width
		m.view.Height = max(msg.Height-3, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case EventMsg:
		m.appendLine(m.formatEvent(msg.Event))
		return m, m.waitEvent()

	case sentMsg:
		if msg.err != nil {
			m.appendLine(errorStyle.Render(fmt.Sprintf("not sent: %v", msg.err)))
		}
		return m, nil

	case StoppedMsg:
		m.connected = false
		m.err = msg.Err
		if msg.Err != nil {
			m.appendLine(errorStyle.Render(fmt.Sprintf("disconnected: %v", msg.Err)))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Send):
		text := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		if text == "" {
			return m, nil
		}
		if text == EndCommand {
			return m, tea.Quit
		}
		// Own lines are shown immediately; the broadcaster's echo is
		// filtered out by the session.
		m.appendLine(m.formatLine(m.now(), m.identity, text, true))
		return m, m.publish(text)

	case key.Matches(msg, m.keys.ScrollUp), key.Matches(msg, m.keys.ScrollDown):
		var cmd tea.Cmd
		m.view, cmd = m.view.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	m.refresh()
}

func (m *Model) refresh() {
	m.view.SetContent(strings.Join(m.lines, "\n"))
	m.view.GotoBottom()
}

func (m Model) formatEvent(e event.Event) string {
	return m.formatLine(e.Timestamp, e.Author, e.Payload, false)
}

func (m Model) formatLine(at time.Time, author, text string, self bool) string {
	name := peerStyle.Render(author)
	if self {
		name = selfStyle.Render("me")
	}
	return timeStyle.Render(at.Local().Format("15:04:05")) + " " + name + " " + textStyle.Render(text)
}

// Lines returns the rendered history, mostly for tests.
func (m Model) Lines() []string {
	return m.lines
}

func (m Model) View() string {
	var status string
	if m.connected {
		status = lipgloss.NewStyle().Foreground(ColorHealthy).Render("● " + m.identity)
	} else {
		status = lipgloss.NewStyle().Foreground(ColorDanger).Render("○ disconnected")
	}
	help := timeStyle.Render(fmt.Sprintf("%s %s  %s %s",
		m.keys.Send.Help().Key, m.keys.Send.Help().Desc,
		m.keys.Quit.Help().Key, m.keys.Quit.Help().Desc))
	sep := borderStyle.Render(" | ")

	return m.view.View() + "\n" + m.input.View() + "\n" + status + sep + help
}
