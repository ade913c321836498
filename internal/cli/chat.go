package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/evebus/eve/internal/broadcast"
	"github.com/evebus/eve/internal/chat"
	"github.com/evebus/eve/internal/client"
	"github.com/evebus/eve/internal/logging"
	"github.com/evebus/eve/internal/snapshot"
)

// leaveTimeout bounds the leave and checkpoint write after the UI exits.
const leaveTimeout = 10 * time.Second

type ChatOptions struct {
	*RootOptions
	Locator string
}

func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChatOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "chat [locator]",
		Short: "Join a broadcaster and chat",
		Long: `Join a broadcaster and exchange lines with the other clients.

Every line typed is published as one event. Lines from other clients are
shown as they arrive, starting with whatever was published since the last
run. Type "end" or press esc to leave.

The locator is mdns:<name>, a ws:// or http:// URL, or host:port.

Examples:
  eve chat
  eve chat mdns:eve
  eve chat 192.168.1.20:7070`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Locator = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, opts)
		},
	}

	return cmd
}

func runChat(ctx context.Context, opts *ChatOptions) (err error) {
	cfg := opts.Config
	log := logging.Module(opts.Log, "chat")

	store, err := snapshot.Open(cfg.Client.CheckpointBackend, cfg.Client.CheckpointPath)
	if err != nil {
		return err
	}
	defer store.Close()

	feed := chat.NewFeed(256)
	stopped := make(chan error, 1)

	s, err := client.Connect(ctx, locatorOr(opts.Locator, cfg.Client.Locator), client.Options{
		Listener:        feed,
		Checkpoint:      store,
		MaxPollFailures: cfg.Client.MaxPollFailures,
		OnError:         func(err error) { stopped <- err },
		Logger:          logging.Module(opts.Log, "session"),
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Join(ctx); err != nil {
		return err
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		defer cancel()
		if lerr := s.Leave(leaveCtx); lerr != nil && !errors.Is(lerr, broadcast.ErrNotJoined) {
			err = errors.Join(err, lerr)
		}
	}()

	log.Info().Str("identity", s.Identity()).Msg("joined")

	model := chat.New(ctx, s, s.Identity(), feed, stopped)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func locatorOr(flag, configured string) string {
	if flag != "" {
		return flag
	}
	return configured
}
