package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/evebus/eve/internal/client"
	"github.com/evebus/eve/internal/discovery"
	"github.com/evebus/eve/internal/logging"
	"github.com/evebus/eve/internal/server"
)

type StatusOptions struct {
	*RootOptions
	Locator string
	Timeout time.Duration
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [locator]",
		Short: "Show a running broadcaster's health",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Locator = args[0]
			}
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "request timeout")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	ctx := cmd.Context()
	locator := locatorOr(opts.Locator, opts.Config.Client.Locator)

	url, err := discovery.Resolve(ctx, locator, discovery.DefaultLookupTimeout, logging.Module(opts.Log, "discovery"))
	if err != nil {
		return err
	}
	base, err := discovery.HTTPBase(url)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	h, err := client.NewStatusClient(base).Health(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(h)
	}
	return printHealth(cmd, base, h)
}

func printHealth(cmd *cobra.Command, base string, h *server.Health) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "broadcaster\t%s (%s)\n", base, h.Status)
	fmt.Fprintf(w, "started\t%s\n", humanize.Time(h.Broadcaster.StartedAt))
	fmt.Fprintf(w, "sessions\t%d\n", h.Broadcaster.Sessions)
	fmt.Fprintf(w, "connections\t%d\n", h.Connections)
	fmt.Fprintf(w, "events\t%s\n", humanize.Comma(int64(h.Broadcaster.Events)))
	fmt.Fprintf(w, "initial files\t%d\n", h.Broadcaster.InitialFiles)
	fmt.Fprintf(w, "pid\t%d\n", h.Process.PID)
	fmt.Fprintf(w, "rss\t%s\n", humanize.Bytes(h.Process.RSSBytes))
	fmt.Fprintf(w, "cpu\t%.1f%%\n", h.Process.CPUPercent)
	fmt.Fprintf(w, "goroutines\t%d\n", h.Process.Goroutines)
	return w.Flush()
}
