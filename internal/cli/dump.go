package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/evebus/eve/internal/event"
	"github.com/evebus/eve/internal/snapshot"
)

type DumpOptions struct {
	*RootOptions
	Backend    string
	Checkpoint bool
	Tail       int
}

func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump [path]",
		Short: "Print a saved event log or client checkpoint",
		Long: `Print the events in a broadcaster snapshot, or with --checkpoint the last
event a client saved. The path defaults to the configured snapshot or
checkpoint path.

Examples:
  eve dump
  eve dump ./eve.db --backend sqlite --tail 20
  eve dump --checkpoint --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Backend, "backend", "", "snapshot backend: file|sqlite (default from config)")
	cmd.Flags().BoolVar(&opts.Checkpoint, "checkpoint", false, "read a client checkpoint instead of an event log")
	cmd.Flags().IntVarP(&opts.Tail, "tail", "n", 0, "only the last n events (0 = all)")

	return cmd
}

func runDump(cmd *cobra.Command, opts *DumpOptions, args []string) error {
	ctx := cmd.Context()
	cfg := opts.Config

	backend, path := cfg.Broadcaster.SnapshotBackend, cfg.Broadcaster.SnapshotPath
	if opts.Checkpoint {
		backend, path = cfg.Client.CheckpointBackend, cfg.Client.CheckpointPath
	}
	if opts.Backend != "" {
		backend = opts.Backend
	}
	if len(args) == 1 {
		path = args[0]
	}

	store, err := snapshot.Open(backend, path)
	if err != nil {
		return err
	}
	defer store.Close()

	var events []event.Event
	if opts.Checkpoint {
		cp, err := store.LoadCheckpoint(ctx)
		if err != nil {
			return err
		}
		if cp.Last != nil {
			events = []event.Event{*cp.Last}
		}
	} else {
		events, err = store.LoadEvents(ctx)
		if err != nil {
			return err
		}
		if opts.Tail > 0 && len(events) > opts.Tail {
			events = events[len(events)-opts.Tail:]
		}
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		if events == nil {
			events = []event.Event{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "no events")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tTIME\tAUTHOR\tPAYLOAD")
	for _, e := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%q\n", e.Index, e.Timestamp.UTC().Format(time.RFC3339), e.Author, e.Payload)
	}
	return w.Flush()
}
