package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evebus/eve/internal/broadcast"
	"github.com/evebus/eve/internal/catalog"
	"github.com/evebus/eve/internal/config"
	"github.com/evebus/eve/internal/discovery"
	"github.com/evebus/eve/internal/logging"
	"github.com/evebus/eve/internal/server"
	"github.com/evebus/eve/internal/snapshot"
)

type ServeOptions struct {
	*RootOptions
	Port      int
	Files     string
	Snapshot  string
	Backend   string
	Advertise bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a broadcaster",
		Long: `Run a broadcaster until interrupted.

The event log is loaded from the snapshot at startup and written back
whenever the last client leaves, and once more on shutdown.

Examples:
  eve serve
  eve serve --port 9000 --files ./initial --advertise
  eve serve --backend sqlite --snapshot ./eve.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			opts.apply(cmd)
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "listen port (overrides server.port)")
	cmd.Flags().StringVar(&opts.Files, "files", "", "initial files root (overrides broadcaster.initial_files_root)")
	cmd.Flags().StringVar(&opts.Snapshot, "snapshot", "", "snapshot path (overrides broadcaster.snapshot_path)")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "snapshot backend: file|sqlite")
	cmd.Flags().BoolVar(&opts.Advertise, "advertise", false, "announce server.name over mDNS")

	return cmd
}

func (o *ServeOptions) apply(cmd *cobra.Command) {
	cfg := o.Config
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = o.Port
	}
	if o.Files != "" {
		cfg.Broadcaster.InitialFilesRoot = o.Files
	}
	if o.Snapshot != "" {
		cfg.Broadcaster.SnapshotPath = o.Snapshot
	}
	if o.Backend != "" {
		cfg.Broadcaster.SnapshotBackend = o.Backend
	}
	if o.Advertise {
		cfg.Server.Advertise = true
	}
}

// reloadedLevel is the log level to apply after the config file changed.
// An explicit --log-level wins over the file.
func (o *ServeOptions) reloadedLevel(c *config.Config) string {
	if o.LogLevel != "" {
		return o.LogLevel
	}
	return c.Log.Level
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := opts.Log

	store, err := snapshot.Open(cfg.Broadcaster.SnapshotBackend, cfg.Broadcaster.SnapshotPath)
	if err != nil {
		return err
	}
	defer store.Close()

	cat, err := catalog.Scan(cfg.Broadcaster.InitialFilesRoot)
	if err != nil {
		return err
	}

	b, err := broadcast.New(ctx, broadcast.Options{
		Store:        store,
		Catalog:      cat,
		PollTimeout:  cfg.Broadcaster.PollTimeout,
		PublishRate:  cfg.Broadcaster.PublishRate,
		PublishBurst: cfg.Broadcaster.PublishBurst,
		Logger:       logging.Module(log, "broadcaster"),
	})
	if err != nil {
		return err
	}

	if cfg.Server.Advertise {
		adv, err := discovery.Advertise(cfg.Server.Name, cfg.Server.Port, logging.Module(log, "discovery"))
		if err != nil {
			return err
		}
		defer adv.Shutdown()
	}

	go func() {
		err := config.Watch(ctx, opts.ConfigPath, logging.Module(log, "config"), func(c *config.Config) {
			level := opts.reloadedLevel(c)
			logging.SetLevel(level)
			log.Info().Str("level", level).Msg("log level reloaded")
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("config watch disabled")
		}
	}()

	srv := server.New(b, cfg.Server.AllowedOrigins, logging.Module(log, "server"))
	return srv.ListenAndServe(ctx, cfg.Addr())
}
