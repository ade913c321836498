package cli

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/evebus/eve/internal/config"
	"github.com/evebus/eve/internal/logging"
)

// RootOptions holds global flags and the state they produce.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string // "text" | "json"

	Config *config.Config
	Log    zerolog.Logger

	// LogWriter overrides stderr, for tests.
	LogWriter io.Writer
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the eve command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "eve",
		Short: "eve - ordered event broadcast",
		Long: `A broadcaster orders the events its clients publish into one log and
delivers every event to every other client, replaying the backlog on join.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.Log.Level = opts.LogLevel
			}
			w := opts.LogWriter
			if w == nil {
				w = os.Stderr
			}
			opts.Config = cfg
			opts.Log = logging.NewWithWriter(cfg.Log, w)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "eve.yaml", "config file (missing file means defaults)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewChatCommand(opts))
	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))

	return cmd
}
