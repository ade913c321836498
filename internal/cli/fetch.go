package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evebus/eve/internal/client"
	"github.com/evebus/eve/internal/logging"
)

type FetchOptions struct {
	*RootOptions
	Locator string
	Dest    string
}

func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fetch [locator]",
		Short: "Download the broadcaster's initial files",
		Long: `Download every initial file the broadcaster offers into a directory,
keeping their relative layout, and print the directory they share.

Nothing is written unless every file downloads.

Examples:
  eve fetch --dest ./work
  eve fetch mdns:eve --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Locator = args[0]
			}
			return runFetch(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Dest, "dest", "d", "", "destination directory (default client.download_dir)")

	return cmd
}

type fetchResult struct {
	Root string `json:"root"`
}

func runFetch(cmd *cobra.Command, opts *FetchOptions) error {
	ctx := cmd.Context()
	cfg := opts.Config
	dest := opts.Dest
	if dest == "" {
		dest = cfg.Client.DownloadDir
	}

	s, err := client.Connect(ctx, locatorOr(opts.Locator, cfg.Client.Locator), client.Options{
		Logger: logging.Module(opts.Log, "fetch"),
	})
	if err != nil {
		return err
	}
	defer s.Close()

	root, err := s.FetchInitialFiles(ctx, dest)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(fetchResult{Root: root})
	}
	if root == "" {
		fmt.Fprintln(out, "no initial files")
		return nil
	}
	fmt.Fprintln(out, root)
	return nil
}
