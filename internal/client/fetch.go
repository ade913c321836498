package client

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/evebus/eve/internal/catalog"
)

// FetchInitialFiles downloads the broadcaster's initial files under dest,
// keeping their relative layout, and returns the directory they have in
// common. It returns "" when there are no initial files. Files are staged
// first and only moved into dest once every download succeeded, so a
// failed fetch leaves dest as it was.
func (s *Session) FetchInitialFiles(ctx context.Context, dest string) (string, error) {
	paths, err := s.b.InitialFiles(ctx)
	if err != nil {
		return "", fmt.Errorf("listing initial files: %w", err)
	}
	if len(paths) == 0 {
		s.logger.Info().Msg("broadcaster offers no initial files")
		return "", nil
	}

	stage, err := catalog.NewStaging(dest)
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		data, ok, err := s.b.InitialFile(ctx, p)
		if err != nil {
			stage.Discard()
			return "", fmt.Errorf("fetching %s: %w", p, err)
		}
		if !ok {
			stage.Discard()
			return "", fmt.Errorf("initial file %s is unavailable", p)
		}
		if err := stage.Write(p, data); err != nil {
			stage.Discard()
			return "", err
		}
		s.logger.Debug().Str("path", p).Str("size", humanize.Bytes(uint64(len(data)))).Msg("initial file fetched")
	}
	if err := stage.Commit(); err != nil {
		stage.Discard()
		return "", err
	}

	root := filepath.Join(dest, filepath.FromSlash(catalog.CommonRoot(paths)))
	s.logger.Info().
		Int("files", len(paths)).
		Str("total", humanize.Bytes(uint64(stage.Bytes()))).
		Str("root", root).
		Msg("initial files fetched")
	return root, nil
}
