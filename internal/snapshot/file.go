package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/evebus/eve/internal/event"
)

// documentVersion is bumped when the on-disk schema changes.
const documentVersion = 1

type document struct {
	Version int           `json:"version"`
	Events  []event.Event `json:"events,omitempty"`
	Last    *event.Event  `json:"last,omitempty"`
	Own     []int         `json:"own,omitempty"`
}

// FileStore keeps one JSON document at a fixed path. A broadcaster and a
// client must not share a path.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the full path of the document.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) LoadEvents(ctx context.Context) ([]event.Event, error) {
	doc, err := s.read()
	if err != nil || doc == nil {
		return nil, err
	}
	if err := event.Validate(doc.Events); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.path, err)
	}
	return doc.Events, nil
}

func (s *FileStore) SaveEvents(ctx context.Context, events []event.Event) error {
	data, err := encodeEvents(events)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *FileStore) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
	doc, err := s.read()
	if err != nil || doc == nil {
		return Checkpoint{}, err
	}
	return Checkpoint{Last: doc.Last, Own: doc.Own}, nil
}

func (s *FileStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	data, err := encode(document{Version: documentVersion, Last: cp.Last, Own: cp.Own})
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *FileStore) Close() error { return nil }

// read returns nil, nil when the document does not exist.
func (s *FileStore) read() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %w", s.path, err)
	}
	if doc.Version > documentVersion {
		return nil, fmt.Errorf("snapshot %s has version %d, newest supported is %d", s.path, doc.Version, documentVersion)
	}
	return &doc, nil
}

// write replaces the document using a temp-file-then-rename so a crash
// never leaves a truncated snapshot behind.
func (s *FileStore) write(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".eve-snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	committed = true

	return nil
}

func encodeEvents(events []event.Event) ([]byte, error) {
	return encode(document{Version: documentVersion, Events: events})
}

func encode(doc document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot: %w", err)
	}
	return append(data, '\n'), nil
}
