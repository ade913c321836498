package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evebus/eve/internal/broadcast"
	"github.com/evebus/eve/internal/catalog"
	"github.com/evebus/eve/internal/event"
	"github.com/evebus/eve/internal/server"
	"github.com/evebus/eve/internal/snapshot"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eve.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sampleEvents() []event.Event {
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	return []event.Event{
		{Index: 0, Author: "10.0.0.1:4000", Timestamp: at, Payload: "hello"},
		{Index: 1, Author: "10.0.0.2:4000", Timestamp: at.Add(time.Second), Payload: "hi"},
		{Index: 2, Author: "10.0.0.1:4000", Timestamp: at.Add(2 * time.Second), Payload: "bye"},
	}
}

func TestDumpText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, snapshot.NewFileStore(path).SaveEvents(context.Background(), sampleEvents()))
	cfg := writeConfig(t, "")

	out, err := execute(t, "--config", cfg, "dump", path)
	require.NoError(t, err)
	assert.Contains(t, out, "INDEX")
	assert.Contains(t, out, "10.0.0.2:4000")
	assert.Contains(t, out, `"bye"`)
	assert.Contains(t, out, "2026-01-15T10:00:01Z")
}

func TestDumpTailJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, snapshot.NewFileStore(path).SaveEvents(context.Background(), sampleEvents()))
	cfg := writeConfig(t, "")

	out, err := execute(t, "--config", cfg, "--format", "json", "dump", "--tail", "2", path)
	require.NoError(t, err)

	var got []event.Event
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, "bye", got[1].Payload)
}

func TestDumpSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eve.db")
	store, err := snapshot.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveEvents(context.Background(), sampleEvents()))
	require.NoError(t, store.Close())
	cfg := writeConfig(t, "")

	out, err := execute(t, "--config", cfg, "dump", "--backend", "sqlite", path)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(strings.TrimSpace(out), "\n")+1)
}

func TestDumpMissingSnapshot(t *testing.T) {
	cfg := writeConfig(t, "")
	out, err := execute(t, "--config", cfg, "dump", filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "no events")
}

func TestDumpCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.json")
	last := sampleEvents()[1]
	require.NoError(t, snapshot.NewFileStore(path).SaveCheckpoint(context.Background(), snapshot.Checkpoint{Last: &last}))
	cfg := writeConfig(t, "client:\n  checkpoint_path: "+path+"\n")

	out, err := execute(t, "--config", cfg, "dump", "--checkpoint")
	require.NoError(t, err)
	assert.Contains(t, out, `"hi"`)
	assert.NotContains(t, out, `"hello"`)
}

func startBroadcaster(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	root := t.TempDir()
	for p, body := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(body), 0o644))
	}
	cat, err := catalog.Scan(root)
	require.NoError(t, err)

	b, err := broadcast.New(context.Background(), broadcast.Options{
		Store:   snapshot.NewFileStore(filepath.Join(t.TempDir(), "events.json")),
		Catalog: cat,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.New(b, nil, zerolog.Nop()).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestFetchCommand(t *testing.T) {
	ts := startBroadcaster(t, map[string]string{
		"a/b.txt": "bee",
		"a/c.txt": "sea",
	})
	dest := t.TempDir()
	cfg := writeConfig(t, "")

	out, err := execute(t, "--config", cfg, "fetch", ts.URL, "--dest", dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "a"), strings.TrimSpace(out))

	data, err := os.ReadFile(filepath.Join(dest, "a", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "sea", string(data))
}

func TestFetchCommandNoFiles(t *testing.T) {
	ts := startBroadcaster(t, nil)
	cfg := writeConfig(t, "")

	out, err := execute(t, "--config", cfg, "--format", "json", "fetch", ts.URL, "--dest", t.TempDir())
	require.NoError(t, err)

	var got fetchResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Empty(t, got.Root)
}

func TestStatusCommand(t *testing.T) {
	ts := startBroadcaster(t, map[string]string{"x.txt": "x"})
	cfg := writeConfig(t, "")

	out, err := execute(t, "--config", cfg, "status", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "(ok)")
	assert.Contains(t, out, "initial files")
	assert.Contains(t, out, "goroutines")

	out, err = execute(t, "--config", cfg, "--format", "json", "status", ts.URL)
	require.NoError(t, err)
	var h server.Health
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Broadcaster.InitialFiles)
}

func TestStatusUnreachable(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := execute(t, "--config", cfg, "status", "127.0.0.1:1", "--timeout", "1s")
	require.Error(t, err)
}
