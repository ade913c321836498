package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evebus/eve/internal/event"
)

func fixtureEvents() []event.Event {
	t0 := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	return []event.Event{
		{Index: 0, Author: "10.0.0.5:41000", Timestamp: t0, Payload: "hello"},
		{Index: 1, Author: "10.0.0.7:52311", Timestamp: t0.Add(1500 * time.Millisecond), Payload: "world"},
		{Index: 2, Author: "10.0.0.5:41000", Timestamp: t0.Add(3 * time.Second), Payload: `{"op":"insert","at":3}`},
	}
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := OpenSQLite(filepath.Join(dir, "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"file":   NewFileStore(filepath.Join(dir, "nested", "snap.json")),
		"sqlite": sqlite,
	}
}

func assertSameEvents(t *testing.T, want, got []event.Event) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Same(got[i]), "event %d: want %v, got %v", i, want[i], got[i])
	}
}

func TestLoadEventsMissing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			events, err := s.LoadEvents(context.Background())
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestEventsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveEvents(ctx, fixtureEvents()))

			loaded, err := s.LoadEvents(ctx)
			require.NoError(t, err)
			assertSameEvents(t, fixtureEvents(), loaded)

			// A later checkpoint-on-drain overwrites the earlier one.
			more := append(fixtureEvents(), event.Event{Index: 3, Author: "10.0.0.9:6000", Timestamp: time.Now().UTC(), Payload: "late"})
			require.NoError(t, s.SaveEvents(ctx, more))
			loaded, err = s.LoadEvents(ctx)
			require.NoError(t, err)
			assertSameEvents(t, more, loaded)
		})
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			cp, err := s.LoadCheckpoint(ctx)
			require.NoError(t, err)
			assert.Nil(t, cp.Last)
			assert.Empty(t, cp.Own)

			want := fixtureEvents()[1]
			require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{Last: &want, Own: []int{2, 5}}))

			cp, err = s.LoadCheckpoint(ctx)
			require.NoError(t, err)
			require.NotNil(t, cp.Last)
			assert.True(t, want.Same(*cp.Last))
			assert.Equal(t, []int{2, 5}, cp.Own)

			// A later save replaces the own list as well.
			require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{Last: &want}))
			cp, err = s.LoadCheckpoint(ctx)
			require.NoError(t, err)
			assert.Empty(t, cp.Own)

			require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{Own: []int{0}}))
			cp, err = s.LoadCheckpoint(ctx)
			require.NoError(t, err)
			assert.Nil(t, cp.Last)
			assert.Equal(t, []int{0}, cp.Own)
		})
	}
}

func TestFileStoreCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path).LoadEvents(context.Background())
	assert.Error(t, err)
}

func TestFileStoreRejectsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	body := `{"version":1,"events":[{"index":0,"author":"a","timestamp":"2026-01-15T10:00:00Z","payload":"x"},{"index":5,"author":"a","timestamp":"2026-01-15T10:00:00Z","payload":"y"}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	_, err := NewFileStore(path).LoadEvents(context.Background())
	assert.Error(t, err)
}

func TestFileStoreRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99}`), 0o600))

	_, err := NewFileStore(path).LoadEvents(context.Background())
	assert.Error(t, err)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "snap.json"))
	require.NoError(t, s.SaveEvents(context.Background(), fixtureEvents()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "snap.json", entries[0].Name())
}

func TestSnapshotDocumentFormat(t *testing.T) {
	data, err := encodeEvents(fixtureEvents())
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "events", data)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open("file", filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open("sqlite", filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open("tape", filepath.Join(dir, "a.bin"))
	assert.Error(t, err)
}
