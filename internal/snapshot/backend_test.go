package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rec struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

var savedAt = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func roundTrip(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	key := Key("tasks", "p-1")

	_, _, ok, err := LoadRecords[rec](ctx, b, key)
	require.NoError(t, err)
	assert.False(t, ok, "nothing saved yet")

	in := []rec{{ID: "t-1", Title: "one"}, {ID: "t-2", Title: "two"}}
	require.NoError(t, SaveRecords(ctx, b, key, in, savedAt))
	out, at, ok, err := LoadRecords[rec](ctx, b, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, out)
	assert.True(t, at.Equal(savedAt))

	require.NoError(t, SaveRecords(ctx, b, key, in[:1], savedAt.Add(time.Minute)))
	out, _, _, err = LoadRecords[rec](ctx, b, key)
	require.NoError(t, err)
	assert.Equal(t, in[:1], out, "save replaces")

	other, _, ok, err := LoadRecords[rec](ctx, b, Key("tasks", "p-2"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, other)
}

func TestOpenMemory(t *testing.T) {
	b, err := Open("memory://")
	require.NoError(t, err)
	require.IsType(t, &MemoryBackend{}, b)
	roundTrip(t, b)
}

func TestOpenFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	b, err := Open("file://" + dir)
	require.NoError(t, err)
	require.IsType(t, &FileBackend{}, b)
	roundTrip(t, b)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tasks_p-1.json", entries[0].Name())
}

func TestOpenBarePathIsFileBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir)
	require.NoError(t, err)
	fb, ok := b.(*FileBackend)
	require.True(t, ok)
	assert.Equal(t, dir, fb.Dir)
}

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "snapshots.db")
	b, err := Open("sqlite://" + path)
	require.NoError(t, err)
	defer b.Close()
	roundTrip(t, b)
}

func TestOpenEmptyAndUnsupported(t *testing.T) {
	b, err := Open("  ")
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = Open("mysql://localhost/collab")
	assert.True(t, errors.Is(err, ErrNotImplemented))

	_, err = Open("gopher://x")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported"))

	pg, err := Open("postgres://localhost/collab?sslmode=disable")
	require.NoError(t, err, "postgres backend connects lazily")
	assert.NotNil(t, pg)
}

func TestRegisterOverridesScheme(t *testing.T) {
	mem := NewMemoryBackend()
	Register("custom", func(string) (Backend, error) { return mem, nil })
	b, err := Open("CUSTOM://anything")
	require.NoError(t, err)
	assert.Same(t, mem, b)
}

func TestLoadIgnoresOtherVersions(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Save(context.Background(), "k", []byte(`{"version":99,"records":[{"id":"x"}]}`)))
	_, _, ok, err := LoadRecords[rec](context.Background(), b, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Save(context.Background(), "k", []byte(`not json`)))
	_, _, _, err = LoadRecords[rec](context.Background(), b, "k")
	assert.Error(t, err)
}

func TestNilBackendIsNoop(t *testing.T) {
	require.NoError(t, SaveRecords(context.Background(), nil, "k", []rec{{ID: "a"}}, savedAt))
	_, _, ok, err := LoadRecords[rec](context.Background(), nil, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
