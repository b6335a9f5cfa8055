package objectstore

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := map[string]string{
		"outbox/a1/models":    "outbox/a1/models",
		"/outbox//a1/":        "outbox/a1",
		"outbox/../../etc":    "etc",
		`outbox\a1\forecasts`: "outbox/a1/forecasts",
		"":                    "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Clean(in), in)
	}
}

func TestLocal_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, b.WriteFile(ctx, "outbox/a1/forecasts/20260301000000.csv", []byte("date,temp\n")))
	require.NoError(t, b.WriteFile(ctx, "outbox/a1/models/20260301000000/checkpoint.pth", []byte("x")))

	entries, err := b.ReadDir(ctx, "outbox/a1")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Name: "forecasts", IsDir: true}, {Name: "models", IsDir: true}}, entries)

	require.NoError(t, b.Rename(ctx, "outbox/a1/forecasts/20260301000000.csv", "outbox/a1/forecasts/20260301000000.processed.csv"))
	_, err = b.ReadFile(ctx, "outbox/a1/forecasts/20260301000000.csv")
	assert.True(t, errors.Is(err, ErrNotExist))

	data, err := b.ReadFile(ctx, "outbox/a1/forecasts/20260301000000.processed.csv")
	require.NoError(t, err)
	assert.Equal(t, "date,temp\n", string(data))

	require.NoError(t, b.DeleteAll(ctx, "outbox/a1/models"))
	entries, err = b.ReadDir(ctx, "outbox/a1/models")
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Error(t, b.DeleteAll(ctx, "/"))
}

func TestLocal_MissingDirIsEmpty(t *testing.T) {
	b, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	entries, err := b.ReadDir(context.Background(), "outbox/nobody")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGCSEntryFor(t *testing.T) {
	e, ok := entryFor("outbox/a1/", &storage.ObjectAttrs{Prefix: "outbox/a1/models/"})
	assert.True(t, ok)
	assert.Equal(t, Entry{Name: "models", IsDir: true}, e)

	e, ok = entryFor("outbox/a1/", &storage.ObjectAttrs{Name: "outbox/a1/readme.txt"})
	assert.True(t, ok)
	assert.Equal(t, Entry{Name: "readme.txt"}, e)

	_, ok = entryFor("outbox/a1/", &storage.ObjectAttrs{Name: "outbox/a1/"})
	assert.False(t, ok)

	assert.Equal(t, "", dirPrefix("/"))
	assert.Equal(t, "outbox/", dirPrefix("outbox"))
}
