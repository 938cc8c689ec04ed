package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedspider/internal/hash/sha256"
	"github.com/JakeFAU/feedspider/internal/progress"
	"github.com/JakeFAU/feedspider/internal/storage/memory"
)

func TestResultSinkWritesSuccesses(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	sink := NewResultSink(store, sha256.New(), "results", nil)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	batch := []progress.Event{
		{Type: progress.JobStart, SpiderID: "sp", JobID: "j1", TS: now},
		{
			Type: progress.JobSuccess, SpiderID: "sp", JobID: "j1", TS: now,
			URL: "https://example.com/item", Status: 200, Retries: 1,
			Data: map[string]any{"price": 9.99},
		},
		{Type: progress.JobFail, SpiderID: "sp", JobID: "j2", TS: now, Err: errors.New("status 500")},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	paths := store.Paths()
	require.Len(t, paths, 1)
	assert.Regexp(t, `^results/sp/[0-9a-f]{16}-j1\.json$`, paths[0])

	raw, ok := store.Get(paths[0])
	require.True(t, ok)
	var got Result
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "https://example.com/item", got.URL)
	assert.Equal(t, 1, got.Retries)
	assert.Equal(t, now, got.FetchedAt)
	assert.Equal(t, map[string]any{"price": 9.99}, got.Data)
	assert.Equal(t, "results/sp/44c380831c7ef26e-j1.json", paths[0])
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("disk full")
}

func TestResultSinkPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	sink := NewResultSink(failingStore{}, nil, "", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{Type: progress.JobSuccess, SpiderID: "sp", JobID: "j1", TS: time.Now()},
	})
	require.ErrorContains(t, err, "disk full")
}
