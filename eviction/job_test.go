package eviction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/blob"
	"courier/relay"
)

func newJob(t *testing.T, mem *relay.Memory, blobs blob.Store, now time.Time) *Job {
	t.Helper()

	job, err := New(Config{
		Relay: mem,
		Blobs: blobs,
		Now:   func() time.Time { return now },
	})
	require.NoError(t, err)
	return job
}

func mediaRow(id string, createdAt int64, fileURL string) relay.Row {
	return relay.Row{
		ID:         id,
		ChatID:     "c1",
		SenderID:   "u1",
		ReceiverID: "u2",
		Ciphertext: []byte("sealed"),
		IV:         []byte("iv"),
		Type:       "image",
		CreatedAt:  createdAt,
		ExpiresAt:  createdAt + (30 * 24 * time.Hour).Milliseconds(),
		FileURL:    fileURL,
		Thumbnail:  "thumb-" + id,
		FileSize:   512,
	}
}

func TestSweepEvictsOldMedia(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	mem := relay.NewMemory()
	blobs := blob.NewMemoryStore()

	// 25 hours old with media: past the 24h retention.
	oldCreated := now.Add(-25 * time.Hour).UnixMilli()
	_, err := blobs.Upload(ctx, "media/old.jpg", []byte("jpeg"))
	require.NoError(t, err)
	require.NoError(t, mem.Insert(ctx, mediaRow("msg-old", oldCreated, "media/old.jpg")))

	// 1 hour old with media: retained.
	freshCreated := now.Add(-time.Hour).UnixMilli()
	_, err = blobs.Upload(ctx, "media/fresh.jpg", []byte("jpeg"))
	require.NoError(t, err)
	require.NoError(t, mem.Insert(ctx, mediaRow("msg-fresh", freshCreated, "media/fresh.jpg")))

	// Old but no media: nothing to evict.
	textRow := mediaRow("msg-text", oldCreated, "")
	textRow.Thumbnail = ""
	require.NoError(t, mem.Insert(ctx, textRow))

	job := newJob(t, mem, blobs, now)
	evicted, err := job.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	// Blob removed, reference nulled, row otherwise intact.
	assert.False(t, blobs.Has("media/old.jpg"))
	row, ok := mem.Get("msg-old")
	require.True(t, ok)
	assert.Empty(t, row.FileURL)
	assert.Empty(t, row.Thumbnail)
	assert.Equal(t, []byte("sealed"), row.Ciphertext)
	assert.Equal(t, int64(512), row.FileSize)
	assert.Equal(t, oldCreated, row.CreatedAt)

	// Fresh media untouched.
	assert.True(t, blobs.Has("media/fresh.jpg"))
	fresh, ok := mem.Get("msg-fresh")
	require.True(t, ok)
	assert.Equal(t, "media/fresh.jpg", fresh.FileURL)
}

func TestSweepToleratesPartialFailure(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	mem := relay.NewMemory()
	blobs := blob.NewMemoryStore()
	blobs.FailPaths = map[string]bool{"media/a.jpg": true}

	created := now.Add(-25 * time.Hour).UnixMilli()
	for _, path := range []string{"media/a.jpg", "media/b.jpg", "media/c.jpg"} {
		_, err := blobs.Upload(ctx, path, []byte("jpeg"))
		require.NoError(t, err)
		require.NoError(t, mem.Insert(ctx, mediaRow("msg-"+path, created, path)))
	}

	job := newJob(t, mem, blobs, now)
	evicted, err := job.Sweep(ctx)
	require.Error(t, err, "the failed item surfaces in the sweep error")
	assert.Equal(t, 2, evicted)

	// The failed item keeps its reference and blob for the next interval.
	row, ok := mem.Get("msg-media/a.jpg")
	require.True(t, ok)
	assert.Equal(t, "media/a.jpg", row.FileURL)
	assert.True(t, blobs.Has("media/a.jpg"))

	// Next interval retries and succeeds.
	evicted, err = job.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.False(t, blobs.Has("media/a.jpg"))
}

func TestSweepStopsBetweenItemsOnCancel(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	mem := relay.NewMemory()
	blobs := blob.NewMemoryStore()

	created := now.Add(-25 * time.Hour).UnixMilli()
	ctx := context.Background()
	_, err := blobs.Upload(ctx, "media/a.jpg", []byte("jpeg"))
	require.NoError(t, err)
	require.NoError(t, mem.Insert(ctx, mediaRow("msg-a", created, "media/a.jpg")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	job := newJob(t, mem, blobs, now)
	_, err = job.Sweep(cancelled)
	require.Error(t, err)

	// Nothing half-done: blob and reference both still present.
	assert.True(t, blobs.Has("media/a.jpg"))
	row, ok := mem.Get("msg-a")
	require.True(t, ok)
	assert.Equal(t, "media/a.jpg", row.FileURL)
}

func TestRunSweepsOnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.UnixMilli(1_700_000_000_000)
	mem := relay.NewMemory()
	blobs := blob.NewMemoryStore()

	created := now.Add(-25 * time.Hour).UnixMilli()
	_, err := blobs.Upload(ctx, "media/a.jpg", []byte("jpeg"))
	require.NoError(t, err)
	require.NoError(t, mem.Insert(ctx, mediaRow("msg-a", created, "media/a.jpg")))

	job, err := New(Config{
		Relay:    mem,
		Blobs:    blobs,
		Now:      func() time.Time { return now },
		Interval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		job.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		row, ok := mem.Get("msg-a")
		return ok && row.FileURL == ""
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
