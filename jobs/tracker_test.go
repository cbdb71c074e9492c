package jobs

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/poiesic/ingest/core"
	"github.com/poiesic/ingest/storage"
	"github.com/poiesic/ingest/storage/badger"
	"github.com/poiesic/ingest/storage/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T) (*Tracker, storage.ChunkStore) {
	t.Helper()
	store, err := badger.NewMemoryChunkStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tracker, err := NewTracker(store)
	require.NoError(t, err)
	return tracker, store
}

// settle claims every queued chunk and records the outcomes in order:
// true vectorizes, false fails.
func settle(t *testing.T, store storage.ChunkStore, outcomes ...bool) {
	t.Helper()
	ctx := context.Background()
	claimed, err := store.ClaimNext(ctx, len(outcomes), "test-worker")
	require.NoError(t, err)
	require.Len(t, claimed, len(outcomes))
	for i, c := range claimed {
		if outcomes[i] {
			require.NoError(t, store.MarkVectorized(ctx, c.ID, c.ClaimToken(), []float32{1, 2, 3}))
		} else {
			require.NoError(t, store.MarkFailed(ctx, c.ID, c.ClaimToken(), "permanent provider failure: bad key", core.StatusFailed, time.Time{}))
		}
	}
}

func TestNewTracker_RequiresStore(t *testing.T) {
	_, err := NewTracker(nil)
	assert.ErrorIs(t, err, ErrStoreRequired)
}

func TestStatus(t *testing.T) {
	tracker, store := newTracker(t)
	ctx := context.Background()
	require.NoError(t, store.CreateBatch(ctx, storetest.NewChunks("doc", "job-1", 3)...))

	report, err := tracker.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, report.State)
	assert.Equal(t, 3, report.Counts.Queued)
	assert.Equal(t, 3, report.Total)

	settle(t, store, true, true, false)

	report, err = tracker.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleteWithFailures, report.State)
	assert.Equal(t, Counts{Vectorized: 2, Failed: 1}, report.Counts)

	failures, err := tracker.Failures(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "doc", failures[0].DocumentID)
	assert.Contains(t, failures[0].Error, "bad key")
}

func TestStatus_NotFound(t *testing.T) {
	tracker, _ := newTracker(t)

	_, err := tracker.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = tracker.Failures(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestWatch_ReportsUntilDone(t *testing.T) {
	tracker, store := newTracker(t)
	ctx := context.Background()
	require.NoError(t, store.CreateBatch(ctx, storetest.NewChunks("doc", "job-w", 2)...))

	go func() {
		time.Sleep(30 * time.Millisecond)
		claimed, err := store.ClaimNext(ctx, 2, "w")
		if err != nil {
			return
		}
		for _, c := range claimed {
			_ = store.MarkVectorized(ctx, c.ID, c.ClaimToken(), []float32{1})
		}
	}()

	var buf bytes.Buffer
	report, err := tracker.Watch(ctx, "job-w", 5*time.Millisecond, &buf)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, report.State)

	out := buf.String()
	assert.Contains(t, out, "Progress: 0/2 (0.0%)")
	assert.Contains(t, out, "Progress: 2/2 (100.0%)")
	assert.Contains(t, out, "\n")
}

func TestWait_ContextCanceled(t *testing.T) {
	tracker, store := newTracker(t)
	require.NoError(t, store.CreateBatch(context.Background(), storetest.NewChunks("doc", "job-c", 1)...))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report, err := tracker.Wait(ctx, "job-c", 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatePending, report.State)
}

func TestWait_InvalidInterval(t *testing.T) {
	tracker, _ := newTracker(t)
	_, err := tracker.Wait(context.Background(), "job", 0)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}
