// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storetest holds the behavioural test suite every
// storage.ChunkStore implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/ingest/core"
	"github.com/poiesic/ingest/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StaleAfter is the claim staleness threshold stores under test must use.
const StaleAfter = time.Minute

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory opens an empty store that reads time from clock and treats
// claims older than StaleAfter as stale. The store is closed by the suite.
type Factory func(t *testing.T, clock func() time.Time) storage.ChunkStore

// NewChunk builds a valid queued chunk.
func NewChunk(documentID, jobID string, index int, text string) *core.ChunkRecord {
	return &core.ChunkRecord{
		ID:         core.NewChunkID(),
		DocumentID: documentID,
		Index:      index,
		Text:       text,
		TokenCount: 1,
		TokenRange: core.TokenRange{Start: index, End: index + 1},
		Metadata: core.Metadata{
			SourceMetadata: core.SourceMetadata{SourceType: core.SourceTypeText},
			Language:       core.LanguageEnglish,
			Checksum:       core.Checksum(text),
			JobID:          jobID,
		},
		Status: core.StatusQueued,
	}
}

// NewChunks builds n queued chunks of one document and job.
func NewChunks(documentID, jobID string, n int) []*core.ChunkRecord {
	out := make([]*core.ChunkRecord, n)
	for i := range out {
		out[i] = NewChunk(documentID, jobID, i, fmt.Sprintf("chunk number %d.", i))
	}
	return out
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store storage.ChunkStore, clock *Clock)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateBatchDuplicateID", testCreateBatchDuplicateID},
		{"CreateBatchDuplicateIndex", testCreateBatchDuplicateIndex},
		{"CreateBatchInvalid", testCreateBatchInvalid},
		{"GetChunkNotFound", testGetChunkNotFound},
		{"ClaimNext", testClaimNext},
		{"ClaimNextInvalid", testClaimNextInvalid},
		{"ClaimRetryingWhenDue", testClaimRetryingWhenDue},
		{"ClaimStale", testClaimStale},
		{"StaleWriteBackRejected", testStaleWriteBackRejected},
		{"SameWorkerReclaimRejected", testSameWorkerReclaimRejected},
		{"MarkVectorized", testMarkVectorized},
		{"MarkTransitions", testMarkTransitions},
		{"MarkFailed", testMarkFailed},
		{"JobStatuses", testJobStatuses},
		{"DocumentChecksums", testDocumentChecksums},
		{"RequeueFailed", testRequeueFailed},
		{"ConcurrentClaimExclusive", testConcurrentClaimExclusive},
		{"Closed", testClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewClock()
			store := newStore(t, clock.Now)
			defer store.Close()
			tt.fn(t, store, clock)
		})
	}
}

func testCreateAndGet(t *testing.T, store storage.ChunkStore, _ *Clock) {
	ctx := context.Background()
	chunks := NewChunks("doc-1", "job-1", 3)
	require.NoError(t, store.CreateBatch(ctx, chunks...))

	for _, c := range chunks {
		got, err := store.GetChunk(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		assert.Equal(t, c.Text, got.Text)
		assert.Equal(t, c.Index, got.Index)
		assert.Equal(t, c.TokenRange, got.TokenRange)
		assert.Equal(t, c.Metadata, got.Metadata)
		assert.Equal(t, core.StatusQueued, got.Status)
		assert.False(t, got.CreatedAt.IsZero())
	}

	require.NoError(t, store.CreateBatch(ctx))
}

func testCreateBatchDuplicateID(t *testing.T, store storage.ChunkStore, _ *Clock) {
	ctx := context.Background()
	first := NewChunk("doc-1", "job-1", 0, "first.")
	require.NoError(t, store.CreateBatch(ctx, first))

	fresh := NewChunk("doc-1", "job-1", 1, "fresh.")
	dup := NewChunk("doc-2", "job-1", 0, "dup.")
	dup.ID = first.ID

	err := store.CreateBatch(ctx, fresh, dup)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	_, err = store.GetChunk(ctx, fresh.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "batch must be all-or-nothing")
}

func testCreateBatchDuplicateIndex(t *testing.T, store storage.ChunkStore, _ *Clock) {
	ctx := context.Background()
	a := NewChunk("doc-1", "job-1", 0, "a.")
	b := NewChunk("doc-1", "job-1", 0, "b.")

	err := store.CreateBatch(ctx, a, b)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	_, err = store.GetChunk(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCreateBatchInvalid(t *testing.T, store storage.ChunkStore, _ *Clock) {
	c := NewChunk("doc-1", "job-1", 0, "text.")
	c.Metadata.Checksum = "wrong"
	err := store.CreateBatch(context.Background(), c)
	assert.ErrorIs(t, err, core.ErrInvalidChunk)
}

func testGetChunkNotFound(t *testing.T, store storage.ChunkStore, _ *Clock) {
	_, err := store.GetChunk(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testClaimNext(t *testing.T, store storage.ChunkStore, _ *Clock) {
	ctx := context.Background()
	require.NoError(t, store.CreateBatch(ctx, NewChunks("doc-1", "job-1", 5)...))

	first, err := store.ClaimNext(ctx, 3, "w1")
	require.NoError(t, err)
	require.Len(t, first, 3)
	for _, c := range first {
		assert.Equal(t, core.StatusProcessing, c.Status)
		assert.Equal(t, "w1", c.ClaimedBy)

		stored, err := store.GetChunk(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusProcessing, stored.Status)
		assert.Equal(t, "w1", stored.ClaimedBy)
	}

	second, err := store.ClaimNext(ctx, 3, "w2")
	require.NoError(t, err)
	require.Len(t, second, 2)

	seen := map[string]bool{}
	for _, c := range append(first, second...) {
		assert.False(t, seen[c.ID], "chunk %s claimed twice", c.ID)
		seen[c.ID] = true
	}

	empty, err := store.ClaimNext(ctx, 3, "w3")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testClaimNextInvalid(t *testing.T, store storage.ChunkStore, _ *Clock) {
	ctx := context.Background()
	_, err := store.ClaimNext(ctx, 0, "w1")
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
	_, err = store.ClaimNext(ctx, 1, "")
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func testClaimRetryingWhenDue(t *testing.T, store storage.ChunkStore, clock *Clock) {
	ctx := context.Background()
	c := NewChunk("doc-1", "job-1", 0, "retry me.")
	require.NoError(t, store.CreateBatch(ctx, c))

	claimed, err := store.ClaimNext(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	retryAt := clock.Now().Add(10 * time.Second)
	require.NoError(t, store.MarkFailed(ctx, c.ID, claimed[0].ClaimToken(), "timeout", core.StatusRetrying, retryAt))

	claimed, err = store.ClaimNext(ctx, 1, "w1")
	require.NoError(t, err)
	assert.Empty(t, claimed, "not due yet")

	clock.Advance(10 * time.Second)
	claimed, err = store.ClaimNext(ctx, 1, "w2")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, c.ID, claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Empty(t, claimed[0].Error)
}

func testClaimStale(t *testing.T, store storage.ChunkStore, clock *Clock) {
	ctx := context.Background()
	c := NewChunk("doc-1", "job-1", 0, "stale claim.")
	require.NoError(t, store.CreateBatch(ctx, c))

	claimed, err := store.ClaimNext(ctx, 1, "crashed")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clock.Advance(StaleAfter / 2)
	claimed, err = store.ClaimNext(ctx, 1, "w2")
	require.NoError(t, err)
	assert.Empty(t, claimed, "claim still fresh")

	clock.Advance(StaleAfter)
	claimed, err = store.ClaimNext(ctx, 1, "w2")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "w2", claimed[0].ClaimedBy)
}

func testStaleWriteBackRejected(t *testing.T, store storage.ChunkStore, clock *Clock) {
	ctx := context.Background()
	c := NewChunk("doc-1", "job-1", 0, "slow worker.")
	require.NoError(t, store.CreateBatch(ctx, c))

	first, err := store.ClaimNext(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(2 * StaleAfter)
	second, err := store.ClaimNext(ctx, 1, "w2")
	require.NoError(t, err)
	require.Len(t, second, 1)

	err = store.MarkFailed(ctx, c.ID, first[0].ClaimToken(), "timeout", core.StatusRetrying, clock.Now())
	assert.ErrorIs(t, err, storage.ErrClaimLost)
	err = store.MarkVectorized(ctx, c.ID, first[0].ClaimToken(), []float32{9})
	assert.ErrorIs(t, err, storage.ErrClaimLost)

	got, err := store.GetChunk(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusProcessing, got.Status)
	assert.Equal(t, "w2", got.ClaimedBy)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.Error)

	require.NoError(t, store.MarkVectorized(ctx, c.ID, second[0].ClaimToken(), []float32{1, 2}))
	got, err = store.GetChunk(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusVectorized, got.Status)
	assert.Zero(t, got.Attempts)

	err = store.MarkFailed(ctx, c.ID, first[0].ClaimToken(), "late", core.StatusFailed, time.Time{})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func testSameWorkerReclaimRejected(t *testing.T, store storage.ChunkStore, clock *Clock) {
	ctx := context.Background()
	c := NewChunk("doc-1", "job-1", 0, "same worker twice.")
	require.NoError(t, store.CreateBatch(ctx, c))

	first, err := store.ClaimNext(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(2 * StaleAfter)
	second, err := store.ClaimNext(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, second, 1)

	err = store.MarkVectorized(ctx, c.ID, first[0].ClaimToken(), []float32{1})
	assert.ErrorIs(t, err, storage.ErrClaimLost)
	require.NoError(t, store.MarkVectorized(ctx, c.ID, second[0].ClaimToken(), []float32{1}))
}

func testMarkVectorized(t *testing.T, store storage.ChunkStore, _ *Clock) {
	ctx := context.Background()
	c := NewChunk("doc-1", "job-1", 0, "vectorize me.")
	require.NoError(t, store.CreateBatch(ctx, c))
	claimed, err := store.ClaimNext(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	vec := []float32{0.5, -0.25, 1}
	require.NoError(t, store.MarkVectorized(ctx, c.ID, claimed[0].ClaimToken(), vec))

	got, err := store.GetChunk(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusVectorized, got.Status)
	assert.Equal(t, vec, got.Vector)
	assert.Empty(t, got.Error)
	assert.Empty(t, got.ClaimedBy)
	assert.NoError(t, core.ValidateStatusFields(got))
}

func testMarkTransitions(t *testing.T, store storage.ChunkStore, _ *Clock) {
	ctx := context.Background()
	c := NewChunk("doc-1", "job-1", 0, "queued only.")
	require.NoError(t, store.CreateBatch(ctx, c))

	token := core.ClaimToken{WorkerID: "w1", ClaimedAt: time.Now()}
	err := store.MarkVectorized(ctx, c.ID, token, []float32{1})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	err = store.MarkFailed(ctx, c.ID, token, "boom", core.StatusFailed, time.Time{})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	err = store.MarkVectorized(ctx, "missing", token, []float32{1})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = store.MarkFailed(ctx, "missing", token, "boom", core.StatusFailed, time.Time{})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := store.GetChunk(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, got.Status)
}

func testMarkFailed(t *testing.T, store storage.ChunkStore, clock *Clock) {
	ctx := context.Background()
	c := NewChunk("doc-1", "job-1", 0, "fail me.")
	require.NoError(t, store.CreateBatch(ctx, c))

	claimed, err := store.ClaimNext(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	retryAt := clock.Now().Add(2 * time.Second)
	require.NoError(t, store.MarkFailed(ctx, c.ID, claimed[0].ClaimToken(), "first", core.StatusRetrying, retryAt))

	got, err := store.GetChunk(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRetrying, got.Status)
	assert.Equal(t, "first", got.Error)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.RetryAt.Equal(retryAt), "retryAt %v != %v", got.RetryAt, retryAt)
	assert.Nil(t, got.Vector)

	clock.Advance(2 * time.Second)
	claimed, err = store.ClaimNext(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.MarkFailed(ctx, c.ID, claimed[0].ClaimToken(), "second", core.StatusFailed, time.Time{}))

	got, err = store.GetChunk(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Equal(t, "second", got.Error)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.RetryAt.IsZero())

	err = store.MarkFailed(ctx, c.ID, claimed[0].ClaimToken(), "x", core.StatusVectorized, time.Time{})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func testJobStatuses(t *testing.T, store storage.ChunkStore, _ *Clock) {
	ctx := context.Background()
	chunks := NewChunks("doc-1", "job-1", 3)
	other := NewChunk("doc-2", "job-2", 0, "other job.")
	require.NoError(t, store.CreateBatch(ctx, append(chunks, other)...))

	statuses, err := store.GetJobChunkStatuses(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	for _, c := range chunks {
		assert.Equal(t, core.StatusQueued, statuses[c.ID])
	}

	records, err := store.GetJobChunks(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, i, rec.Index)
	}

	unknown, err := store.GetJobChunkStatuses(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

func testDocumentChecksums(t *testing.T, store storage.ChunkStore, _ *Clock) {
	ctx := context.Background()

	next, err := store.NextChunkIndex(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, next)

	a := NewChunk("doc-1", "job-1", 0, "same text.")
	b := NewChunk("doc-1", "job-1", 1, "other text.")
	c := NewChunk("doc-1", "job-1", 2, "same text.")
	d := NewChunk("doc-10", "job-1", 7, "unrelated.")
	require.NoError(t, store.CreateBatch(ctx, a, b, c, d))

	sums, err := store.GetDocumentChecksums(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		core.Checksum("same text."):  0,
		core.Checksum("other text."): 1,
	}, sums)

	next, err = store.NextChunkIndex(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	next, err = store.NextChunkIndex(ctx, "doc-10")
	require.NoError(t, err)
	assert.Equal(t, 8, next)

	empty, err := store.GetDocumentChecksums(ctx, "doc-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testRequeueFailed(t *testing.T, store storage.ChunkStore, _ *Clock) {
	ctx := context.Background()
	chunks := NewChunks("doc-1", "job-1", 3)
	require.NoError(t, store.CreateBatch(ctx, chunks...))

	claimed, err := store.ClaimNext(ctx, 3, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	require.NoError(t, store.MarkFailed(ctx, claimed[0].ID, claimed[0].ClaimToken(), "bad", core.StatusFailed, time.Time{}))
	require.NoError(t, store.MarkFailed(ctx, claimed[1].ID, claimed[1].ClaimToken(), "bad", core.StatusFailed, time.Time{}))
	require.NoError(t, store.MarkVectorized(ctx, claimed[2].ID, claimed[2].ClaimToken(), []float32{1}))

	n, err := store.RequeueFailed(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	statuses, err := store.GetJobChunkStatuses(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, statuses[claimed[0].ID])
	assert.Equal(t, core.StatusQueued, statuses[claimed[1].ID])
	assert.Equal(t, core.StatusVectorized, statuses[claimed[2].ID])

	got, err := store.GetChunk(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Empty(t, got.Error)
	assert.Zero(t, got.Attempts)

	again, err := store.ClaimNext(ctx, 5, "w2")
	require.NoError(t, err)
	assert.Len(t, again, 2)

	n, err = store.RequeueFailed(ctx, "job-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testConcurrentClaimExclusive(t *testing.T, store storage.ChunkStore, _ *Clock) {
	ctx := context.Background()
	const total = 60
	require.NoError(t, store.CreateBatch(ctx, NewChunks("doc-1", "job-1", total)...))

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				claimed, err := store.ClaimNext(ctx, 3, worker)
				if err != nil {
					t.Errorf("ClaimNext(%s): %v", worker, err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					counts[c.ID]++
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, counts, total)
	for id, n := range counts {
		assert.Equal(t, 1, n, "chunk %s claimed %d times", id, n)
	}
}

func testClosed(t *testing.T, store storage.ChunkStore, _ *Clock) {
	require.NoError(t, store.Close())
	_, err := store.ClaimNext(context.Background(), 1, "w1")
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
}
