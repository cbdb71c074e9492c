package ingestion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/poiesic/ingest/chunker"
	"github.com/poiesic/ingest/core"
	"github.com/poiesic/ingest/storage"
	"github.com/poiesic/ingest/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDetector tags text containing Dutch function words as Dutch.
type testDetector struct{}

func (testDetector) Detect(text string) core.Language {
	if strings.Contains(text, " een ") || strings.HasPrefix(text, "Dit ") {
		return core.LanguageDutch
	}
	return core.LanguageEnglish
}

func setupPipeline(t *testing.T, cfg chunker.Config, opts ...Option) (*Pipeline, storage.ChunkStore) {
	t.Helper()
	store, err := badger.NewMemoryChunkStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := chunker.New(cfg, testDetector{})
	require.NoError(t, err)

	p, err := NewPipeline(store, c, opts...)
	require.NoError(t, err)
	return p, store
}

func smallChunks() chunker.Config {
	return chunker.Config{MaxTokens: 4, OverlapTokens: 0}
}

func TestNewPipeline(t *testing.T) {
	store, err := badger.NewMemoryChunkStore()
	require.NoError(t, err)
	defer store.Close()
	c, err := chunker.New(smallChunks(), nil)
	require.NoError(t, err)

	_, err = NewPipeline(nil, c)
	assert.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewPipeline(store, nil)
	assert.ErrorIs(t, err, ErrChunkerRequired)

	_, err = NewPipeline(store, c, WithDedupPolicy(DedupPolicy(42)))
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	p, err := NewPipeline(store, c, WithLogger(nil), WithDedupPolicy(DedupNone))
	require.NoError(t, err)
	assert.Equal(t, DedupNone, p.dedup)
}

func TestParseDedupPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    DedupPolicy
		wantErr bool
	}{
		{"", DedupSkipExisting, false},
		{"skip", DedupSkipExisting, false},
		{"SKIP_EXISTING", DedupSkipExisting, false},
		{"none", DedupNone, false},
		{"off", DedupNone, false},
		{"sometimes", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDedupPolicy(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, got.String())
		})
	}
}

func TestPipeline_Ingest(t *testing.T) {
	p, store := setupPipeline(t, smallChunks())
	ctx := context.Background()

	job, err := p.Ingest(ctx, Document{
		ID:     "doc-1",
		Text:   "Hello world. Dit is een test.",
		Source: core.SourceMetadata{SourceType: core.SourceTypeFile, Filename: "greeting.txt"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "doc-1", job.DocumentID)
	require.Len(t, job.ChunkIDs, 2)
	assert.Zero(t, job.Skipped)

	first, err := store.GetChunk(ctx, job.ChunkIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "Hello world.", first.Text)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, core.StatusQueued, first.Status)
	assert.Equal(t, core.LanguageEnglish, first.Metadata.Language)
	assert.Equal(t, job.ID, first.Metadata.JobID)
	assert.Equal(t, "greeting.txt", first.Metadata.Filename)

	second, err := store.GetChunk(ctx, job.ChunkIDs[1])
	require.NoError(t, err)
	assert.Equal(t, "Dit is een test.", second.Text)
	assert.Equal(t, 1, second.Index)
	assert.Equal(t, core.LanguageDutch, second.Metadata.Language)

	statuses, err := store.GetJobChunkStatuses(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, statuses, 2)
}

func TestPipeline_Ingest_Defaults(t *testing.T) {
	p, store := setupPipeline(t, smallChunks())
	ctx := context.Background()

	job, err := p.Ingest(ctx, Document{Text: "Just some text."})
	require.NoError(t, err)
	assert.NotEmpty(t, job.DocumentID, "document id generated")

	rec, err := store.GetChunk(ctx, job.ChunkIDs[0])
	require.NoError(t, err)
	assert.Equal(t, core.SourceTypeText, rec.Metadata.SourceType)
}

func TestPipeline_Ingest_InvalidInput(t *testing.T) {
	p, store := setupPipeline(t, smallChunks())
	ctx := context.Background()

	tests := []struct {
		name string
		doc  Document
	}{
		{"empty text", Document{ID: "d", Text: ""}},
		{"blank text", Document{ID: "d", Text: "  \n\t "}},
		{"bad source", Document{ID: "d", Text: "fine.", Source: core.SourceMetadata{SourceType: "ftp"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := p.Ingest(ctx, tt.doc)
			assert.Nil(t, job)
			assert.ErrorIs(t, err, core.ErrInvalidInput)
		})
	}

	next, err := store.NextChunkIndex(ctx, "d")
	require.NoError(t, err)
	assert.Zero(t, next, "nothing persisted")
}

func TestPipeline_Ingest_SkipExisting(t *testing.T) {
	p, store := setupPipeline(t, smallChunks())
	ctx := context.Background()

	first, err := p.Ingest(ctx, Document{ID: "doc", Text: "Hello world. Dit is een test."})
	require.NoError(t, err)
	require.Len(t, first.ChunkIDs, 2)

	second, err := p.Ingest(ctx, Document{ID: "doc", Text: "Hello world. A new line."})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	require.Len(t, second.ChunkIDs, 1)

	rec, err := store.GetChunk(ctx, second.ChunkIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "A new line.", rec.Text)
	assert.Equal(t, 2, rec.Index, "numbered after the stored chunks")

	third, err := p.Ingest(ctx, Document{ID: "doc", Text: "Hello world. Dit is een test."})
	assert.ErrorIs(t, err, ErrNothingToIngest)
	require.NotNil(t, third)
	assert.Equal(t, 2, third.Skipped)
	assert.Empty(t, third.ChunkIDs)

	statuses, err := store.GetJobChunkStatuses(ctx, third.ID)
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestPipeline_Ingest_DedupNone(t *testing.T) {
	p, store := setupPipeline(t, smallChunks(), WithDedupPolicy(DedupNone))
	ctx := context.Background()

	_, err := p.Ingest(ctx, Document{ID: "doc", Text: "Hello world."})
	require.NoError(t, err)
	job, err := p.Ingest(ctx, Document{ID: "doc", Text: "Hello world."})
	require.NoError(t, err)
	require.Len(t, job.ChunkIDs, 1)

	checksums, err := store.GetDocumentChecksums(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 0, checksums[core.Checksum("Hello world.")], "lowest index wins")

	next, err := store.NextChunkIndex(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 2, next)
}

func TestPipeline_Ingest_ConcurrentSameDocument(t *testing.T) {
	p, store := setupPipeline(t, smallChunks(), WithDedupPolicy(DedupNone))
	ctx := context.Background()

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.Ingest(ctx, Document{ID: "shared", Text: "One two three four. Five six."})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, storage.ErrDuplicateKey)
	}
	assert.Positive(t, succeeded)

	next, err := store.NextChunkIndex(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 2*succeeded, next, "indices stay dense")
}

// failingStore fails checksum lookups.
type failingStore struct {
	storage.ChunkStore
}

func (failingStore) GetDocumentChecksums(context.Context, string) (map[string]int, error) {
	return nil, storage.ErrStoreUnavailable
}

func TestPipeline_Ingest_StoreError(t *testing.T) {
	base, err := badger.NewMemoryChunkStore()
	require.NoError(t, err)
	defer base.Close()
	c, err := chunker.New(smallChunks(), nil)
	require.NoError(t, err)

	p, err := NewPipeline(failingStore{base}, c)
	require.NoError(t, err)

	_, err = p.Ingest(context.Background(), Document{ID: "d", Text: "Hello."})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStoreUnavailable))
}
