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

package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/poiesic/ingest/chunker"
	"github.com/poiesic/ingest/core"
	"github.com/poiesic/ingest/storage"
)

// maxIndexConflicts bounds how often Ingest recomputes chunk indices when
// a concurrent ingestion of the same document claimed them first.
const maxIndexConflicts = 3

// DedupPolicy controls how re-ingested text is handled.
type DedupPolicy int

const (
	// DedupSkipExisting skips chunks whose checksum is already stored for
	// the same document.
	DedupSkipExisting DedupPolicy = iota
	// DedupNone stores every chunk.
	DedupNone
)

// ParseDedupPolicy parses "skip" or "none".
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip", "skip_existing":
		return DedupSkipExisting, nil
	case "none", "off":
		return DedupNone, nil
	default:
		return 0, fmt.Errorf("%w: unknown dedup policy %q", core.ErrInvalidInput, s)
	}
}

// String returns the policy name.
func (p DedupPolicy) String() string {
	if p == DedupNone {
		return "none"
	}
	return "skip"
}

// Document is a unit of text submitted for ingestion.
type Document struct {
	// ID identifies the document across ingestions. Generated when empty.
	ID     string
	Text   string
	Source core.SourceMetadata
}

// Job describes one ingestion.
type Job struct {
	ID         string
	DocumentID string
	// ChunkIDs are the stored chunks in document order.
	ChunkIDs []string
	// Skipped counts chunks dropped by deduplication.
	Skipped int
}

// Pipeline orchestrates chunking and persistence of documents.
type Pipeline struct {
	store   storage.ChunkStore
	chunker *chunker.Chunker
	dedup   DedupPolicy
	logger  *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithDedupPolicy sets the deduplication policy.
// Default is DedupSkipExisting.
func WithDedupPolicy(policy DedupPolicy) Option {
	return func(p *Pipeline) error {
		if policy != DedupSkipExisting && policy != DedupNone {
			return fmt.Errorf("%w: unknown dedup policy %d", core.ErrInvalidInput, policy)
		}
		p.dedup = policy
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(store storage.ChunkStore, chunker *chunker.Chunker, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if chunker == nil {
		return nil, ErrChunkerRequired
	}

	p := &Pipeline{
		store:   store,
		chunker: chunker,
		dedup:   DedupSkipExisting,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "ingestion-pipeline")
	return p, nil
}

// Ingest chunks doc and queues its chunks for vectorization.
// Invalid input is rejected before anything is stored. When deduplication
// drops every chunk the returned Job is empty and the error is
// ErrNothingToIngest.
func (p *Pipeline) Ingest(ctx context.Context, doc Document) (*Job, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Source.SourceType == "" {
		doc.Source.SourceType = core.SourceTypeText
	}
	if !doc.Source.SourceType.Valid() {
		return nil, fmt.Errorf("%w: unknown source type %q", core.ErrInvalidInput, doc.Source.SourceType)
	}

	job := &Job{ID: uuid.NewString(), DocumentID: doc.ID}
	logger := p.logger.With("job", job.ID, "document", doc.ID)

	records, err := p.chunker.Chunk(doc.Text, doc.ID, job.ID, doc.Source)
	if err != nil {
		return nil, err
	}

	for conflict := 0; ; conflict++ {
		kept, skipped, err := p.prepare(ctx, doc.ID, records)
		if err != nil {
			return nil, err
		}
		job.Skipped = skipped
		if len(kept) == 0 {
			logger.Info("document already ingested", "skipped", skipped)
			return job, ErrNothingToIngest
		}

		err = p.store.CreateBatch(ctx, kept...)
		if errors.Is(err, storage.ErrDuplicateKey) && conflict < maxIndexConflicts {
			logger.Debug("chunk indices taken by a concurrent ingestion, retrying", "err", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store chunks: %w", err)
		}

		job.ChunkIDs = make([]string, len(kept))
		for i, rec := range kept {
			job.ChunkIDs[i] = rec.ID
		}
		logger.Info("document ingested", "chunks", len(kept), "skipped", skipped)
		return job, nil
	}
}

// prepare applies the dedup policy and numbers the surviving chunks after
// those already stored for the document.
func (p *Pipeline) prepare(ctx context.Context, documentID string, records []*core.ChunkRecord) ([]*core.ChunkRecord, int, error) {
	kept := records
	if p.dedup == DedupSkipExisting {
		existing, err := p.store.GetDocumentChecksums(ctx, documentID)
		if err != nil {
			return nil, 0, fmt.Errorf("load checksums: %w", err)
		}
		if len(existing) > 0 {
			kept = make([]*core.ChunkRecord, 0, len(records))
			for _, rec := range records {
				if _, ok := existing[rec.Metadata.Checksum]; !ok {
					kept = append(kept, rec)
				}
			}
		}
	}

	base, err := p.store.NextChunkIndex(ctx, documentID)
	if err != nil {
		return nil, 0, fmt.Errorf("next chunk index: %w", err)
	}
	for i, rec := range kept {
		rec.Index = base + i
	}
	return kept, len(records) - len(kept), nil
}
