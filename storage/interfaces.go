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

package storage

import (
	"context"
	"time"

	"github.com/poiesic/ingest/core"
)

// DefaultStaleAfter is how long a processing claim is honoured before
// another worker may take the chunk over.
const DefaultStaleAfter = 10 * time.Minute

// ChunkStore persists chunk records and their status transitions.
type ChunkStore interface {
	// CreateBatch inserts chunks atomically. Either every chunk is stored
	// or none is. A chunk whose ID or (DocumentID, Index) already exists
	// fails the whole batch with ErrDuplicateKey.
	CreateBatch(ctx context.Context, chunks ...*core.ChunkRecord) error

	// ClaimNext moves up to limit eligible chunks to processing on behalf
	// of workerID and returns them. Eligible chunks are queued ones,
	// retrying ones whose RetryAt has passed and processing ones whose
	// claim has gone stale. No chunk is returned to two concurrent callers.
	ClaimNext(ctx context.Context, limit int, workerID string) ([]*core.ChunkRecord, error)

	// MarkVectorized stores the vector of a chunk processing under claim,
	// the token returned with the chunk by ClaimNext.
	// Returns ErrNotFound for unknown chunks, ErrClaimLost when the chunk
	// has been reclaimed under another token and core.ErrInvalidTransition
	// when the chunk is not processing.
	MarkVectorized(ctx context.Context, chunkID string, claim core.ClaimToken, vector []float32) error

	// MarkFailed records a failed attempt of a chunk processing under
	// claim. next is core.StatusRetrying (with retryAt) or
	// core.StatusFailed. Errors as for MarkVectorized.
	MarkFailed(ctx context.Context, chunkID string, claim core.ClaimToken, reason string, next core.Status, retryAt time.Time) error

	// GetChunk retrieves a single chunk by ID.
	// Returns ErrNotFound if the chunk doesn't exist.
	GetChunk(ctx context.Context, chunkID string) (*core.ChunkRecord, error)

	// GetJobChunks returns every chunk of a job ordered by document and index.
	GetJobChunks(ctx context.Context, jobID string) ([]*core.ChunkRecord, error)

	// GetJobChunkStatuses returns the status of every chunk of a job keyed
	// by chunk ID. An unknown job yields an empty map.
	GetJobChunkStatuses(ctx context.Context, jobID string) (map[string]core.Status, error)

	// GetDocumentChecksums maps the checksum of every chunk of a document
	// to the lowest chunk index carrying it.
	GetDocumentChecksums(ctx context.Context, documentID string) (map[string]int, error)

	// NextChunkIndex returns one past the highest chunk index stored for
	// a document, or 0 when it has none.
	NextChunkIndex(ctx context.Context, documentID string) (int, error)

	// RequeueFailed moves a job's failed chunks back to queued with a
	// fresh attempt budget and returns how many were moved.
	RequeueFailed(ctx context.Context, jobID string) (int, error)

	// Close closes the store and releases resources.
	Close() error
}
