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

package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/ingest/core"
	"github.com/poiesic/ingest/storage"
)

// ChunkRepository implements storage.ChunkStore for BadgerDB.
type ChunkRepository struct {
	backend     *Backend
	ownsBackend bool
	staleAfter  time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

var _ storage.ChunkStore = (*ChunkRepository)(nil)

// Option configures a ChunkRepository.
type Option func(*ChunkRepository) error

// WithStaleAfter sets how long a processing claim is honoured. Zero
// disables reclamation of stale claims.
func WithStaleAfter(d time.Duration) Option {
	return func(r *ChunkRepository) error {
		if d < 0 {
			return fmt.Errorf("stale threshold cannot be negative: %s", d)
		}
		r.staleAfter = d
		return nil
	}
}

// WithClock overrides the time source used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *ChunkRepository) error {
		r.now = now
		return nil
	}
}

// WithLogger sets the repository logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *ChunkRepository) error {
		r.logger = logger
		return nil
	}
}

// NewChunkRepository creates a ChunkRepository on an open backend. The
// caller keeps ownership of the backend.
func NewChunkRepository(backend *Backend, opts ...Option) (*ChunkRepository, error) {
	r := &ChunkRepository{
		backend:    backend,
		staleAfter: storage.DefaultStaleAfter,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "chunk_store", "backend", "badger")
	return r, nil
}

// NewChunkStore opens (or creates) a BadgerDB chunk store at path.
// Closing the store closes the database.
func NewChunkStore(path string, opts ...Option) (storage.ChunkStore, error) {
	return openChunkStore(path, false, opts...)
}

func openChunkStore(path string, inMemory bool, opts ...Option) (*ChunkRepository, error) {
	backend, err := OpenBackend(path, inMemory)
	if err != nil {
		return nil, err
	}
	repo, err := NewChunkRepository(backend, opts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	repo.ownsBackend = true
	return repo, nil
}

// Close closes the backend if the repository opened it.
func (r *ChunkRepository) Close() error {
	if r.ownsBackend {
		return r.backend.Close()
	}
	return nil
}

func (r *ChunkRepository) clock() time.Time {
	return core.Timestamp(r.now())
}

// CreateBatch inserts chunks atomically.
func (r *ChunkRepository) CreateBatch(ctx context.Context, chunks ...*core.ChunkRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	now := r.clock()
	for _, c := range chunks {
		if c != nil && c.CreatedAt.IsZero() {
			c.CreatedAt = now
			c.UpdatedAt = now
		}
		if err := core.ValidateChunkRecord(c); err != nil {
			return err
		}
		if strings.IndexByte(c.ID, keySep) >= 0 || strings.IndexByte(c.DocumentID, keySep) >= 0 ||
			strings.IndexByte(c.Metadata.JobID, keySep) >= 0 {
			return fmt.Errorf("%w: identifiers cannot contain NUL bytes", core.ErrInvalidChunk)
		}
	}

	err := r.backend.Update(func(tx *badger.Txn) error {
		for _, c := range chunks {
			key := makeChunkKey(c.ID)
			if exists, err := keyExists(tx, key); err != nil {
				return err
			} else if exists {
				return fmt.Errorf("%w: chunk %s", storage.ErrDuplicateKey, c.ID)
			}
			docKey := makeDocKey(c.DocumentID, c.Index)
			if exists, err := keyExists(tx, docKey); err != nil {
				return err
			} else if exists {
				return fmt.Errorf("%w: document %s index %d", storage.ErrDuplicateKey, c.DocumentID, c.Index)
			}

			if err := tx.Set(key, storage.MarshalChunkRecord(c)); err != nil {
				return err
			}
			if err := tx.Set(docKey, []byte(c.ID)); err != nil {
				return err
			}
			if err := tx.Set(makeChecksumKey(c.DocumentID, c.Metadata.Checksum, c.Index), nil); err != nil {
				return err
			}
			if c.Metadata.JobID != "" {
				if err := tx.Set(makeJobKey(c.Metadata.JobID, c.ID), nil); err != nil {
					return err
				}
			}
			if qk := makeQueueKey(c); qk != nil {
				if err := tx.Set(qk, []byte(c.ID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return r.wrapErr(err)
}

// ClaimNext atomically claims up to limit eligible chunks for workerID.
// The claim runs in one optimistic transaction; a concurrent claimer that
// touched the same chunks makes the commit conflict and the claim is
// replayed on a fresh snapshot.
func (r *ChunkRepository) ClaimNext(ctx context.Context, limit int, workerID string) ([]*core.ChunkRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidQuery)
	}
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id cannot be empty", storage.ErrInvalidQuery)
	}

	var claimed []*core.ChunkRecord
	err := r.backend.Update(func(tx *badger.Txn) error {
		claimed = claimed[:0]
		now := r.clock()

		candidates, err := r.claimCandidates(tx, now, limit)
		if err != nil {
			return err
		}

		for _, rec := range candidates {
			oldKey := makeQueueKey(rec)
			if err := rec.Claim(workerID, now); err != nil {
				return err
			}
			if err := r.writeRecord(tx, rec, oldKey); err != nil {
				return err
			}
			claimed = append(claimed, rec)
		}
		return nil
	})
	if err != nil {
		return nil, r.wrapErr(err)
	}
	if len(claimed) > 0 {
		r.logger.Debug("claimed chunks", "worker", workerID, "count", len(claimed))
	}
	return claimed, nil
}

// claimCandidates collects up to limit claimable chunks: due retries
// first, then queued chunks, then stale claims, each oldest first.
func (r *ChunkRepository) claimCandidates(tx *badger.Txn, now time.Time, limit int) ([]*core.ChunkRecord, error) {
	type scan struct {
		status core.Status
		upTo   time.Time
	}
	scans := []scan{
		{core.StatusRetrying, now},
		{core.StatusQueued, now},
	}
	if r.staleAfter > 0 {
		scans = append(scans, scan{core.StatusProcessing, now.Add(-r.staleAfter)})
	}

	var ids []string
	for _, s := range scans {
		if len(ids) >= limit {
			break
		}
		prefix := makeQueuePrefix(s.status)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		for iter.Rewind(); iter.Valid() && len(ids) < limit; iter.Next() {
			at, id, ok := parseQueueKey(prefix, iter.Item().Key())
			if !ok {
				continue
			}
			// Queued chunks are claimable regardless of their timestamp.
			if s.status != core.StatusQueued && at.After(s.upTo) {
				break
			}
			ids = append(ids, id)
		}
		iter.Close()
	}

	out := make([]*core.ChunkRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := readChunk(tx, makeChunkKey(id))
		if err != nil {
			return nil, err
		}
		if rec == nil || !rec.Claimable(now, r.staleAfter) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkVectorized stores the vector of a chunk processing under claim.
func (r *ChunkRepository) MarkVectorized(ctx context.Context, chunkID string, claim core.ClaimToken, vector []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.mutate(chunkID, claim, func(rec *core.ChunkRecord, now time.Time) error {
		return rec.MarkVectorized(vector, now)
	})
}

// MarkFailed records a failed attempt of a chunk processing under claim.
func (r *ChunkRepository) MarkFailed(ctx context.Context, chunkID string, claim core.ClaimToken, reason string, next core.Status, retryAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.mutate(chunkID, claim, func(rec *core.ChunkRecord, now time.Time) error {
		return rec.MarkFailed(reason, next, retryAt, now)
	})
}

// mutate applies fn to a stored chunk inside a conflict-retried
// transaction. A chunk processing under a claim other than claim is left
// untouched.
func (r *ChunkRepository) mutate(chunkID string, claim core.ClaimToken, fn func(rec *core.ChunkRecord, now time.Time) error) error {
	err := r.backend.Update(func(tx *badger.Txn) error {
		rec, err := readChunk(tx, makeChunkKey(chunkID))
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: chunk %s", storage.ErrNotFound, chunkID)
		}
		if rec.Status == core.StatusProcessing && !rec.HeldBy(claim) {
			return fmt.Errorf("%w: chunk %s is held by %s", storage.ErrClaimLost, chunkID, rec.ClaimedBy)
		}
		oldKey := makeQueueKey(rec)
		if err := fn(rec, r.clock()); err != nil {
			return fmt.Errorf("chunk %s: %w", chunkID, err)
		}
		return r.writeRecord(tx, rec, oldKey)
	})
	return r.wrapErr(err)
}

// writeRecord stores rec and moves its queue index entry from oldQueueKey
// to the key matching its new status.
func (r *ChunkRepository) writeRecord(tx *badger.Txn, rec *core.ChunkRecord, oldQueueKey []byte) error {
	if err := tx.Set(makeChunkKey(rec.ID), storage.MarshalChunkRecord(rec)); err != nil {
		return err
	}
	newKey := makeQueueKey(rec)
	if oldQueueKey != nil && !bytes.Equal(oldQueueKey, newKey) {
		if err := tx.Delete(oldQueueKey); err != nil {
			return err
		}
	}
	if newKey != nil {
		if err := tx.Set(newKey, []byte(rec.ID)); err != nil {
			return err
		}
	}
	return nil
}

// GetChunk retrieves a single chunk by ID.
func (r *ChunkRepository) GetChunk(ctx context.Context, chunkID string) (*core.ChunkRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *core.ChunkRecord
	err := r.backend.View(func(tx *badger.Txn) error {
		var err error
		rec, err = readChunk(tx, makeChunkKey(chunkID))
		return err
	})
	if err != nil {
		return nil, r.wrapErr(err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: chunk %s", storage.ErrNotFound, chunkID)
	}
	return rec, nil
}

// GetJobChunks returns every chunk of a job ordered by document and index.
func (r *ChunkRepository) GetJobChunks(ctx context.Context, jobID string) ([]*core.ChunkRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []*core.ChunkRecord
	err := r.backend.View(func(tx *badger.Txn) error {
		var err error
		records, err = r.readJob(tx, jobID)
		return err
	})
	if err != nil {
		return nil, r.wrapErr(err)
	}
	slices.SortFunc(records, func(a, b *core.ChunkRecord) int {
		if c := strings.Compare(a.DocumentID, b.DocumentID); c != 0 {
			return c
		}
		return a.Index - b.Index
	})
	return records, nil
}

// GetJobChunkStatuses returns the status of every chunk of a job.
func (r *ChunkRepository) GetJobChunkStatuses(ctx context.Context, jobID string) (map[string]core.Status, error) {
	records, err := r.GetJobChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]core.Status, len(records))
	for _, rec := range records {
		statuses[rec.ID] = rec.Status
	}
	return statuses, nil
}

// readJob loads the chunks listed under a job's membership keys.
func (r *ChunkRepository) readJob(tx *badger.Txn, jobID string) ([]*core.ChunkRecord, error) {
	prefix := makeJobPrefix(jobID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	iter := tx.NewIterator(opts)
	var ids []string
	for iter.Rewind(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Item().Key()[len(prefix):]))
	}
	iter.Close()

	records := make([]*core.ChunkRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := readChunk(tx, makeChunkKey(id))
		if err != nil {
			return nil, err
		}
		if rec == nil {
			r.logger.Warn("job index points at missing chunk", "job_id", jobID, "chunk_id", id)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetDocumentChecksums maps each checksum of a document to its lowest chunk index.
func (r *ChunkRepository) GetDocumentChecksums(ctx context.Context, documentID string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sums := make(map[string]int)
	err := r.backend.View(func(tx *badger.Txn) error {
		prefix := makeChecksumPrefix(documentID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			checksum, index, ok := parseChecksumKey(prefix, iter.Item().Key())
			if !ok {
				continue
			}
			if cur, seen := sums[checksum]; !seen || index < cur {
				sums[checksum] = index
			}
		}
		return nil
	})
	if err != nil {
		return nil, r.wrapErr(err)
	}
	return sums, nil
}

// NextChunkIndex returns one past the highest stored index of a document.
func (r *ChunkRepository) NextChunkIndex(ctx context.Context, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	next := 0
	err := r.backend.View(func(tx *badger.Txn) error {
		prefix := makeDocPrefix(documentID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		opts.Reverse = true
		iter := tx.NewIterator(opts)
		defer iter.Close()
		// Reverse iteration must seek past the end of the prefix range.
		iter.Seek(append(bytes.Clone(prefix), 0xff))
		if iter.ValidForPrefix(prefix) {
			key := iter.Item().Key()
			if len(key) == len(prefix)+8 {
				next = int(beUint64(key[len(prefix):])) + 1
			}
		}
		return nil
	})
	if err != nil {
		return 0, r.wrapErr(err)
	}
	return next, nil
}

// RequeueFailed moves a job's failed chunks back to queued.
func (r *ChunkRepository) RequeueFailed(ctx context.Context, jobID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := r.backend.Update(func(tx *badger.Txn) error {
		count = 0
		records, err := r.readJob(tx, jobID)
		if err != nil {
			return err
		}
		now := r.clock()
		for _, rec := range records {
			if rec.Status != core.StatusFailed {
				continue
			}
			oldKey := makeQueueKey(rec)
			if err := rec.Requeue(now); err != nil {
				return err
			}
			if err := r.writeRecord(tx, rec, oldKey); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, r.wrapErr(err)
	}
	if count > 0 {
		r.logger.Info("requeued failed chunks", "job_id", jobID, "count", count)
	}
	return count, nil
}

// wrapErr maps badger errors onto storage errors.
func (r *ChunkRepository) wrapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrDBClosed):
		return fmt.Errorf("%w: %w", storage.ErrStoreUnavailable, err)
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %w", storage.ErrTransactionFailed, err)
	default:
		return err
	}
}

func keyExists(tx *badger.Txn, key []byte) (bool, error) {
	_, err := tx.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

// readChunk reads and decodes a chunk. A missing key yields (nil, nil).
func readChunk(tx *badger.Txn, key []byte) (*core.ChunkRecord, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var record *core.ChunkRecord
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		record, unmarshalErr = storage.UnmarshalChunkRecord(val)
		return unmarshalErr
	})
	return record, err
}
