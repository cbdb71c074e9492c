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

// Package postgres implements storage.ChunkStore on PostgreSQL with the
// pgvector extension.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
	"github.com/poiesic/ingest/core"
	"github.com/poiesic/ingest/storage"
)

const chunkColumns = `id, document_id, chunk_index, text, token_count, token_start, token_end,
	source_type, url, filename, title, language, checksum, job_id,
	status, vector, error, attempts, retry_at, claimed_by, created_at, updated_at`

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// ChunkRepository implements storage.ChunkStore for PostgreSQL.
type ChunkRepository struct {
	db         *sql.DB
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	closed     atomic.Bool
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

// NewChunkStore connects to the database at dsn, bootstraps the schema and
// returns a chunk store. Closing the store closes the connection pool.
func NewChunkStore(ctx context.Context, dsn string, opts ...Option) (storage.ChunkStore, error) {
	return Open(ctx, dsn, opts...)
}

// Open is NewChunkStore returning the concrete repository.
func Open(ctx context.Context, dsn string, opts ...Option) (*ChunkRepository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping db: %w", storage.ErrStoreUnavailable, err)
	}

	if err := EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	repo, err := NewChunkRepository(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// NewChunkRepository wraps an existing connection pool whose schema is
// already in place.
func NewChunkRepository(db *sql.DB, opts ...Option) (*ChunkRepository, error) {
	r := &ChunkRepository{
		db:         db,
		staleAfter: storage.DefaultStaleAfter,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "chunk_store", "backend", "postgres")
	return r, nil
}

// Close closes the connection pool.
func (r *ChunkRepository) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.db.Close()
}

func (r *ChunkRepository) clock() time.Time {
	return core.Timestamp(r.now())
}

func (r *ChunkRepository) check(ctx context.Context) error {
	if r.closed.Load() {
		return storage.ErrStoreUnavailable
	}
	return ctx.Err()
}

// CreateBatch inserts chunks in a single transaction.
func (r *ChunkRepository) CreateBatch(ctx context.Context, chunks ...*core.ChunkRecord) error {
	if err := r.check(ctx); err != nil {
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
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.wrapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (`+chunkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22)`)
	if err != nil {
		return r.wrapErr(err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.DocumentID, c.Index, c.Text, c.TokenCount, c.TokenRange.Start, c.TokenRange.End,
			string(c.Metadata.SourceType), c.Metadata.URL, c.Metadata.Filename, c.Metadata.Title,
			string(c.Metadata.Language), c.Metadata.Checksum, c.Metadata.JobID,
			string(c.Status), vectorParam(c.Vector), c.Error, c.Attempts, nullTime(c.RetryAt), c.ClaimedBy,
			c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, r.wrapErr(err))
		}
	}

	return r.wrapErr(tx.Commit())
}

// ClaimNext claims up to limit eligible chunks with a single conditional
// update. Rows locked by a concurrent claimer are skipped.
func (r *ChunkRepository) ClaimNext(ctx context.Context, limit int, workerID string) ([]*core.ChunkRecord, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidQuery)
	}
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id cannot be empty", storage.ErrInvalidQuery)
	}

	now := r.clock()
	rows, err := r.db.QueryContext(ctx, `
		UPDATE chunks
		SET status = 'processing', claimed_by = $2, error = '', vector = NULL,
		    retry_at = NULL, updated_at = $3
		WHERE id IN (
			SELECT id FROM chunks
			WHERE status = 'queued'
			   OR (status = 'retrying' AND retry_at <= $3)
			   OR ($5 AND status = 'processing' AND updated_at < $4)
			ORDER BY updated_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+chunkColumns,
		limit, workerID, now, now.Add(-r.staleAfter), r.staleAfter > 0)
	if err != nil {
		return nil, r.wrapErr(err)
	}
	claimed, err := scanChunks(rows)
	if err != nil {
		return nil, r.wrapErr(err)
	}
	if len(claimed) > 0 {
		r.logger.Debug("claimed chunks", "worker", workerID, "count", len(claimed))
	}
	return claimed, nil
}

// MarkVectorized stores the vector of a chunk processing under claim.
func (r *ChunkRepository) MarkVectorized(ctx context.Context, chunkID string, claim core.ClaimToken, vector []float32) error {
	return r.mutate(ctx, chunkID, claim, func(rec *core.ChunkRecord, now time.Time) error {
		return rec.MarkVectorized(vector, now)
	})
}

// MarkFailed records a failed attempt of a chunk processing under claim.
func (r *ChunkRepository) MarkFailed(ctx context.Context, chunkID string, claim core.ClaimToken, reason string, next core.Status, retryAt time.Time) error {
	return r.mutate(ctx, chunkID, claim, func(rec *core.ChunkRecord, now time.Time) error {
		return rec.MarkFailed(reason, next, retryAt, now)
	})
}

// mutate locks a chunk row, applies fn and writes the mutable columns back.
// A chunk processing under a claim other than claim is left untouched.
func (r *ChunkRepository) mutate(ctx context.Context, chunkID string, claim core.ClaimToken, fn func(rec *core.ChunkRecord, now time.Time) error) error {
	if err := r.check(ctx); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.wrapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanChunk(tx.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = $1 FOR UPDATE`, chunkID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: chunk %s", storage.ErrNotFound, chunkID)
	}
	if err != nil {
		return r.wrapErr(err)
	}

	if rec.Status == core.StatusProcessing && !rec.HeldBy(claim) {
		return fmt.Errorf("%w: chunk %s is held by %s", storage.ErrClaimLost, chunkID, rec.ClaimedBy)
	}
	if err := fn(rec, r.clock()); err != nil {
		return fmt.Errorf("chunk %s: %w", chunkID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE chunks
		SET status = $2, vector = $3, error = $4, attempts = $5, retry_at = $6,
		    claimed_by = $7, updated_at = $8
		WHERE id = $1`,
		rec.ID, string(rec.Status), vectorParam(rec.Vector), rec.Error, rec.Attempts,
		nullTime(rec.RetryAt), rec.ClaimedBy, rec.UpdatedAt)
	if err != nil {
		return r.wrapErr(err)
	}
	return r.wrapErr(tx.Commit())
}

// GetChunk retrieves a single chunk by ID.
func (r *ChunkRepository) GetChunk(ctx context.Context, chunkID string) (*core.ChunkRecord, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	rec, err := scanChunk(r.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = $1`, chunkID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chunk %s", storage.ErrNotFound, chunkID)
	}
	if err != nil {
		return nil, r.wrapErr(err)
	}
	return rec, nil
}

// GetJobChunks returns every chunk of a job ordered by document and index.
func (r *ChunkRepository) GetJobChunks(ctx context.Context, jobID string) ([]*core.ChunkRecord, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE job_id = $1 ORDER BY document_id, chunk_index`, jobID)
	if err != nil {
		return nil, r.wrapErr(err)
	}
	records, err := scanChunks(rows)
	if err != nil {
		return nil, r.wrapErr(err)
	}
	return records, nil
}

// GetJobChunkStatuses returns the status of every chunk of a job.
func (r *ChunkRepository) GetJobChunkStatuses(ctx context.Context, jobID string) (map[string]core.Status, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, status FROM chunks WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, r.wrapErr(err)
	}
	defer rows.Close()

	statuses := make(map[string]core.Status)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, r.wrapErr(err)
		}
		statuses[id] = core.Status(status)
	}
	return statuses, r.wrapErr(rows.Err())
}

// GetDocumentChecksums maps each checksum of a document to its lowest chunk index.
func (r *ChunkRepository) GetDocumentChecksums(ctx context.Context, documentID string) (map[string]int, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT checksum, MIN(chunk_index)
		FROM chunks
		WHERE document_id = $1
		GROUP BY checksum`, documentID)
	if err != nil {
		return nil, r.wrapErr(err)
	}
	defer rows.Close()

	sums := make(map[string]int)
	for rows.Next() {
		var checksum string
		var index int
		if err := rows.Scan(&checksum, &index); err != nil {
			return nil, r.wrapErr(err)
		}
		sums[checksum] = index
	}
	return sums, r.wrapErr(rows.Err())
}

// NextChunkIndex returns one past the highest stored index of a document.
func (r *ChunkRepository) NextChunkIndex(ctx context.Context, documentID string) (int, error) {
	if err := r.check(ctx); err != nil {
		return 0, err
	}
	var next int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(chunk_index) + 1, 0) FROM chunks WHERE document_id = $1`, documentID).Scan(&next)
	if err != nil {
		return 0, r.wrapErr(err)
	}
	return next, nil
}

// RequeueFailed moves a job's failed chunks back to queued.
func (r *ChunkRepository) RequeueFailed(ctx context.Context, jobID string) (int, error) {
	if err := r.check(ctx); err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE chunks
		SET status = 'queued', error = '', attempts = 0, retry_at = NULL,
		    claimed_by = '', updated_at = $2
		WHERE job_id = $1 AND status = 'failed'`, jobID, r.clock())
	if err != nil {
		return 0, r.wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, r.wrapErr(err)
	}
	if n > 0 {
		r.logger.Info("requeued failed chunks", "job_id", jobID, "count", n)
	}
	return int(n), nil
}

// wrapErr maps driver errors onto storage errors.
func (r *ChunkRepository) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateKey, pgErr.ConstraintName)
	}
	var netErr net.Error
	var connErr *pgconn.ConnectError
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.As(err, &netErr) || errors.As(err, &connErr) || r.closed.Load() {
		return fmt.Errorf("%w: %w", storage.ErrStoreUnavailable, err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*core.ChunkRecord, error) {
	var (
		rec        core.ChunkRecord
		sourceType string
		language   string
		status     string
		vec        *pgvector.Vector
		retryAt    sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.DocumentID, &rec.Index, &rec.Text, &rec.TokenCount,
		&rec.TokenRange.Start, &rec.TokenRange.End,
		&sourceType, &rec.Metadata.URL, &rec.Metadata.Filename, &rec.Metadata.Title,
		&language, &rec.Metadata.Checksum, &rec.Metadata.JobID,
		&status, &vec, &rec.Error, &rec.Attempts, &retryAt, &rec.ClaimedBy,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Metadata.SourceType = core.SourceType(sourceType)
	rec.Metadata.Language = core.Language(language)
	rec.Status = core.Status(status)
	if vec != nil {
		if s := vec.Slice(); len(s) > 0 {
			rec.Vector = s
		}
	}
	if retryAt.Valid {
		rec.RetryAt = core.Timestamp(retryAt.Time)
	}
	rec.CreatedAt = core.Timestamp(rec.CreatedAt)
	rec.UpdatedAt = core.Timestamp(rec.UpdatedAt)
	return &rec, nil
}

func scanChunks(rows *sql.Rows) ([]*core.ChunkRecord, error) {
	defer rows.Close()
	var out []*core.ChunkRecord
	for rows.Next() {
		rec, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// vectorParam converts a vector to a query parameter, NULL when empty.
func vectorParam(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
