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

package vectorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/ingest/ai"
	"github.com/poiesic/ingest/core"
	"github.com/poiesic/ingest/retry"
	"github.com/poiesic/ingest/storage"
	"golang.org/x/time/rate"
)

// Stats are cumulative counters for a Pool.
type Stats struct {
	Claimed     int64
	Vectorized  int64
	Retried     int64
	Failed      int64
	WriteErrors int64
	ClaimErrors int64
	// ClaimsLost counts results discarded because the chunk was reclaimed
	// by another worker first.
	ClaimsLost int64
	// Panics counts claim rounds aborted by a panic. The worker keeps
	// running; chunks of that round wait for stale-claim recovery.
	Panics int64
}

// Pool claims chunks and embeds them with a fixed set of workers.
type Pool struct {
	store    storage.ChunkStore
	embedder ai.Embedder
	retry    *retry.Manager
	cfg      Config
	limiter  *rate.Limiter
	name     string
	logger   *slog.Logger

	claimed     atomic.Int64
	vectorized  atomic.Int64
	retried     atomic.Int64
	failed      atomic.Int64
	writeErrors atomic.Int64
	claimErrors atomic.Int64
	claimsLost  atomic.Int64
	panics      atomic.Int64

	mu      sync.Mutex
	workers *ants.Pool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithLimiter shares an existing rate limiter across pools.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(p *Pool) error {
		p.limiter = limiter
		return nil
	}
}

// WithName sets the prefix of worker ids recorded in ClaimedBy.
func WithName(name string) Option {
	return func(p *Pool) error {
		if name == "" {
			return fmt.Errorf("%w: empty pool name", ErrInvalidConfig)
		}
		p.name = name
		return nil
	}
}

// NewPool creates a worker pool. It does not start any workers.
func NewPool(store storage.ChunkStore, embedder ai.Embedder, mgr *retry.Manager, cfg Config, opts ...Option) (*Pool, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if mgr == nil {
		return nil, ErrRetryManagerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		store:    store,
		embedder: embedder,
		retry:    mgr,
		cfg:      cfg,
		name:     "worker-" + uuid.NewString()[:8],
		logger:   slog.Default(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = cfg.Workers
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "vectorize-pool", "pool", p.name)
	return p, nil
}

// Start launches the workers. They run until ctx is canceled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.workers != nil {
		return ErrAlreadyRunning
	}

	workers, err := ants.NewPool(p.cfg.Workers, ants.WithPanicHandler(func(v any) {
		p.logger.Error("worker panicked", "panic", v)
	}))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	for i := range p.cfg.Workers {
		workerID := p.workerID(i)
		p.wg.Add(1)
		if err := workers.Submit(func() {
			defer p.wg.Done()
			p.run(runCtx, workerID)
		}); err != nil {
			p.wg.Done()
			cancel()
			p.wg.Wait()
			workers.Release()
			return err
		}
	}

	p.workers = workers
	p.cancel = cancel
	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "batch", p.cfg.BatchSize)
	return nil
}

// Stop stops claiming and waits for in-flight chunks to be recorded.
// It is safe to call on a pool that is not running.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.workers == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.workers.Release()
	p.workers = nil
	p.cancel = nil
	p.logger.Info("worker pool stopped", "stats", p.Stats())
}

// Running reports whether Start has been called without a matching Stop.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers != nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Claimed:     p.claimed.Load(),
		Vectorized:  p.vectorized.Load(),
		Retried:     p.retried.Load(),
		Failed:      p.failed.Load(),
		WriteErrors: p.writeErrors.Load(),
		ClaimErrors: p.claimErrors.Load(),
		ClaimsLost:  p.claimsLost.Load(),
		Panics:      p.panics.Load(),
	}
}

// ProcessOnce runs a single claim and process round as worker 0 and
// returns the number of chunks claimed.
func (p *Pool) ProcessOnce(ctx context.Context) (int, error) {
	return p.round(ctx, p.workerID(0))
}

// Drain runs rounds until a claim comes back empty and returns the total
// number of chunks processed. Chunks waiting in retrying are left for a
// later round.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.ProcessOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

func (p *Pool) workerID(i int) string {
	return fmt.Sprintf("%s-%d", p.name, i)
}

func (p *Pool) run(ctx context.Context, workerID string) {
	logger := p.logger.With("worker", workerID)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	failures := 0
	for ctx.Err() == nil {
		n, err := p.safeRound(ctx, workerID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := retry.Exponential(p.cfg.ClaimBackoff, p.cfg.MaxClaimBackoff, failures)
			logger.Warn("round failed, backing off", "err", err, "failures", failures, "delay", delay)
			sleep(ctx, delay)
		case n == 0:
			failures = 0
			sleep(ctx, p.cfg.PollInterval)
		default:
			failures = 0
		}
	}
}

// safeRound runs round and turns a panic into ErrWorkerPanic.
func (p *Pool) safeRound(ctx context.Context, workerID string) (n int, err error) {
	defer func() {
		if v := recover(); v != nil {
			p.panics.Add(1)
			p.logger.Error("worker round panicked", "worker", workerID, "panic", v)
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, v)
		}
	}()
	return p.round(ctx, workerID)
}

// round claims one batch and processes every claimed chunk. Processing is
// detached from ctx cancellation so claimed chunks are always recorded.
func (p *Pool) round(ctx context.Context, workerID string) (int, error) {
	chunks, err := p.store.ClaimNext(ctx, p.cfg.BatchSize, workerID)
	if err != nil {
		p.claimErrors.Add(1)
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	p.claimed.Add(int64(len(chunks)))

	work := context.WithoutCancel(ctx)
	for _, chunk := range chunks {
		p.process(work, workerID, chunk)
	}
	return len(chunks), nil
}

func (p *Pool) process(ctx context.Context, workerID string, chunk *core.ChunkRecord) {
	logger := p.logger.With("worker", workerID, "chunk", chunk.ID, "job", chunk.Metadata.JobID)

	claim := chunk.ClaimToken()
	vector, err := p.embed(ctx, chunk)
	if err == nil {
		if werr := p.write(ctx, func() error {
			return p.store.MarkVectorized(ctx, chunk.ID, claim, vector)
		}); werr != nil {
			p.writeFailed(logger, "failed to record vector", werr)
			return
		}
		p.vectorized.Add(1)
		logger.Debug("chunk vectorized", "dims", len(vector))
		return
	}

	decision := p.retry.Decide(chunk, chunk.Attempts, err)
	if werr := p.write(ctx, func() error {
		return p.store.MarkFailed(ctx, chunk.ID, claim, decision.Reason, decision.Status, decision.RetryAt)
	}); werr != nil {
		p.writeFailed(logger.With("cause", err), "failed to record embedding failure", werr)
		return
	}

	if decision.Status == core.StatusRetrying {
		p.retried.Add(1)
		logger.Warn("embedding failed, will retry", "err", err, "retries", chunk.Attempts, "delay", decision.Delay)
	} else {
		p.failed.Add(1)
		logger.Error("embedding failed permanently", "err", err, "retries", chunk.Attempts)
	}
}

func (p *Pool) embed(ctx context.Context, chunk *core.ChunkRecord) ([]float32, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrTransientProvider, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.EmbedTimeout)
	defer cancel()

	vector, err := p.embedder.EmbedText(callCtx, chunk.Text)
	if err != nil {
		return nil, ai.ClassifyError(err)
	}
	if len(vector) == 0 {
		return nil, ai.MalformedResponse("empty vector")
	}
	if p.cfg.Dimensions > 0 && len(vector) != p.cfg.Dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", core.ErrDimensionMismatch, len(vector), p.cfg.Dimensions)
	}
	return vector, nil
}

// write retries a store update. Missing chunks, lost claims and illegal
// transitions are not retried.
func (p *Pool) write(ctx context.Context, op func() error) error {
	err := retry.RetryWithBackoff(ctx, func() error {
		err := op()
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrClaimLost) ||
			errors.Is(err, core.ErrInvalidTransition) {
			return retry.Stop(err)
		}
		return err
	}, p.cfg.WriteAttempts, p.cfg.WriteBackoff)
	switch {
	case errors.Is(err, storage.ErrClaimLost):
		p.claimsLost.Add(1)
	case err != nil:
		p.writeErrors.Add(1)
	}
	return err
}

func (p *Pool) writeFailed(logger *slog.Logger, msg string, err error) {
	if errors.Is(err, storage.ErrClaimLost) {
		logger.Warn("chunk reclaimed by another worker, result discarded", "err", err)
		return
	}
	logger.Error(msg, "err", err)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
