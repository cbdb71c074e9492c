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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/ingest/ai"
	"github.com/poiesic/ingest/ai/gemini"
	"github.com/poiesic/ingest/ai/openai"
	"github.com/poiesic/ingest/chunker"
	"github.com/poiesic/ingest/config"
	"github.com/poiesic/ingest/extract"
	"github.com/poiesic/ingest/ingestion"
	"github.com/poiesic/ingest/jobs"
	"github.com/poiesic/ingest/language"
	"github.com/poiesic/ingest/retry"
	"github.com/poiesic/ingest/storage"
	"github.com/poiesic/ingest/storage/badger"
	"github.com/poiesic/ingest/storage/postgres"
	"github.com/poiesic/ingest/vectorize"
)

// Service is the assembled ingestion system.
type Service struct {
	cfg      *config.Config
	store    storage.ChunkStore
	provider ai.AIProvider
	pipeline *ingestion.Pipeline
	pool     *vectorize.Pool
	tracker  *jobs.Tracker
	logger   *slog.Logger

	ownsStore    bool
	ownsProvider bool
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	store     storage.ChunkStore
	provider  ai.AIProvider
	detector  chunker.LanguageDetector
	tokenizer chunker.Tokenizer
	logger    *slog.Logger
}

// WithStore uses an existing chunk store instead of opening one.
func WithStore(store storage.ChunkStore) Option {
	return func(o *serviceOptions) {
		o.store = store
	}
}

// WithProvider uses an existing embedding provider.
func WithProvider(provider ai.AIProvider) Option {
	return func(o *serviceOptions) {
		o.provider = provider
	}
}

// WithDetector replaces the lingua-backed language detector.
func WithDetector(detector chunker.LanguageDetector) Option {
	return func(o *serviceOptions) {
		o.detector = detector
	}
}

// WithTokenizer replaces the configured tokenizer.
func WithTokenizer(tokenizer chunker.Tokenizer) Option {
	return func(o *serviceOptions) {
		o.tokenizer = tokenizer
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// NewService validates cfg and builds every component.
func NewService(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	options := &serviceOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}

	s := &Service{
		cfg:    cfg,
		logger: options.logger.With("component", "service"),
	}

	var err error
	s.store = options.store
	if s.store == nil {
		if s.store, err = openStore(ctx, cfg, options.logger); err != nil {
			return nil, err
		}
		s.ownsStore = true
	}

	s.provider = options.provider
	if s.provider == nil {
		if s.provider, err = openProvider(ctx, &cfg.Embedding); err != nil {
			s.Close()
			return nil, err
		}
		s.ownsProvider = true
	}

	if err := s.build(cfg, options); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(cfg *config.Config, options *serviceOptions) error {
	tokenizer := options.tokenizer
	if tokenizer == nil {
		var err error
		if tokenizer, err = newTokenizer(cfg); err != nil {
			return err
		}
	}

	detector := options.detector
	if detector == nil {
		detector = language.NewDetector(cfg.LanguageOptions()...)
	}

	ch, err := chunker.New(cfg.ChunkerConfig(), detector, chunker.WithTokenizer(tokenizer))
	if err != nil {
		return err
	}

	s.pipeline, err = ingestion.NewPipeline(s.store, ch,
		ingestion.WithDedupPolicy(cfg.DedupPolicy()),
		ingestion.WithLogger(options.logger),
	)
	if err != nil {
		return err
	}

	mgr, err := retry.NewManager(cfg.RetryPolicy(), retry.WithLogger(options.logger))
	if err != nil {
		return err
	}

	s.pool, err = vectorize.NewPool(s.store, s.provider.Embedder(), mgr, cfg.PoolConfig(),
		vectorize.WithLogger(options.logger))
	if err != nil {
		return err
	}

	s.tracker, err = jobs.NewTracker(s.store, jobs.WithLogger(options.logger))
	return err
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.ChunkStore, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		return postgres.NewChunkStore(ctx, cfg.Store.DSN,
			postgres.WithStaleAfter(cfg.StaleAfter()),
			postgres.WithLogger(logger),
		)
	default:
		return badger.NewChunkStore(cfg.Store.Path,
			badger.WithStaleAfter(cfg.StaleAfter()),
			badger.WithLogger(logger),
		)
	}
}

func openProvider(ctx context.Context, cfg *ai.Config) (ai.AIProvider, error) {
	switch cfg.Provider {
	case ai.ProviderGemini:
		return gemini.NewProvider(ctx, cfg)
	default:
		return openai.NewProvider(cfg)
	}
}

func newTokenizer(cfg *config.Config) (chunker.Tokenizer, error) {
	if cfg.Chunking.Tokenizer == config.TokenizerTiktoken {
		return chunker.NewTiktokenTokenizer(cfg.Chunking.Encoding)
	}
	return chunker.WordTokenizer{}, nil
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Store returns the chunk store.
func (s *Service) Store() storage.ChunkStore {
	return s.store
}

// Pool returns the vectorization worker pool.
func (s *Service) Pool() *vectorize.Pool {
	return s.pool
}

// Ingest chunks a document and queues its chunks.
func (s *Service) Ingest(ctx context.Context, doc ingestion.Document) (*ingestion.Job, error) {
	return s.pipeline.Ingest(ctx, doc)
}

// IngestFile extracts the text of a file and ingests it. An empty
// documentID defaults to the file name.
func (s *Service) IngestFile(ctx context.Context, path, documentID string) (*ingestion.Job, error) {
	res, err := extract.File(ctx, path)
	if err != nil {
		return nil, err
	}
	if documentID == "" {
		documentID = res.Source.Filename
	}
	return s.pipeline.Ingest(ctx, ingestion.Document{
		ID:     documentID,
		Text:   res.Text,
		Source: res.Source,
	})
}

// Start launches the vectorization workers.
func (s *Service) Start(ctx context.Context) error {
	return s.pool.Start(ctx)
}

// Stop stops the workers after their in-flight chunks are recorded.
func (s *Service) Stop() {
	s.pool.Stop()
}

// Status reports the progress of a job.
func (s *Service) Status(ctx context.Context, jobID string) (jobs.Report, error) {
	return s.tracker.Status(ctx, jobID)
}

// Failures lists the failed chunks of a job.
func (s *Service) Failures(ctx context.Context, jobID string) ([]jobs.Failure, error) {
	return s.tracker.Failures(ctx, jobID)
}

// Wait polls a job until every chunk is terminal.
func (s *Service) Wait(ctx context.Context, jobID string, interval time.Duration) (jobs.Report, error) {
	return s.tracker.Wait(ctx, jobID, interval)
}

// Watch is Wait with progress lines written to w.
func (s *Service) Watch(ctx context.Context, jobID string, interval time.Duration, w io.Writer) (jobs.Report, error) {
	return s.tracker.Watch(ctx, jobID, interval, w)
}

// Requeue moves a job's failed chunks back to queued.
func (s *Service) Requeue(ctx context.Context, jobID string) (int, error) {
	n, err := s.store.RequeueFailed(ctx, jobID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("requeued failed chunks", "job", jobID, "count", n)
	return n, nil
}

// Close stops the workers and releases what the service opened, in
// reverse order of construction.
func (s *Service) Close() error {
	if s.pool != nil {
		s.pool.Stop()
	}

	var errs []error
	if s.ownsProvider && s.provider != nil {
		if err := s.provider.Close(); err != nil {
			s.logger.Error("error closing AI provider", "err", err)
			errs = append(errs, err)
		}
	}
	if s.ownsStore && s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("error closing chunk store", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
