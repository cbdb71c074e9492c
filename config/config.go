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

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/poiesic/ingest/ai"
	"github.com/poiesic/ingest/chunker"
	"github.com/poiesic/ingest/ingestion"
	"github.com/poiesic/ingest/language"
	"github.com/poiesic/ingest/retry"
	"github.com/poiesic/ingest/storage"
	"github.com/poiesic/ingest/vectorize"
)

// Store backends.
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Tokenizers.
const (
	TokenizerWord     = "word"
	TokenizerTiktoken = "tiktoken"
)

// StoreConfig selects and configures the chunk store.
type StoreConfig struct {
	Backend    string   `toml:"backend"`
	Path       string   `toml:"path"`
	DSN        string   `toml:"dsn"`
	StaleAfter Duration `toml:"stale_after"`
}

// ChunkingConfig bounds chunks and picks the tokenizer.
type ChunkingConfig struct {
	MaxTokens     int    `toml:"max_tokens"`
	OverlapTokens int    `toml:"overlap_tokens"`
	Tokenizer     string `toml:"tokenizer"`
	Encoding      string `toml:"encoding"`
	Dedup         string `toml:"dedup"`
}

// LanguageConfig tunes the language detector.
type LanguageConfig struct {
	MinSampleLength         int     `toml:"min_sample_length"`
	MinimumRelativeDistance float64 `toml:"minimum_relative_distance"`
}

// WorkerConfig configures the vectorization pool.
type WorkerConfig struct {
	Count             int      `toml:"count"`
	BatchSize         int      `toml:"batch_size"`
	PollInterval      Duration `toml:"poll_interval"`
	EmbedTimeout      Duration `toml:"embed_timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
}

// RetryConfig configures backoff for failed embeddings.
type RetryConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
}

// Config is the complete deployment configuration.
type Config struct {
	Store     StoreConfig    `toml:"store"`
	Embedding ai.Config      `toml:"embedding"`
	Chunking  ChunkingConfig `toml:"chunking"`
	Language  LanguageConfig `toml:"language"`
	Workers   WorkerConfig   `toml:"workers"`
	Retry     RetryConfig    `toml:"retry"`
}

// Option is a functional option for configuring a Config.
type Option func(*Config)

// WithBadger stores chunks in a BadgerDB directory.
func WithBadger(path string) Option {
	return func(c *Config) {
		c.Store.Backend = BackendBadger
		c.Store.Path = path
	}
}

// WithPostgres stores chunks in PostgreSQL.
func WithPostgres(dsn string) Option {
	return func(c *Config) {
		c.Store.Backend = BackendPostgres
		c.Store.DSN = dsn
	}
}

// WithEmbedding replaces the embedding provider settings.
func WithEmbedding(cfg ai.Config) Option {
	return func(c *Config) {
		c.Embedding = cfg
	}
}

// WithWorkers sets the number of vectorization workers.
func WithWorkers(n int) Option {
	return func(c *Config) {
		c.Workers.Count = n
	}
}

// WithChunking sets the chunk bounds.
func WithChunking(maxTokens, overlapTokens int) Option {
	return func(c *Config) {
		c.Chunking.MaxTokens = maxTokens
		c.Chunking.OverlapTokens = overlapTokens
	}
}

// DefaultPath is the default BadgerDB directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".ingest", "db")
	}
	return filepath.Join(home, ".ingest", "db")
}

// DefaultConfig returns a configuration for a local BadgerDB store and a
// local OpenAI-compatible embedding server.
func DefaultConfig() *Config {
	pool := vectorize.DefaultConfig()
	policy := retry.DefaultConfig()
	return &Config{
		Store: StoreConfig{
			Backend:    BackendBadger,
			Path:       DefaultPath(),
			StaleAfter: Duration(storage.DefaultStaleAfter),
		},
		Embedding: *ai.DefaultConfig(),
		Chunking: ChunkingConfig{
			MaxTokens:     chunker.DefaultMaxTokens,
			OverlapTokens: chunker.DefaultOverlapTokens,
			Tokenizer:     TokenizerWord,
			Encoding:      chunker.DefaultEncoding,
			Dedup:         ingestion.DedupSkipExisting.String(),
		},
		Language: LanguageConfig{
			MinSampleLength:         language.DefaultMinSampleLength,
			MinimumRelativeDistance: language.DefaultMinimumRelativeDistance,
		},
		Workers: WorkerConfig{
			Count:        pool.Workers,
			BatchSize:    pool.BatchSize,
			PollInterval: Duration(pool.PollInterval),
			EmbedTimeout: Duration(pool.EmbedTimeout),
		},
		Retry: RetryConfig{
			BaseDelay:   Duration(policy.BaseDelay),
			MaxDelay:    Duration(policy.MaxDelay),
			MaxAttempts: policy.MaxAttempts,
		},
	}
}

// New creates a Config with the default values and applies the provided options.
func New(opts ...Option) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Load reads defaults, then the TOML file at path if path is not empty,
// then the environment. Unknown TOML keys are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.Decode(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode overlays TOML data onto c.
func (c *Config) Decode(data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(c)
}

// Encode renders c as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendBadger:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store: path is required for badger"))
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store: dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown backend %q", c.Store.Backend))
	}
	if c.Store.StaleAfter < 0 {
		errs = append(errs, errors.New("store: stale_after cannot be negative"))
	}

	if err := c.Embedding.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.ChunkerConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Chunking.Tokenizer {
	case TokenizerWord, TokenizerTiktoken:
	default:
		errs = append(errs, fmt.Errorf("chunking: unknown tokenizer %q", c.Chunking.Tokenizer))
	}
	if _, err := ingestion.ParseDedupPolicy(c.Chunking.Dedup); err != nil {
		errs = append(errs, err)
	}
	if d := c.Language.MinimumRelativeDistance; d < 0 || d >= 1 {
		errs = append(errs, fmt.Errorf("language: minimum_relative_distance must be in [0,1), got %v", d))
	}
	if err := c.PoolConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ChunkerConfig returns the chunk bounds.
func (c *Config) ChunkerConfig() chunker.Config {
	return chunker.Config{
		MaxTokens:     c.Chunking.MaxTokens,
		OverlapTokens: c.Chunking.OverlapTokens,
	}
}

// DedupPolicy returns the parsed dedup policy, defaulting to skip.
func (c *Config) DedupPolicy() ingestion.DedupPolicy {
	policy, err := ingestion.ParseDedupPolicy(c.Chunking.Dedup)
	if err != nil {
		return ingestion.DedupSkipExisting
	}
	return policy
}

// PoolConfig returns the worker pool settings. The expected vector size
// comes from the embedding section.
func (c *Config) PoolConfig() vectorize.Config {
	pool := vectorize.DefaultConfig()
	pool.Workers = c.Workers.Count
	pool.BatchSize = c.Workers.BatchSize
	pool.PollInterval = c.Workers.PollInterval.Std()
	pool.EmbedTimeout = c.Workers.EmbedTimeout.Std()
	pool.RequestsPerSecond = c.Workers.RequestsPerSecond
	pool.Burst = c.Workers.Burst
	pool.Dimensions = c.Embedding.Dimensions
	return pool
}

// RetryPolicy returns the backoff policy.
func (c *Config) RetryPolicy() retry.Config {
	return retry.Config{
		BaseDelay:   c.Retry.BaseDelay.Std(),
		MaxDelay:    c.Retry.MaxDelay.Std(),
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

// LanguageOptions returns the detector options.
func (c *Config) LanguageOptions() []language.Option {
	return []language.Option{
		language.WithMinSampleLength(c.Language.MinSampleLength),
		language.WithMinimumRelativeDistance(c.Language.MinimumRelativeDistance),
	}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Embedding.APIKey != "" {
		out.Embedding.APIKey = "***"
	}
	if out.Store.DSN != "" {
		out.Store.DSN = redactDSN(out.Store.DSN)
	}
	return &out
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if user, _, ok := strings.Cut(userinfo, ":"); ok {
		return dsn[:scheme+3] + user + ":***" + dsn[at:]
	}
	return dsn
}

// StaleAfter returns the stale-claim threshold.
func (c *Config) StaleAfter() time.Duration {
	return c.Store.StaleAfter.Std()
}
