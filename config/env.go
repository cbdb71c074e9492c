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
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables read by ApplyEnv.
const (
	EnvStoreBackend      = "INGEST_STORE_BACKEND"
	EnvStorePath         = "INGEST_STORE_PATH"
	EnvDatabaseURL       = "INGEST_DATABASE_URL"
	EnvStaleAfter        = "INGEST_STALE_AFTER"
	EnvEmbedProvider     = "INGEST_EMBED_PROVIDER"
	EnvEmbedHost         = "INGEST_EMBED_HOST"
	EnvEmbedModel        = "INGEST_EMBED_MODEL"
	EnvEmbedAPIKey       = "INGEST_EMBED_API_KEY"
	EnvEmbedDimensions   = "INGEST_EMBED_DIMENSIONS"
	EnvMaxTokens         = "INGEST_MAX_TOKENS"
	EnvOverlapTokens     = "INGEST_OVERLAP_TOKENS"
	EnvTokenizer         = "INGEST_TOKENIZER"
	EnvDedup             = "INGEST_DEDUP"
	EnvWorkers           = "INGEST_WORKERS"
	EnvBatchSize         = "INGEST_BATCH_SIZE"
	EnvEmbedTimeout      = "INGEST_EMBED_TIMEOUT"
	EnvRequestsPerSecond = "INGEST_REQUESTS_PER_SECOND"
	EnvRetryBaseDelay    = "INGEST_RETRY_BASE_DELAY"
	EnvRetryMaxDelay     = "INGEST_RETRY_MAX_DELAY"
	EnvRetryMaxAttempts  = "INGEST_RETRY_MAX_ATTEMPTS"
)

// Provider keys honoured when INGEST_EMBED_API_KEY is unset.
var fallbackKeys = []string{"GEMINI_API_KEY", "OPENAI_API_KEY"}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads variables from the given .env files, or ./.env when
// none are given, without overriding variables already set. Missing files
// are ignored.
func LoadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overlays environment variables onto c. Every malformed value
// is reported.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a number", key, v))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a duration", key, v))
				return
			}
			*dst = Duration(d)
		}
	}

	str(EnvStoreBackend, &c.Store.Backend)
	str(EnvStorePath, &c.Store.Path)
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		c.Store.DSN = v
		if _, set := lookup(EnvStoreBackend); !set {
			c.Store.Backend = BackendPostgres
		}
	}
	duration(EnvStaleAfter, &c.Store.StaleAfter)

	str(EnvEmbedProvider, &c.Embedding.Provider)
	str(EnvEmbedHost, &c.Embedding.EmbeddingHost)
	str(EnvEmbedModel, &c.Embedding.EmbeddingModel)
	str(EnvEmbedAPIKey, &c.Embedding.APIKey)
	if c.Embedding.APIKey == "" {
		for _, key := range fallbackKeys {
			str(key, &c.Embedding.APIKey)
			if c.Embedding.APIKey != "" {
				break
			}
		}
	}
	integer(EnvEmbedDimensions, &c.Embedding.Dimensions)

	integer(EnvMaxTokens, &c.Chunking.MaxTokens)
	integer(EnvOverlapTokens, &c.Chunking.OverlapTokens)
	str(EnvTokenizer, &c.Chunking.Tokenizer)
	str(EnvDedup, &c.Chunking.Dedup)

	integer(EnvWorkers, &c.Workers.Count)
	integer(EnvBatchSize, &c.Workers.BatchSize)
	duration(EnvEmbedTimeout, &c.Workers.EmbedTimeout)
	float(EnvRequestsPerSecond, &c.Workers.RequestsPerSecond)

	duration(EnvRetryBaseDelay, &c.Retry.BaseDelay)
	duration(EnvRetryMaxDelay, &c.Retry.MaxDelay)
	integer(EnvRetryMaxAttempts, &c.Retry.MaxAttempts)

	return errors.Join(errs...)
}
