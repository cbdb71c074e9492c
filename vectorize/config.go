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
	"fmt"
	"runtime"
	"time"
)

// Config holds worker pool settings.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
	// BatchSize is the number of chunks a worker claims per round.
	BatchSize int
	// PollInterval is how long an idle worker sleeps after an empty claim.
	PollInterval time.Duration
	// EmbedTimeout bounds each embedding call.
	EmbedTimeout time.Duration
	// Dimensions is the expected vector size. Zero disables the check.
	Dimensions int
	// ClaimBackoff and MaxClaimBackoff bound the sleep after a failed claim.
	ClaimBackoff    time.Duration
	MaxClaimBackoff time.Duration
	// WriteAttempts and WriteBackoff bound write-back retries.
	WriteAttempts int
	WriteBackoff  time.Duration
	// RequestsPerSecond limits embedding calls across all workers.
	// Zero means unlimited.
	RequestsPerSecond float64
	// Burst is the limiter burst size. Defaults to Workers.
	Burst int
}

// DefaultConfig returns the default pool settings.
// Workers defaults to runtime.NumCPU() / 2, with a minimum of 1.
func DefaultConfig() Config {
	return Config{
		Workers:         max(runtime.NumCPU()/2, 1),
		BatchSize:       8,
		PollInterval:    500 * time.Millisecond,
		EmbedTimeout:    30 * time.Second,
		ClaimBackoff:    500 * time.Millisecond,
		MaxClaimBackoff: 30 * time.Second,
		WriteAttempts:   3,
		WriteBackoff:    100 * time.Millisecond,
	}
}

// Validate checks the settings are usable.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalidConfig)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be at least 1", ErrInvalidConfig)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	case c.EmbedTimeout <= 0:
		return fmt.Errorf("%w: embed timeout must be positive", ErrInvalidConfig)
	case c.Dimensions < 0:
		return fmt.Errorf("%w: dimensions cannot be negative", ErrInvalidConfig)
	case c.ClaimBackoff <= 0 || c.MaxClaimBackoff < c.ClaimBackoff:
		return fmt.Errorf("%w: claim backoff must be positive and not above its maximum", ErrInvalidConfig)
	case c.WriteAttempts < 1:
		return fmt.Errorf("%w: write attempts must be at least 1", ErrInvalidConfig)
	case c.RequestsPerSecond < 0:
		return fmt.Errorf("%w: requests per second cannot be negative", ErrInvalidConfig)
	}
	return nil
}
