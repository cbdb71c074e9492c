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

package retry

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/ingest/core"
)

// Default backoff settings.
const (
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultMaxAttempts = 5
)

// Config holds the backoff policy.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultConfig returns the default backoff policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Validate checks the policy is usable.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts <= 0:
		return ErrInvalidMaxAttempts
	case c.BaseDelay <= 0:
		return fmt.Errorf("retry: base delay must be positive, got %s", c.BaseDelay)
	case c.MaxDelay < c.BaseDelay:
		return fmt.Errorf("retry: max delay %s is below base delay %s", c.MaxDelay, c.BaseDelay)
	}
	return nil
}

// Decision is the outcome for one failed attempt.
type Decision struct {
	// Status is core.StatusRetrying or core.StatusFailed.
	Status core.Status
	// RetryAt is when the chunk becomes claimable again. Zero when failed.
	RetryAt time.Time
	// Delay is RetryAt minus the decision time. Zero when failed.
	Delay time.Duration
	// Reason replaces the chunk's recorded error.
	Reason string
}

// Manager turns failures into retry decisions.
// It holds no per-chunk state and is safe for concurrent use.
type Manager struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager validates cfg and builds a Manager.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:    cfg,
		now:    core.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "retry-manager")
	return m, nil
}

// Config returns the policy in use.
func (m *Manager) Config() Config {
	return m.cfg
}

// Backoff returns the delay after the n-th failure.
func (m *Manager) Backoff(n int) time.Duration {
	return Exponential(m.cfg.BaseDelay, m.cfg.MaxDelay, n)
}

// Decide classifies a failure of chunk after attemptCount earlier
// processing to retrying transitions (chunk.Attempts) and returns the
// next status. Once attemptCount reaches MaxAttempts the chunk fails.
func (m *Manager) Decide(chunk *core.ChunkRecord, attemptCount int, failure error) Decision {
	attemptCount = max(attemptCount, 0)
	reason := "unknown failure"
	if failure != nil {
		reason = failure.Error()
	}

	logger := m.logger
	if chunk != nil {
		logger = logger.With("chunk", chunk.ID)
	}

	if !IsRetryable(failure) {
		logger.Debug("permanent failure", "retries", attemptCount, "err", failure)
		return Decision{Status: core.StatusFailed, Reason: reason}
	}
	if attemptCount >= m.cfg.MaxAttempts {
		logger.Debug("retries exhausted", "retries", attemptCount, "max", m.cfg.MaxAttempts, "err", failure)
		return Decision{
			Status: core.StatusFailed,
			Reason: fmt.Sprintf("giving up after %d retries: %s", attemptCount, reason),
		}
	}

	delay := m.Backoff(attemptCount + 1)
	logger.Debug("scheduling retry", "retries", attemptCount, "delay", delay)
	return Decision{
		Status:  core.StatusRetrying,
		RetryAt: m.now().Add(delay),
		Delay:   delay,
		Reason:  reason,
	}
}

// IsRetryable reports whether a failure may succeed on a later attempt.
// Permanent provider failures and invalid input are not retryable.
// Unclassified errors are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var stop *stopError
	switch {
	case errors.As(err, &stop),
		errors.Is(err, core.ErrPermanentProvider),
		errors.Is(err, core.ErrDimensionMismatch),
		errors.Is(err, core.ErrMalformedResponse),
		errors.Is(err, core.ErrInvalidInput):
		return false
	}
	return true
}

// Exponential returns base * 2^(n-1), capped at maxDelay.
func Exponential(base, maxDelay time.Duration, n int) time.Duration {
	delay := base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}
