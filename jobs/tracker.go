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

package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/ingest/core"
	"github.com/poiesic/ingest/storage"
)

// Failure describes a chunk that ended in failed.
type Failure struct {
	ChunkID    string
	DocumentID string
	Index      int
	Error      string
}

// Tracker derives job reports from a chunk store.
type Tracker struct {
	store  storage.ChunkStore
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a tracker reading from store.
func NewTracker(store storage.ChunkStore, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	t := &Tracker{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "job-tracker")
	return t, nil
}

// Status returns the current report for jobID.
func (t *Tracker) Status(ctx context.Context, jobID string) (Report, error) {
	statuses, err := t.store.GetJobChunkStatuses(ctx, jobID)
	if err != nil {
		return Report{}, err
	}
	return Derive(jobID, statuses)
}

// Failures lists the failed chunks of jobID in document order.
func (t *Tracker) Failures(ctx context.Context, jobID string) ([]Failure, error) {
	chunks, err := t.store.GetJobChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	var out []Failure
	for _, c := range chunks {
		if c.Status != core.StatusFailed {
			continue
		}
		out = append(out, Failure{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Index:      c.Index,
			Error:      c.Error,
		})
	}
	return out, nil
}

// Wait polls every interval until the job is done or ctx ends.
func (t *Tracker) Wait(ctx context.Context, jobID string, interval time.Duration) (Report, error) {
	return t.Watch(ctx, jobID, interval, nil)
}

// Watch polls like Wait and writes a progress line to w after every poll
// that changed the counts. A nil w disables output.
func (t *Tracker) Watch(ctx context.Context, jobID string, interval time.Duration, w io.Writer) (Report, error) {
	if interval <= 0 {
		return Report{}, ErrInvalidInterval
	}

	start := time.Now()
	var last Counts
	first := true

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := t.Status(ctx, jobID)
		if err != nil {
			return report, err
		}
		if w != nil && (first || report.Counts != last) {
			printProgress(w, report, time.Since(start))
		}
		first = false
		last = report.Counts

		if report.State.Done() {
			if w != nil {
				fmt.Fprintln(w)
			}
			t.logger.Debug("job done", "job", jobID, "state", report.State, "elapsed", time.Since(start))
			return report, nil
		}

		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printProgress(w io.Writer, r Report, elapsed time.Duration) {
	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(r.Counts.Terminal()) / secs
	}
	fmt.Fprintf(w, "\rProgress: %d/%d (%.1f%%) - %d failed - %.1f chunks/s",
		r.Counts.Terminal(), r.Total, r.Percent(), r.Counts.Failed, rate)
}
