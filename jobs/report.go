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
	"fmt"

	"github.com/poiesic/ingest/core"
)

// State is the aggregate state of a job.
type State string

const (
	// StatePending means no chunk has reached a terminal status yet.
	StatePending State = "pending"
	// StatePartial means some chunks are terminal and some are not.
	StatePartial State = "partial"
	// StateComplete means every chunk is vectorized.
	StateComplete State = "complete"
	// StateCompleteWithFailures means every chunk is terminal and at least
	// one failed.
	StateCompleteWithFailures State = "complete_with_failures"
)

// Done reports whether the job will not change without operator action.
func (s State) Done() bool {
	return s == StateComplete || s == StateCompleteWithFailures
}

// Counts holds the number of chunks in each status.
type Counts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Retrying   int `json:"retrying"`
	Vectorized int `json:"vectorized"`
	Failed     int `json:"failed"`
}

// Add counts one chunk in status s.
func (c *Counts) Add(s core.Status) {
	switch s {
	case core.StatusQueued:
		c.Queued++
	case core.StatusProcessing:
		c.Processing++
	case core.StatusRetrying:
		c.Retrying++
	case core.StatusVectorized:
		c.Vectorized++
	case core.StatusFailed:
		c.Failed++
	}
}

// Total is the number of counted chunks.
func (c Counts) Total() int {
	return c.Pending() + c.Terminal()
}

// Pending is the number of chunks that can still change on their own.
func (c Counts) Pending() int {
	return c.Queued + c.Processing + c.Retrying
}

// Terminal is the number of vectorized or failed chunks.
func (c Counts) Terminal() int {
	return c.Vectorized + c.Failed
}

// State derives the job state from the counts.
func (c Counts) State() State {
	switch {
	case c.Pending() == 0 && c.Failed == 0:
		return StateComplete
	case c.Pending() == 0:
		return StateCompleteWithFailures
	case c.Terminal() == 0:
		return StatePending
	default:
		return StatePartial
	}
}

// Report is a snapshot of a job.
type Report struct {
	JobID  string `json:"job_id"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
	Total  int    `json:"total"`
}

// Derive builds a report from chunk statuses keyed by chunk id.
// An empty map yields ErrJobNotFound.
func Derive(jobID string, statuses map[string]core.Status) (Report, error) {
	if len(statuses) == 0 {
		return Report{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	var counts Counts
	for _, s := range statuses {
		counts.Add(s)
	}
	return Report{
		JobID:  jobID,
		State:  counts.State(),
		Counts: counts,
		Total:  counts.Total(),
	}, nil
}

// Percent is the share of chunks in a terminal status.
func (r Report) Percent() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Counts.Terminal()) / float64(r.Total) * 100.0
}

// String renders a one-line summary.
func (r Report) String() string {
	return fmt.Sprintf("job %s: %s, %d/%d done (%.1f%%), %d vectorized, %d failed, %d retrying",
		r.JobID, r.State, r.Counts.Terminal(), r.Total, r.Percent(),
		r.Counts.Vectorized, r.Counts.Failed, r.Counts.Retrying)
}
