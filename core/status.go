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

package core

import (
	"fmt"
	"time"
)

// Status is the vectorization state of a chunk.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusVectorized Status = "vectorized"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusRetrying,
	StatusVectorized,
	StatusFailed,
}

// transitions holds the legal edges of the status machine. Requeueing a
// failed chunk is an operator action and is the only way out of a
// terminal state.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusVectorized, StatusRetrying, StatusFailed, StatusProcessing},
	StatusRetrying:   {StatusProcessing},
	StatusFailed:     {StatusQueued},
	StatusVectorized: nil,
}

// ParseStatus converts s into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s ends the automatic lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusVectorized || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

// Transition checks that moving from one status to another is legal.
// processing -> processing is allowed so stale claims can be taken over.
func Transition(from, to Status) error {
	if !from.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, from)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Claimable reports whether the chunk may be claimed at now. Processing
// chunks become claimable again once their claim is older than staleAfter;
// a non-positive staleAfter disables reclamation.
func (c *ChunkRecord) Claimable(now time.Time, staleAfter time.Duration) bool {
	switch c.Status {
	case StatusQueued:
		return true
	case StatusRetrying:
		return !c.RetryAt.After(now)
	case StatusProcessing:
		return staleAfter > 0 && c.UpdatedAt.Before(now.Add(-staleAfter))
	default:
		return false
	}
}

// ClaimToken identifies one claim of a chunk. Every claim, including a
// stale reclaim by another worker, issues a new token.
type ClaimToken struct {
	WorkerID  string
	ClaimedAt time.Time
}

// ClaimToken returns the token of the chunk's current claim.
func (c *ChunkRecord) ClaimToken() ClaimToken {
	return ClaimToken{WorkerID: c.ClaimedBy, ClaimedAt: c.UpdatedAt}
}

// HeldBy reports whether the chunk is still processing under token.
func (c *ChunkRecord) HeldBy(token ClaimToken) bool {
	return c.Status == StatusProcessing &&
		c.ClaimedBy == token.WorkerID &&
		c.UpdatedAt.Equal(token.ClaimedAt)
}

// Claim moves the chunk into processing on behalf of workerID.
func (c *ChunkRecord) Claim(workerID string, now time.Time) error {
	if err := Transition(c.Status, StatusProcessing); err != nil {
		return err
	}
	c.Status = StatusProcessing
	c.ClaimedBy = workerID
	c.Error = ""
	c.Vector = nil
	c.RetryAt = time.Time{}
	c.UpdatedAt = Timestamp(now)
	return nil
}

// MarkVectorized records a successful embedding.
func (c *ChunkRecord) MarkVectorized(vector []float32, now time.Time) error {
	if err := Transition(c.Status, StatusVectorized); err != nil {
		return err
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidChunk)
	}
	c.Status = StatusVectorized
	c.Vector = append([]float32(nil), vector...)
	c.Error = ""
	c.ClaimedBy = ""
	c.RetryAt = time.Time{}
	c.UpdatedAt = Timestamp(now)
	return nil
}

// MarkFailed records a failed attempt. next must be StatusRetrying or
// StatusFailed; retryAt is only kept for StatusRetrying.
func (c *ChunkRecord) MarkFailed(reason string, next Status, retryAt, now time.Time) error {
	if next != StatusRetrying && next != StatusFailed {
		return fmt.Errorf("%w: %s is not a failure status", ErrInvalidTransition, next)
	}
	if err := Transition(c.Status, next); err != nil {
		return err
	}
	c.Status = next
	c.Error = reason
	c.Vector = nil
	c.ClaimedBy = ""
	c.RetryAt = time.Time{}
	if next == StatusRetrying {
		c.Attempts++
		c.RetryAt = Timestamp(retryAt)
	}
	c.UpdatedAt = Timestamp(now)
	return nil
}

// Requeue returns a failed chunk to the queue with a fresh attempt budget.
func (c *ChunkRecord) Requeue(now time.Time) error {
	if err := Transition(c.Status, StatusQueued); err != nil {
		return err
	}
	c.Status = StatusQueued
	c.Error = ""
	c.Attempts = 0
	c.RetryAt = time.Time{}
	c.ClaimedBy = ""
	c.UpdatedAt = Timestamp(now)
	return nil
}
