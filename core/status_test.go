package core

import (
	"errors"
	"testing"
	"time"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		wantErr  error
	}{
		{StatusQueued, StatusProcessing, nil},
		{StatusProcessing, StatusVectorized, nil},
		{StatusProcessing, StatusRetrying, nil},
		{StatusProcessing, StatusFailed, nil},
		{StatusProcessing, StatusProcessing, nil},
		{StatusRetrying, StatusProcessing, nil},
		{StatusFailed, StatusQueued, nil},
		{StatusQueued, StatusVectorized, ErrInvalidTransition},
		{StatusQueued, StatusFailed, ErrInvalidTransition},
		{StatusRetrying, StatusVectorized, ErrInvalidTransition},
		{StatusVectorized, StatusQueued, ErrInvalidTransition},
		{StatusVectorized, StatusProcessing, ErrInvalidTransition},
		{StatusFailed, StatusProcessing, ErrInvalidTransition},
		{Status("bogus"), StatusQueued, ErrInvalidStatus},
		{StatusQueued, Status("bogus"), ErrInvalidStatus},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := Transition(tt.from, tt.to)
			if tt.wantErr == nil && err != nil {
				t.Errorf("Transition() unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Transition() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, st := range AllStatuses {
		got, err := ParseStatus(string(st))
		if err != nil || got != st {
			t.Errorf("ParseStatus(%q) = %v, %v", st, got, err)
		}
	}
	if _, err := ParseStatus("done"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("ParseStatus(done) error = %v, want ErrInvalidStatus", err)
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := map[Status]bool{StatusVectorized: true, StatusFailed: true}
	for _, st := range AllStatuses {
		if st.IsTerminal() != terminal[st] {
			t.Errorf("%s.IsTerminal() = %v", st, st.IsTerminal())
		}
	}
}

func TestChunkRecord_Claimable(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	stale := 5 * time.Minute

	tests := []struct {
		name   string
		record ChunkRecord
		want   bool
	}{
		{"queued", ChunkRecord{Status: StatusQueued}, true},
		{"retrying due", ChunkRecord{Status: StatusRetrying, RetryAt: now}, true},
		{"retrying later", ChunkRecord{Status: StatusRetrying, RetryAt: now.Add(time.Second)}, false},
		{"processing fresh", ChunkRecord{Status: StatusProcessing, UpdatedAt: now.Add(-time.Minute)}, false},
		{"processing stale", ChunkRecord{Status: StatusProcessing, UpdatedAt: now.Add(-10 * time.Minute)}, true},
		{"vectorized", ChunkRecord{Status: StatusVectorized}, false},
		{"failed", ChunkRecord{Status: StatusFailed}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.record.Claimable(now, stale); got != tt.want {
				t.Errorf("Claimable() = %v, want %v", got, tt.want)
			}
		})
	}

	stuck := ChunkRecord{Status: StatusProcessing, UpdatedAt: now.Add(-time.Hour)}
	if stuck.Claimable(now, 0) {
		t.Error("Claimable() should not reclaim when staleAfter is disabled")
	}
}

func TestChunkRecord_Lifecycle(t *testing.T) {
	now := time.Now()
	c := &ChunkRecord{Status: StatusQueued}

	if err := c.Claim("w1", now); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if c.Status != StatusProcessing || c.ClaimedBy != "w1" {
		t.Fatalf("Claim() left status=%s claimedBy=%s", c.Status, c.ClaimedBy)
	}

	retryAt := now.Add(time.Second)
	if err := c.MarkFailed("timeout", StatusRetrying, retryAt, now); err != nil {
		t.Fatalf("MarkFailed(retrying) error: %v", err)
	}
	if c.Attempts != 1 || c.Error != "timeout" || c.ClaimedBy != "" {
		t.Errorf("after retrying: attempts=%d error=%q claimedBy=%q", c.Attempts, c.Error, c.ClaimedBy)
	}
	if !c.RetryAt.Equal(Timestamp(retryAt)) {
		t.Errorf("RetryAt = %v, want %v", c.RetryAt, retryAt)
	}

	if err := c.Claim("w2", now); err != nil {
		t.Fatalf("Claim() from retrying error: %v", err)
	}
	if c.Error != "" || !c.RetryAt.IsZero() {
		t.Errorf("Claim() should clear error and retryAt")
	}

	if err := c.MarkVectorized([]float32{0.1, 0.2}, now); err != nil {
		t.Fatalf("MarkVectorized() error: %v", err)
	}
	if err := ValidateStatusFields(c); err != nil {
		t.Errorf("vectorized record invalid: %v", err)
	}

	if err := c.MarkFailed("late", StatusFailed, time.Time{}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkFailed() on vectorized error = %v, want ErrInvalidTransition", err)
	}
}

func TestChunkRecord_MarkFailedRejectsNonFailureStatus(t *testing.T) {
	c := &ChunkRecord{Status: StatusProcessing}
	if err := c.MarkFailed("x", StatusVectorized, time.Time{}, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkFailed(vectorized) error = %v, want ErrInvalidTransition", err)
	}
}

func TestChunkRecord_MarkVectorizedEmpty(t *testing.T) {
	c := &ChunkRecord{Status: StatusProcessing}
	if err := c.MarkVectorized(nil, time.Now()); !errors.Is(err, ErrInvalidChunk) {
		t.Errorf("MarkVectorized(nil) error = %v, want ErrInvalidChunk", err)
	}
}

func TestChunkRecord_Requeue(t *testing.T) {
	c := &ChunkRecord{Status: StatusFailed, Error: "boom", Attempts: 4}
	if err := c.Requeue(time.Now()); err != nil {
		t.Fatalf("Requeue() error: %v", err)
	}
	if c.Status != StatusQueued || c.Attempts != 0 || c.Error != "" {
		t.Errorf("Requeue() left status=%s attempts=%d error=%q", c.Status, c.Attempts, c.Error)
	}

	v := &ChunkRecord{Status: StatusVectorized}
	if err := v.Requeue(time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Requeue() on vectorized error = %v, want ErrInvalidTransition", err)
	}
}

func TestChunkRecord_HeldBy(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &ChunkRecord{Status: StatusQueued}
	if err := c.Claim("w1", now); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	first := c.ClaimToken()
	if !c.HeldBy(first) {
		t.Fatal("HeldBy(first) = false right after the claim")
	}

	if err := c.Claim("w1", now.Add(time.Minute)); err != nil {
		t.Fatalf("Claim() again error: %v", err)
	}
	if c.HeldBy(first) {
		t.Error("HeldBy(first) = true after the chunk was reclaimed")
	}
	if !c.HeldBy(c.ClaimToken()) {
		t.Error("HeldBy(current) = false")
	}

	if err := c.MarkVectorized([]float32{1}, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("MarkVectorized() error: %v", err)
	}
	if c.HeldBy(ClaimToken{WorkerID: "w1", ClaimedAt: now.Add(time.Minute)}) {
		t.Error("HeldBy() = true on a vectorized chunk")
	}
}
