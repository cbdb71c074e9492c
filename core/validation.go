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
	"strings"
)

// ValidateChunkRecord validates a ChunkRecord according to domain rules.
//
// Validation rules:
//   - ID, DocumentID and Text must not be empty
//   - Index must not be negative
//   - TokenRange must be non-empty and agree with TokenCount
//   - Checksum must match Text
//   - Status must be valid
//   - Vector only when vectorized, Error only when failed or retrying
func ValidateChunkRecord(record *ChunkRecord) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidChunk)
	}

	if record.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidChunk)
	}

	if record.DocumentID == "" {
		return fmt.Errorf("%w: missing document id", ErrInvalidChunk)
	}

	if strings.TrimSpace(record.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidChunk)
	}

	if record.Index < 0 {
		return fmt.Errorf("%w: negative index %d", ErrInvalidChunk, record.Index)
	}

	if err := ValidateTokenRange(record.TokenRange); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidChunk, err)
	}

	if record.TokenCount != record.TokenRange.Len() {
		return fmt.Errorf("%w: token count %d does not match range %d",
			ErrInvalidChunk, record.TokenCount, record.TokenRange.Len())
	}

	if record.Metadata.Checksum != Checksum(record.Text) {
		return fmt.Errorf("%w: checksum does not match text", ErrInvalidChunk)
	}

	if !record.Status.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidChunk, ErrInvalidStatus, record.Status)
	}

	return ValidateStatusFields(record)
}

// ValidateTokenRange checks that a range is non-empty and non-negative.
func ValidateTokenRange(r TokenRange) error {
	if r.Start < 0 || r.End <= r.Start {
		return fmt.Errorf("token range [%d,%d) is empty or negative", r.Start, r.End)
	}
	return nil
}

// ValidateStatusFields checks that Vector and Error agree with Status.
func ValidateStatusFields(record *ChunkRecord) error {
	hasVector := len(record.Vector) > 0
	hasError := record.Error != ""

	if hasVector && hasError {
		return fmt.Errorf("%w: both vector and error set", ErrInvalidChunk)
	}
	if record.Status == StatusVectorized && !hasVector {
		return fmt.Errorf("%w: vectorized without vector", ErrInvalidChunk)
	}
	if hasVector && record.Status != StatusVectorized {
		return fmt.Errorf("%w: vector present in status %s", ErrInvalidChunk, record.Status)
	}
	if hasError && record.Status != StatusFailed && record.Status != StatusRetrying {
		return fmt.Errorf("%w: error present in status %s", ErrInvalidChunk, record.Status)
	}
	return nil
}
