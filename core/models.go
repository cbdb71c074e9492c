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
	"encoding/hex"
	"time"

	"github.com/go-crypt/x/blake2b"
	"github.com/google/uuid"
)

// Language is the detected natural language of a chunk.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageDutch   Language = "nl"
	LanguageUnknown Language = "unknown"
)

// ParseLanguage maps a stored language code back to a Language.
// Anything outside the supported set is LanguageUnknown.
func ParseLanguage(s string) Language {
	switch Language(s) {
	case LanguageEnglish, LanguageDutch:
		return Language(s)
	default:
		return LanguageUnknown
	}
}

// SourceType identifies where a document came from.
type SourceType string

const (
	SourceTypeFile SourceType = "file"
	SourceTypeURL  SourceType = "url"
	SourceTypeText SourceType = "text"
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	switch s {
	case SourceTypeFile, SourceTypeURL, SourceTypeText:
		return true
	}
	return false
}

// SourceMetadata describes the origin of a document. It is copied onto
// every chunk cut from that document.
type SourceMetadata struct {
	SourceType SourceType
	URL        string
	Filename   string
	Title      string
}

// Metadata is the per-chunk metadata persisted alongside the text.
type Metadata struct {
	SourceMetadata
	Language Language
	Checksum string
	JobID    string
}

// TokenRange is the half-open token interval [Start, End) a chunk covers
// within its document.
type TokenRange struct {
	Start int
	End   int
}

// Len returns the number of tokens in the range.
func (r TokenRange) Len() int {
	return r.End - r.Start
}

// ChunkRecord is a contiguous slice of a document tracked through the
// vectorization status machine.
type ChunkRecord struct {
	ID         string
	DocumentID string
	Index      int
	Text       string
	TokenCount int
	TokenRange TokenRange
	Metadata   Metadata
	Status     Status
	Vector     []float32 // Only set while Status is StatusVectorized
	Error      string    // Only set while Status is StatusFailed or StatusRetrying
	Attempts   int       // Number of processing -> retrying transitions
	RetryAt    time.Time // Earliest claim time while retrying
	ClaimedBy  string    // Worker holding the claim while processing
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Clone returns a deep copy of the record.
func (c *ChunkRecord) Clone() *ChunkRecord {
	if c == nil {
		return nil
	}
	out := *c
	if c.Vector != nil {
		out.Vector = append([]float32(nil), c.Vector...)
	}
	return &out
}

// NewChunkID returns a fresh random chunk identifier.
func NewChunkID() string {
	return uuid.NewString()
}

// Checksum returns the hex encoded BLAKE2b-256 digest of text.
// Identical text always yields the identical checksum.
func Checksum(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Now returns the current time truncated to the microsecond resolution
// every store persists.
func Now() time.Time {
	return Timestamp(time.Now())
}

// Timestamp normalizes t to UTC at microsecond resolution.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Microsecond)
}
