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

// Package chunker splits document text into overlapping, token-bounded
// chunks that prefer to end on sentence boundaries.
package chunker

import (
	"fmt"
	"strings"
	"time"

	"github.com/poiesic/ingest/core"
)

const (
	DefaultMaxTokens     = 256
	DefaultOverlapTokens = 32
)

// LanguageDetector tags chunk text with a language.
type LanguageDetector interface {
	Detect(text string) core.Language
}

// Config bounds chunk size.
type Config struct {
	MaxTokens     int
	OverlapTokens int
}

// DefaultConfig returns the default chunk bounds.
func DefaultConfig() Config {
	return Config{
		MaxTokens:     DefaultMaxTokens,
		OverlapTokens: DefaultOverlapTokens,
	}
}

// Validate checks the bounds are usable.
func (c Config) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: %w: maxTokens must be positive, got %d",
			core.ErrInvalidInput, core.ErrInvalidChunkingConfig, c.MaxTokens)
	}
	if c.OverlapTokens < 0 || c.OverlapTokens >= c.MaxTokens {
		return fmt.Errorf("%w: %w: overlapTokens must be in [0,%d), got %d",
			core.ErrInvalidInput, core.ErrInvalidChunkingConfig, c.MaxTokens, c.OverlapTokens)
	}
	return nil
}

// Chunker turns documents into queued chunk records.
type Chunker struct {
	cfg       Config
	tokenizer Tokenizer
	detector  LanguageDetector
	now       func() time.Time
}

// Option configures a Chunker.
type Option func(*Chunker) error

// WithTokenizer replaces the default WordTokenizer.
func WithTokenizer(t Tokenizer) Option {
	return func(c *Chunker) error {
		if t == nil {
			return fmt.Errorf("tokenizer cannot be nil")
		}
		c.tokenizer = t
		return nil
	}
}

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Chunker) error {
		c.now = now
		return nil
	}
}

// New creates a Chunker. detector may be nil, in which case every chunk
// is tagged core.LanguageUnknown.
func New(cfg Config, detector LanguageDetector, opts ...Option) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Chunker{
		cfg:       cfg,
		tokenizer: WordTokenizer{},
		detector:  detector,
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Config returns the chunker's bounds.
func (c *Chunker) Config() Config {
	return c.cfg
}

// Chunk splits text into chunk records owned by documentID and jobID.
// Records are returned in document order with Index set to their position.
func (c *Chunker) Chunk(text, documentID, jobID string, source core.SourceMetadata) ([]*core.ChunkRecord, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidInput, core.ErrEmptyDocument)
	}
	if documentID == "" {
		return nil, fmt.Errorf("%w: document id cannot be empty", core.ErrInvalidInput)
	}

	tokens := trimBlankTokens(text, c.tokenizer.Tokenize(text))
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidInput, core.ErrEmptyDocument)
	}

	now := core.Timestamp(c.now())
	windows := Windows(text, tokens, c.cfg)
	records := make([]*core.ChunkRecord, 0, len(windows))

	for _, w := range windows {
		chunkText := strings.TrimSpace(text[tokens[w.Start].Start:tokens[w.End-1].End])
		lang := core.LanguageUnknown
		if c.detector != nil {
			lang = c.detector.Detect(chunkText)
		}
		records = append(records, &core.ChunkRecord{
			ID:         core.NewChunkID(),
			DocumentID: documentID,
			Index:      len(records),
			Text:       chunkText,
			TokenCount: w.Len(),
			TokenRange: w,
			Metadata: core.Metadata{
				SourceMetadata: source,
				Language:       lang,
				Checksum:       core.Checksum(chunkText),
				JobID:          jobID,
			},
			Status:    core.StatusQueued,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	return records, nil
}

// Windows computes the token windows for tokens of text. Each window
// starts overlap tokens before the previous window's end and holds at
// most MaxTokens tokens, ending on the last sentence boundary past the
// previous end when there is one. A window made only of whitespace
// tokens is folded into the window before it, so that window may run past
// MaxTokens by whitespace alone. The windows cover every token.
func Windows(text string, tokens []Token, cfg Config) []core.TokenRange {
	n := len(tokens)
	if n == 0 {
		return nil
	}

	var windows []core.TokenRange
	start, prevEnd := 0, 0
	for {
		limit := min(start+cfg.MaxTokens, n)
		end := limit
		if limit < n {
			for j := limit - 1; j >= max(start, prevEnd); j-- {
				if sentenceEnd(text, tokens, j) {
					end = j + 1
					break
				}
			}
		}
		if len(windows) > 0 && blankRange(text, tokens[start:end]) {
			windows[len(windows)-1].End = end
		} else {
			windows = append(windows, core.TokenRange{Start: start, End: end})
		}
		if end >= n {
			return windows
		}
		start = max(end-cfg.OverlapTokens, start+1)
		prevEnd = end
	}
}

// sentenceEnd reports whether token i closes a sentence: it ends with
// terminal punctuation (optionally followed by closing quotes or
// brackets), or a line break follows it.
func sentenceEnd(text string, tokens []Token, i int) bool {
	tok := text[tokens[i].Start:tokens[i].End]
	if strings.Contains(tok, "\n") {
		return true
	}
	trimmed := strings.TrimRight(tok, " \t\"')]}»”’")
	if trimmed != "" {
		switch trimmed[len(trimmed)-1] {
		case '.', '!', '?':
			return true
		}
	}
	if i+1 < len(tokens) {
		gap := text[tokens[i].End:tokens[i+1].Start]
		return strings.Contains(gap, "\n")
	}
	return false
}

func blankRange(text string, tokens []Token) bool {
	for _, t := range tokens {
		if strings.TrimSpace(text[t.Start:t.End]) != "" {
			return false
		}
	}
	return true
}

// trimBlankTokens drops whitespace-only tokens at either end of tokens.
func trimBlankTokens(text string, tokens []Token) []Token {
	lo, hi := 0, len(tokens)
	for lo < hi && strings.TrimSpace(text[tokens[lo].Start:tokens[lo].End]) == "" {
		lo++
	}
	for hi > lo && strings.TrimSpace(text[tokens[hi-1].Start:tokens[hi-1].End]) == "" {
		hi--
	}
	return tokens[lo:hi]
}
