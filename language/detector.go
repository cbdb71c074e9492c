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

// Package language tags chunk text with a natural language code.
//
// Detection is restricted to a small whitelist. Text recognised as any
// other language, or too ambiguous to call, is reported as unknown.
package language

import (
	"strings"
	"unicode/utf8"

	"github.com/pemistahl/lingua-go"
	"github.com/poiesic/ingest/core"
)

const (
	// DefaultMinSampleLength is the rune count below which short samples
	// are repeated before classification.
	DefaultMinSampleLength = 24

	// DefaultMinimumRelativeDistance is handed to lingua to reject
	// near-ties between candidate languages.
	DefaultMinimumRelativeDistance = 0.0
)

var supported = map[core.Language]lingua.Language{
	core.LanguageEnglish: lingua.English,
	core.LanguageDutch:   lingua.Dutch,
}

// DefaultCandidates is the wider set the classifier chooses from so that
// non-whitelisted text is recognised as such.
var DefaultCandidates = []lingua.Language{
	lingua.English,
	lingua.Dutch,
	lingua.German,
	lingua.French,
	lingua.Spanish,
	lingua.Italian,
	lingua.Portuguese,
}

// Detector classifies text into the supported languages.
type Detector struct {
	detector        lingua.LanguageDetector
	whitelist       map[lingua.Language]core.Language
	minSampleLength int
}

// Option configures a Detector.
type Option func(*options)

type options struct {
	minSampleLength int
	whitelist       []core.Language
	candidates      []lingua.Language
	minDistance     float64
}

// WithMinSampleLength sets the minimum sample length in runes.
func WithMinSampleLength(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.minSampleLength = n
		}
	}
}

// WithWhitelist restricts the reported languages. Unsupported codes are ignored.
func WithWhitelist(langs ...core.Language) Option {
	return func(o *options) {
		o.whitelist = langs
	}
}

// WithCandidates replaces the classifier's candidate set.
func WithCandidates(langs ...lingua.Language) Option {
	return func(o *options) {
		o.candidates = langs
	}
}

// WithMinimumRelativeDistance sets lingua's minimum relative distance (0..0.99).
func WithMinimumRelativeDistance(d float64) Option {
	return func(o *options) {
		if d >= 0 && d < 1 {
			o.minDistance = d
		}
	}
}

// NewDetector builds a Detector. The underlying models are loaded eagerly
// so the first Detect call does not pay for it.
func NewDetector(opts ...Option) *Detector {
	o := &options{
		minSampleLength: DefaultMinSampleLength,
		whitelist:       []core.Language{core.LanguageEnglish, core.LanguageDutch},
		candidates:      DefaultCandidates,
		minDistance:     DefaultMinimumRelativeDistance,
	}
	for _, opt := range opts {
		opt(o)
	}

	whitelist := make(map[lingua.Language]core.Language, len(o.whitelist))
	for _, l := range o.whitelist {
		if ll, ok := supported[l]; ok {
			whitelist[ll] = l
		}
	}

	candidates := make([]lingua.Language, 0, len(o.candidates)+len(whitelist))
	seen := make(map[lingua.Language]bool)
	for _, l := range o.candidates {
		if !seen[l] {
			seen[l] = true
			candidates = append(candidates, l)
		}
	}
	for l := range whitelist {
		if !seen[l] {
			seen[l] = true
			candidates = append(candidates, l)
		}
	}
	// lingua refuses to build with fewer than two languages.
	for _, l := range DefaultCandidates {
		if len(candidates) >= 2 {
			break
		}
		if !seen[l] {
			seen[l] = true
			candidates = append(candidates, l)
		}
	}

	detector := lingua.NewLanguageDetectorBuilder().
		FromLanguages(candidates...).
		WithMinimumRelativeDistance(o.minDistance).
		WithPreloadedLanguageModels().
		Build()

	return &Detector{
		detector:        detector,
		whitelist:       whitelist,
		minSampleLength: o.minSampleLength,
	}
}

// Detect returns the language of text, or core.LanguageUnknown when the
// text is empty, ambiguous or not in the whitelist.
func (d *Detector) Detect(text string) core.Language {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return core.LanguageUnknown
	}

	sample = padSample(sample, d.minSampleLength)

	detected, ok := d.detector.DetectLanguageOf(sample)
	if !ok {
		return core.LanguageUnknown
	}
	if lang, ok := d.whitelist[detected]; ok {
		return lang
	}
	return core.LanguageUnknown
}

// padSample repeats a short sample, space separated, until it holds at
// least minLen runes.
func padSample(sample string, minLen int) string {
	n := utf8.RuneCountInString(sample)
	if n >= minLen {
		return sample
	}
	var b strings.Builder
	b.WriteString(sample)
	for n < minLen {
		b.WriteByte(' ')
		b.WriteString(sample)
		n = utf8.RuneCountInString(b.String())
	}
	return b.String()
}
