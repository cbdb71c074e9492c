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

package chunker

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Token is a tokenizer unit located by its byte offsets in the source text.
type Token struct {
	Start int
	End   int
}

// Tokenizer splits text into tokens whose byte offsets index the input.
// Tokens are returned in order and do not overlap.
type Tokenizer interface {
	Tokenize(text string) []Token
}

// WordTokenizer treats every run of non-whitespace as one token.
type WordTokenizer struct{}

var _ Tokenizer = WordTokenizer{}

// Tokenize implements Tokenizer.
func (WordTokenizer) Tokenize(text string) []Token {
	var tokens []Token
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, Token{Start: start, End: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, Token{Start: start, End: len(text)})
	}
	return tokens
}

// DefaultEncoding is the BPE encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// TiktokenTokenizer counts tokens the way OpenAI embedding models do.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

var _ Tokenizer = (*TiktokenTokenizer)(nil)

// NewTiktokenTokenizer loads the named BPE encoding. Loading may download
// the vocabulary on first use unless TIKTOKEN_CACHE_DIR holds it.
func NewTiktokenTokenizer(encoding string) (*TiktokenTokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading encoding %s: %w", encoding, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

// Tokenize implements Tokenizer. Offsets come from decoding each token id
// back to its bytes, so they add up to the input exactly. A token that
// ends inside a multi-byte rune is merged with the following ones until
// it ends on a rune boundary.
func (t *TiktokenTokenizer) Tokenize(text string) []Token {
	ids := t.enc.EncodeOrdinary(text)
	tokens := make([]Token, 0, len(ids))
	pos := 0
	start := 0
	for _, id := range ids {
		pos += len(t.enc.Decode([]int{id}))
		if pos > len(text) {
			pos = len(text)
		}
		if pos < len(text) && !utf8.RuneStart(text[pos]) {
			continue
		}
		if pos > start {
			tokens = append(tokens, Token{Start: start, End: pos})
		}
		start = pos
	}
	if start < len(text) {
		tokens = append(tokens, Token{Start: start, End: len(text)})
	}
	return tokens
}
