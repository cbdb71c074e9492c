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

// Package extract pulls plain text out of documents on disk.
//
// Plain text and markdown are read as-is. PDF, DOCX, ODT, RTF, HTML and
// XML go through docconv, which shells out to the usual converters
// (pdftotext, wv, unrtf) when they are installed.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/poiesic/ingest/core"
)

// ErrUnsupportedType indicates a file type no converter handles.
var ErrUnsupportedType = errors.New("unsupported document type")

var plainExtensions = map[string]bool{
	".txt":      true,
	".text":     true,
	".md":       true,
	".markdown": true,
}

// Result is extracted text plus the source metadata for its chunks.
type Result struct {
	Text   string
	Source core.SourceMetadata
}

// File extracts the text of the document at path.
func File(ctx context.Context, path string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidInput, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", core.ErrInvalidInput, path)
	}

	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(name))

	if plainExtensions[ext] {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return plain(data, name)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Reader(ctx, f, docconv.MimeTypeByExtension(name), name)
}

// Reader extracts text from r, treating it as contentType. name is used
// for the source metadata.
func Reader(ctx context.Context, r io.Reader, contentType, name string) (*Result, error) {
	if strings.HasPrefix(contentType, "text/plain") || strings.HasPrefix(contentType, "text/markdown") {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return plain(data, name)
	}
	if contentType == "" || contentType == "application/octet-stream" {
		return nil, fmt.Errorf("%w: %w: %s", core.ErrInvalidInput, ErrUnsupportedType, name)
	}

	type converted struct {
		res *docconv.Response
		err error
	}
	done := make(chan converted, 1)
	go func() {
		res, err := docconv.Convert(r, contentType, false)
		done <- converted{res, err}
	}()

	var out converted
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out = <-done:
	}
	if out.err != nil {
		return nil, fmt.Errorf("convert %s: %w", name, out.err)
	}

	text := strings.TrimSpace(out.res.Body)
	if text == "" {
		return nil, fmt.Errorf("%w: %w: %s", core.ErrInvalidInput, core.ErrEmptyDocument, name)
	}
	title := out.res.Meta["Title"]
	if title == "" {
		title = out.res.Meta["title"]
	}
	return &Result{Text: text, Source: source(name, title)}, nil
}

func plain(data []byte, name string) (*Result, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", core.ErrInvalidInput, name)
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %w: %s", core.ErrInvalidInput, core.ErrEmptyDocument, name)
	}
	return &Result{Text: text, Source: source(name, markdownTitle(text))}, nil
}

func source(name, title string) core.SourceMetadata {
	if title == "" {
		title = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return core.SourceMetadata{
		SourceType: core.SourceTypeFile,
		Filename:   name,
		Title:      strings.TrimSpace(title),
	}
}

// markdownTitle returns the first level-one heading, if the text opens
// with one.
func markdownTitle(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "# "); ok {
			return rest
		}
		return ""
	}
	return ""
}
