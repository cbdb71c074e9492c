package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/poiesic/ingest/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFile_PlainText(t *testing.T) {
	path := writeFile(t, "notes.txt", "Hello world. Dit is een test.")

	res, err := File(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Hello world. Dit is een test.", res.Text)
	assert.Equal(t, core.SourceTypeFile, res.Source.SourceType)
	assert.Equal(t, "notes.txt", res.Source.Filename)
	assert.Equal(t, "notes", res.Source.Title)
}

func TestFile_MarkdownTitle(t *testing.T) {
	path := writeFile(t, "README.md", "\n# Ingest guide\n\nSome body text.\n")

	res, err := File(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Ingest guide", res.Source.Title)
	assert.Contains(t, res.Text, "Some body text.")
}

func TestFile_HTML(t *testing.T) {
	path := writeFile(t, "page.html", "<html><head><title>T</title></head><body><p>Paragraph one.</p></body></html>")

	res, err := File(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Paragraph one.")
	assert.Equal(t, "page.html", res.Source.Filename)
}

func TestFile_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(t.TempDir(), "nope.txt")},
		{"directory", t.TempDir()},
		{"empty", writeFile(t, "empty.md", "  \n")},
		{"invalid utf8", writeFile(t, "bad.txt", string([]byte{0xff, 0xfe, 0xfd}))},
		{"unknown type", writeFile(t, "blob.bin", "data")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := File(ctx, tt.path)
			assert.ErrorIs(t, err, core.ErrInvalidInput)
		})
	}
}

func TestReader_PlainText(t *testing.T) {
	res, err := Reader(context.Background(), strings.NewReader("plain body"), "text/plain; charset=utf-8", "body.txt")
	require.NoError(t, err)
	assert.Equal(t, "plain body", res.Text)
}

func TestMarkdownTitle(t *testing.T) {
	assert.Equal(t, "Title", markdownTitle("# Title\nbody"))
	assert.Equal(t, "", markdownTitle("intro\n# Title"))
	assert.Equal(t, "", markdownTitle("## Sub"))
	assert.Equal(t, "", markdownTitle(""))
}
