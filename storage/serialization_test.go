package storage

import (
	"testing"
	"time"

	"github.com/poiesic/ingest/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalChunkRecord(t *testing.T) {
	now := core.Now()

	tests := []struct {
		name   string
		record *core.ChunkRecord
	}{
		{
			name: "queued record",
			record: &core.ChunkRecord{
				ID:         "6f1c1f7e-1f53-4d0b-9a55-0b9d3a1e0c11",
				DocumentID: "doc-1",
				Index:      3,
				Text:       "Hello world.",
				TokenCount: 2,
				TokenRange: core.TokenRange{Start: 10, End: 12},
				Metadata: core.Metadata{
					SourceMetadata: core.SourceMetadata{
						SourceType: core.SourceTypeFile,
						Filename:   "notes.md",
						Title:      "Notes",
					},
					Language: core.LanguageEnglish,
					Checksum: core.Checksum("Hello world."),
					JobID:    "job-1",
				},
				Status:    core.StatusQueued,
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
		{
			name: "vectorized record",
			record: &core.ChunkRecord{
				ID:         "c2",
				DocumentID: "doc-1",
				Text:       "Dit is een test.",
				TokenCount: 4,
				TokenRange: core.TokenRange{Start: 0, End: 4},
				Metadata: core.Metadata{
					SourceMetadata: core.SourceMetadata{SourceType: core.SourceTypeURL, URL: "https://example.com"},
					Language:       core.LanguageDutch,
				},
				Status:    core.StatusVectorized,
				Vector:    []float32{0.25, -1.5, 3.125},
				CreatedAt: now,
				UpdatedAt: now.Add(time.Second),
			},
		},
		{
			name: "retrying record",
			record: &core.ChunkRecord{
				ID:        "c3",
				Text:      "x",
				Status:    core.StatusRetrying,
				Error:     "deadline exceeded",
				Attempts:  2,
				RetryAt:   now.Add(4 * time.Second),
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
		{
			name: "processing record",
			record: &core.ChunkRecord{
				ID:        "c4",
				Status:    core.StatusProcessing,
				ClaimedBy: "worker-1",
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := MarshalChunkRecord(tt.record)
			require.NotEmpty(t, data)

			decoded, err := UnmarshalChunkRecord(data)
			require.NoError(t, err)
			assert.Equal(t, tt.record, decoded)
		})
	}
}

func TestUnmarshalChunkRecord_Invalid(t *testing.T) {
	valid := MarshalChunkRecord(&core.ChunkRecord{ID: "c1", Text: "hello", Vector: []float32{1, 2}})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty data", []byte{}},
		{"truncated", valid[:len(valid)/2]},
		{"missing tail", valid[:len(valid)-1]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalChunkRecord(tt.data)
			assert.ErrorIs(t, err, ErrSerializationFailed)
		})
	}
}

func TestUnmarshalChunkRecord_UnknownVersion(t *testing.T) {
	data := MarshalChunkRecord(&core.ChunkRecord{ID: "c1"})
	data[0] = 0x7f
	_, err := UnmarshalChunkRecord(data)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
