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

package storage

import (
	"fmt"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/ingest/core"
)

// chunkRecordVersion prefixes every encoded ChunkRecord.
const chunkRecordVersion = 1

// MarshalChunkRecord serializes a ChunkRecord to bytes.
func MarshalChunkRecord(record *core.ChunkRecord) []byte {
	buf := make([]byte, chunkRecordSize(record))
	w := &writer{bs: buf}
	w.int(chunkRecordVersion)
	w.str(record.ID)
	w.str(record.DocumentID)
	w.int(record.Index)
	w.str(record.Text)
	w.int(record.TokenCount)
	w.int(record.TokenRange.Start)
	w.int(record.TokenRange.End)
	w.str(string(record.Metadata.SourceType))
	w.str(record.Metadata.URL)
	w.str(record.Metadata.Filename)
	w.str(record.Metadata.Title)
	w.str(string(record.Metadata.Language))
	w.str(record.Metadata.Checksum)
	w.str(record.Metadata.JobID)
	w.str(string(record.Status))
	w.vector(record.Vector)
	w.str(record.Error)
	w.int(record.Attempts)
	w.time(record.RetryAt)
	w.str(record.ClaimedBy)
	w.time(record.CreatedAt)
	w.time(record.UpdatedAt)
	return buf[:w.n]
}

// UnmarshalChunkRecord deserializes a ChunkRecord from bytes.
func UnmarshalChunkRecord(data []byte) (*core.ChunkRecord, error) {
	r := &reader{bs: data}
	if v := r.int(); r.err == nil && v != chunkRecordVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	rec := &core.ChunkRecord{}
	rec.ID = r.str()
	rec.DocumentID = r.str()
	rec.Index = r.int()
	rec.Text = r.str()
	rec.TokenCount = r.int()
	rec.TokenRange.Start = r.int()
	rec.TokenRange.End = r.int()
	rec.Metadata.SourceType = core.SourceType(r.str())
	rec.Metadata.URL = r.str()
	rec.Metadata.Filename = r.str()
	rec.Metadata.Title = r.str()
	rec.Metadata.Language = core.Language(r.str())
	rec.Metadata.Checksum = r.str()
	rec.Metadata.JobID = r.str()
	rec.Status = core.Status(r.str())
	rec.Vector = r.vector()
	rec.Error = r.str()
	rec.Attempts = r.int()
	rec.RetryAt = r.time()
	rec.ClaimedBy = r.str()
	rec.CreatedAt = r.time()
	rec.UpdatedAt = r.time()
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, r.err)
	}
	return rec, nil
}

func chunkRecordSize(record *core.ChunkRecord) int {
	size := varint.Int.Size(chunkRecordVersion)
	for _, s := range []string{
		record.ID,
		record.DocumentID,
		record.Text,
		string(record.Metadata.SourceType),
		record.Metadata.URL,
		record.Metadata.Filename,
		record.Metadata.Title,
		string(record.Metadata.Language),
		record.Metadata.Checksum,
		record.Metadata.JobID,
		string(record.Status),
		record.Error,
		record.ClaimedBy,
	} {
		size += ord.String.Size(s)
	}
	for _, v := range []int{
		record.Index,
		record.TokenCount,
		record.TokenRange.Start,
		record.TokenRange.End,
		record.Attempts,
		len(record.Vector),
	} {
		size += varint.Int.Size(v)
	}
	for _, f := range record.Vector {
		size += raw.Float32.Size(f)
	}
	for _, t := range []time.Time{record.RetryAt, record.CreatedAt, record.UpdatedAt} {
		size += varint.Int64.Size(unixMicro(t))
	}
	return size
}

// unixMicro encodes the zero time as 0 so it survives a round trip.
func unixMicro(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

type writer struct {
	bs []byte
	n  int
}

func (w *writer) str(v string) {
	w.n += ord.String.Marshal(v, w.bs[w.n:])
}

func (w *writer) int(v int) {
	w.n += varint.Int.Marshal(v, w.bs[w.n:])
}

func (w *writer) time(t time.Time) {
	w.n += varint.Int64.Marshal(unixMicro(t), w.bs[w.n:])
}

func (w *writer) vector(v []float32) {
	w.int(len(v))
	for _, f := range v {
		w.n += raw.Float32.Marshal(f, w.bs[w.n:])
	}
}

// reader decodes fields in order and keeps the first error.
type reader struct {
	bs  []byte
	n   int
	err error
}

func (r *reader) str() string {
	if r.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *reader) int() int {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Int.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *reader) time() time.Time {
	if r.err != nil {
		return time.Time{}
	}
	v, n, err := varint.Int64.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func (r *reader) vector() []float32 {
	length := r.int()
	if r.err != nil || length == 0 {
		return nil
	}
	if length < 0 || length > len(r.bs)-r.n {
		r.err = fmt.Errorf("vector length %d out of range", length)
		return nil
	}
	out := make([]float32, length)
	for i := range out {
		v, n, err := raw.Float32.Unmarshal(r.bs[r.n:])
		if err != nil {
			r.err = err
			return nil
		}
		r.n += n
		out[i] = v
	}
	return out
}
