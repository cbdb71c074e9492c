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

package badger

import (
	"encoding/binary"
	"time"

	"github.com/poiesic/ingest/core"
)

// Key prefixes for different data types. Every key is the prefix followed
// by NUL separated components so that one id can never be a prefix of
// another's key range.
const (
	chunkPrefix      = "chunk"  // chunk\0<id> -> record
	chunkQueuePrefix = "chunkq" // chunkq\0<status>\0<time><id> -> id
	chunkJobPrefix   = "chunkj" // chunkj\0<jobID>\0<id> -> nil
	chunkDocPrefix   = "chunkd" // chunkd\0<docID>\0<index> -> id
	chunkSumPrefix   = "chunks" // chunks\0<docID>\0<checksum>\0<index> -> nil
	keySep           = byte(0x00)
)

func compositeKey(prefix string, parts ...string) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p) + 1
	}
	buf := make([]byte, 0, size+8)
	buf = append(buf, prefix...)
	for _, p := range parts {
		buf = append(buf, keySep)
		buf = append(buf, p...)
	}
	return buf
}

// makeChunkKey generates the primary key for a chunk.
func makeChunkKey(id string) []byte {
	return compositeKey(chunkPrefix, id)
}

// queueTime is the time a claimable chunk is ordered by in the queue
// index: RetryAt for retrying chunks, UpdatedAt otherwise.
func queueTime(rec *core.ChunkRecord) time.Time {
	if rec.Status == core.StatusRetrying {
		return rec.RetryAt
	}
	return rec.UpdatedAt
}

// indexedStatus reports whether chunks in status st live in the queue index.
func indexedStatus(st core.Status) bool {
	return st == core.StatusQueued || st == core.StatusRetrying || st == core.StatusProcessing
}

// makeQueueKey generates the queue index key for a chunk.
// Format: prefix\0status\0<micros BE><id>
// Returns nil for statuses that are not indexed.
func makeQueueKey(rec *core.ChunkRecord) []byte {
	if !indexedStatus(rec.Status) {
		return nil
	}
	key := makeQueuePrefix(rec.Status)
	// Write in BigEndian order so lexicographic sort works correctly
	key = binary.BigEndian.AppendUint64(key, uint64(queueTime(rec).UnixMicro()))
	return append(key, rec.ID...)
}

// makeQueuePrefix generates the partial key covering one status.
func makeQueuePrefix(st core.Status) []byte {
	return append(compositeKey(chunkQueuePrefix, string(st)), keySep)
}

// parseQueueKey extracts the ordering time and chunk id from a queue key.
func parseQueueKey(prefix, key []byte) (time.Time, string, bool) {
	rest := key[len(prefix):]
	if len(rest) < 8 {
		return time.Time{}, "", false
	}
	micros := int64(binary.BigEndian.Uint64(rest[:8]))
	return time.UnixMicro(micros).UTC(), string(rest[8:]), true
}

// makeJobKey generates the job membership key for a chunk.
func makeJobKey(jobID, chunkID string) []byte {
	return compositeKey(chunkJobPrefix, jobID, chunkID)
}

// makeJobPrefix generates the partial key covering one job.
func makeJobPrefix(jobID string) []byte {
	return append(compositeKey(chunkJobPrefix, jobID), keySep)
}

// makeDocKey generates the (document, index) uniqueness key.
func makeDocKey(documentID string, index int) []byte {
	key := makeDocPrefix(documentID)
	return binary.BigEndian.AppendUint64(key, uint64(index))
}

// makeDocPrefix generates the partial key covering one document.
func makeDocPrefix(documentID string) []byte {
	return append(compositeKey(chunkDocPrefix, documentID), keySep)
}

// makeChecksumKey generates the per-document checksum index key.
func makeChecksumKey(documentID, checksum string, index int) []byte {
	key := append(compositeKey(chunkSumPrefix, documentID, checksum), keySep)
	return binary.BigEndian.AppendUint64(key, uint64(index))
}

// makeChecksumPrefix generates the partial key covering one document's checksums.
func makeChecksumPrefix(documentID string) []byte {
	return append(compositeKey(chunkSumPrefix, documentID), keySep)
}

// parseChecksumKey extracts checksum and index from a checksum index key.
func parseChecksumKey(prefix, key []byte) (string, int, bool) {
	rest := key[len(prefix):]
	if len(rest) < 9 || rest[len(rest)-9] != keySep {
		return "", 0, false
	}
	checksum := string(rest[:len(rest)-9])
	index := int(binary.BigEndian.Uint64(rest[len(rest)-8:]))
	return checksum, index, true
}

func beUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
