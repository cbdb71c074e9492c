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

// Package ingestion turns documents into queued chunks.
//
// The Pipeline validates a document, splits it with the chunker, drops
// chunks already stored for the same document and persists the rest in a
// single batch. The returned Job identifies the chunks so callers can
// follow their vectorization with the jobs package.
//
// Ingest never waits for embeddings. Vectorization happens later in the
// worker pool, and the Job's progress is polled rather than pushed.
package ingestion
