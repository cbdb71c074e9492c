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

// Package vectorize runs the workers that turn queued chunks into vectors.
//
// A Pool starts a fixed number of long-running workers on an ants pool.
// Each worker claims a batch of chunks from the store, embeds them one at a
// time and records the outcome:
//
//   - success: MarkVectorized
//   - failure: retry.Manager decides between retrying and failed
//
// A chunk claimed by a worker always ends in vectorized, retrying or
// failed before the worker claims again, unless the store itself refuses
// the write. In that case the chunk stays in processing and is reclaimed
// once its claim goes stale.
//
// Stop cancels claiming and waits for chunks already in flight.
package vectorize
