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

package vectorize

import "errors"

var (
	// ErrStoreRequired indicates a nil chunk store.
	ErrStoreRequired = errors.New("chunk store is required")

	// ErrEmbedderRequired indicates a nil embedder.
	ErrEmbedderRequired = errors.New("embedder is required")

	// ErrRetryManagerRequired indicates a nil retry manager.
	ErrRetryManagerRequired = errors.New("retry manager is required")

	// ErrAlreadyRunning indicates Start was called on a running pool.
	ErrAlreadyRunning = errors.New("worker pool already running")

	// ErrWorkerPanic wraps a panic recovered from a claim round.
	ErrWorkerPanic = errors.New("worker panicked")

	// ErrInvalidConfig indicates unusable pool settings.
	ErrInvalidConfig = errors.New("invalid worker pool config")
)
