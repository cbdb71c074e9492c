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

package core

import "errors"

// Input validation errors
var (
	// ErrInvalidInput is the umbrella for caller errors rejected before any
	// persistence happens.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmptyDocument indicates the document text is empty after trimming.
	ErrEmptyDocument = errors.New("document text cannot be empty")

	// ErrInvalidChunkingConfig indicates MaxTokens/OverlapTokens are unusable.
	ErrInvalidChunkingConfig = errors.New("invalid chunking config")

	// ErrInvalidChunk indicates a ChunkRecord failed validation.
	ErrInvalidChunk = errors.New("invalid chunk record")
)

// Status machine errors
var (
	// ErrInvalidStatus indicates an unknown status value.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidTransition indicates a status change the machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Embedding provider errors
var (
	// ErrTransientProvider indicates a provider failure worth retrying.
	ErrTransientProvider = errors.New("transient provider failure")

	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrPermanentProvider indicates a provider failure that will not
	// succeed on retry.
	ErrPermanentProvider = errors.New("permanent provider failure")

	// ErrDimensionMismatch indicates the returned vector has the wrong size.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrMalformedResponse indicates the provider answer could not be used.
	ErrMalformedResponse = errors.New("malformed provider response")
)
