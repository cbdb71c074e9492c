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

// Package storage provides the chunk store abstraction for the ingestion
// pipeline.
//
// ChunkStore decouples the pipeline from the backend that persists chunk
// records. Two backends implement it: an embedded BadgerDB store
// (storage/badger) and a PostgreSQL store with pgvector columns
// (storage/postgres).
//
// # Constructor Return Type Pattern
//
// Public backend constructors return the storage.ChunkStore interface:
//
//	store, err := badger.NewChunkStore(path)  // returns storage.ChunkStore
//
// Internal constructors may return concrete types since they're only used
// within the implementation package.
//
// # Claims
//
// ClaimNext is the only write path that needs cross-worker atomicity. Every
// backend implements it as a conditional update: a chunk is handed to at
// most one caller per claim, and claims older than the store's stale
// threshold become claimable again.
//
// # Usage
//
//	store, err := badger.NewMemoryChunkStore()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package storage
