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

// Package retry decides what happens to a chunk after a failed embedding
// attempt.
//
// The Manager applies exponential backoff, BaseDelay * 2^(n-1) capped at
// MaxDelay for the n-th failure. A chunk passes through retrying at most
// MaxAttempts times; the failure after that fails it. Permanent provider
// failures skip the backoff and fail the chunk on first occurrence.
//
// # Usage
//
//	mgr, err := retry.NewManager(retry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	d := mgr.Decide(chunk, chunk.Attempts, embedErr)
//	err = store.MarkFailed(ctx, chunk.ID, chunk.ClaimToken(), d.Reason, d.Status, d.RetryAt)
//
// RetryWithBackoff is a smaller helper for bounded in-process retries, used
// when writing results back to the store.
package retry
