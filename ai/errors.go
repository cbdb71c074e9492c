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

package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/poiesic/ingest/core"
)

// statusCodePattern finds HTTP status codes in client error messages such
// as "API returned unexpected status code: 429".
var statusCodePattern = regexp.MustCompile(`status code:?\s*(\d{3})`)

// ClassifyError wraps a provider error with core.ErrTransientProvider,
// core.ErrRateLimited or core.ErrPermanentProvider. Errors that are
// already classified, and context cancellation, are returned unchanged.
// Unknown failures are treated as transient.
func ClassifyError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrTransientProvider),
		errors.Is(err, core.ErrRateLimited),
		errors.Is(err, core.ErrPermanentProvider),
		errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", core.ErrTransientProvider, err)
	}

	if m := statusCodePattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return ClassifyStatus(code, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"), strings.Contains(msg, "quota"):
		return fmt.Errorf("%w: %w", core.ErrRateLimited, err)
	case strings.Contains(msg, "invalid api key"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "authentication"), strings.Contains(msg, "invalid_request"),
		strings.Contains(msg, "model not found"):
		return fmt.Errorf("%w: %w", core.ErrPermanentProvider, err)
	default:
		return fmt.Errorf("%w: %w", core.ErrTransientProvider, err)
	}
}

// ClassifyStatus classifies a failure by its HTTP status code: 429 is a
// rate limit, 408 and 5xx are transient, other 4xx are permanent.
func ClassifyStatus(code int, err error) error {
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", core.ErrRateLimited, err)
	case code == http.StatusRequestTimeout, code >= 500:
		return fmt.Errorf("%w: %w", core.ErrTransientProvider, err)
	case code >= 400:
		return fmt.Errorf("%w: %w", core.ErrPermanentProvider, err)
	default:
		return fmt.Errorf("%w: %w", core.ErrTransientProvider, err)
	}
}

// MalformedResponse builds a permanent error for an unusable provider answer.
func MalformedResponse(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", core.ErrPermanentProvider, core.ErrMalformedResponse, fmt.Sprintf(format, args...))
}
