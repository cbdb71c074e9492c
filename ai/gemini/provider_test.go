package gemini

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/poiesic/ingest/ai"
	"github.com/poiesic/ingest/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"googleapi 429", &googleapi.Error{Code: 429}, core.ErrRateLimited},
		{"googleapi 500", &googleapi.Error{Code: 500}, core.ErrTransientProvider},
		{"googleapi 403", fmt.Errorf("wrapped: %w", &googleapi.Error{Code: 403}), core.ErrPermanentProvider},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), core.ErrRateLimited},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), core.ErrTransientProvider},
		{"grpc deadline", status.Error(codes.DeadlineExceeded, "slow"), core.ErrTransientProvider},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad"), core.ErrPermanentProvider},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "key"), core.ErrPermanentProvider},
		{"plain error", errors.New("connection reset by peer"), core.ErrTransientProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}
}

func TestNewProvider_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := NewProvider(ctx, &ai.Config{Provider: ai.ProviderGemini, EmbeddingModel: "text-embedding-004"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APIKey is required")

	_, err = NewProvider(ctx, ai.DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config is for provider")
}
