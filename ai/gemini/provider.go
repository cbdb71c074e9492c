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

package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"github.com/poiesic/ingest/ai"
	"github.com/poiesic/ingest/core"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxBatchSize is the largest batch BatchEmbedContents accepts.
const maxBatchSize = 100

// Embedder implements ai.Embedder using Gemini embedding models.
type Embedder struct {
	model  *genai.EmbeddingModel
	logger *slog.Logger
}

// EmbedText generates a vector embedding for a single text string.
func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	e.logger.Debug("generating embedding for single text", "length", len(text))

	resp, err := e.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		err = classify(err)
		e.logger.Warn("failed to generate embedding", "err", err)
		return nil, err
	}
	if resp == nil || resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, ai.MalformedResponse("empty embedding")
	}
	return resp.Embedding.Values, nil
}

// EmbedTexts generates vector embeddings for multiple text strings,
// splitting them into requests of at most maxBatchSize texts.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	e.logger.Debug("generating embeddings for texts", "count", len(texts))

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := min(start+maxBatchSize, len(texts))

		batch := e.model.NewBatch()
		for _, t := range texts[start:end] {
			batch.AddContent(genai.Text(t))
		}

		resp, err := e.model.BatchEmbedContents(ctx, batch)
		if err != nil {
			err = classify(err)
			e.logger.Warn("failed to generate embeddings", "count", end-start, "err", err)
			return nil, err
		}
		if len(resp.Embeddings) != end-start {
			return nil, ai.MalformedResponse("got %d vectors for %d texts", len(resp.Embeddings), end-start)
		}
		for i, emb := range resp.Embeddings {
			if emb == nil || len(emb.Values) == 0 {
				return nil, ai.MalformedResponse("empty vector at position %d", start+i)
			}
			out = append(out, emb.Values)
		}
	}
	return out, nil
}

// classify maps Google API and gRPC failures onto the provider error
// classes before falling back to ai.ClassifyError.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return ai.ClassifyStatus(apiErr.Code, err)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted:
			return fmt.Errorf("%w: %w", core.ErrRateLimited, err)
		case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated,
			codes.NotFound, codes.FailedPrecondition, codes.Unimplemented:
			return fmt.Errorf("%w: %w", core.ErrPermanentProvider, err)
		case codes.Canceled:
			return err
		default:
			return fmt.Errorf("%w: %w", core.ErrTransientProvider, err)
		}
	}
	return ai.ClassifyError(err)
}

// Provider implements ai.AIProvider for Gemini.
type Provider struct {
	client   *genai.Client
	embedder *Embedder
	logger   *slog.Logger
}

var _ ai.AIProvider = (*Provider)(nil)

// NewProvider creates a Gemini client from the configuration.
//
// Returns ai.AIProvider interface to enforce abstraction.
func NewProvider(ctx context.Context, config *ai.Config) (ai.AIProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Provider != ai.ProviderGemini {
		return nil, fmt.Errorf("gemini: config is for provider %q", config.Provider)
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	model := client.EmbeddingModel(config.EmbeddingModel)
	model.TaskType = genai.TaskTypeRetrievalDocument

	return &Provider{
		client: client,
		embedder: &Embedder{
			model:  model,
			logger: slog.Default().With("component", "gemini-embedder", "model", config.EmbeddingModel),
		},
		logger: slog.Default().With("component", "gemini-provider"),
	}, nil
}

// Embedder returns the text embedding service.
func (p *Provider) Embedder() ai.Embedder {
	return p.embedder
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	p.logger.Debug("closing Gemini provider")
	return p.client.Close()
}
