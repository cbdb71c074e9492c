package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, "http://localhost:11434/v1", cfg.EmbeddingHost)
	assert.Equal(t, "embeddinggemma", cfg.EmbeddingModel)
	assert.Equal(t, 768, cfg.Dimensions)
	assert.Empty(t, cfg.APIKey)
}

func TestNewConfig(t *testing.T) {
	t.Run("with no options", func(t *testing.T) {
		cfg := NewConfig()

		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("with custom host", func(t *testing.T) {
		cfg := NewConfig(WithEmbeddingHost("http://custom:8080/v1"))

		assert.Equal(t, "http://custom:8080/v1", cfg.EmbeddingHost)
	})

	t.Run("with multiple options", func(t *testing.T) {
		cfg := NewConfig(
			WithProvider(ProviderGemini),
			WithEmbeddingModel("text-embedding-004"),
			WithAPIKey("secret"),
			WithDimensions(768),
		)

		assert.Equal(t, ProviderGemini, cfg.Provider)
		assert.Equal(t, "text-embedding-004", cfg.EmbeddingModel)
		assert.Equal(t, "secret", cfg.APIKey)
		assert.Equal(t, 768, cfg.Dimensions)
	})
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		host     string
		wantProv string
		wantHost string
	}{
		{"adds v1 suffix", "openai", "http://localhost:11434", ProviderOpenAI, "http://localhost:11434/v1"},
		{"strips trailing slash", "openai", "http://localhost:11434/", ProviderOpenAI, "http://localhost:11434/v1"},
		{"keeps existing suffix", "openai", "http://localhost:11434/v1", ProviderOpenAI, "http://localhost:11434/v1"},
		{"empty provider defaults to openai", "", "http://host", ProviderOpenAI, "http://host/v1"},
		{"provider is case insensitive", " OpenAI ", "http://host", ProviderOpenAI, "http://host/v1"},
		{"gemini host untouched", "gemini", "http://host", ProviderGemini, "http://host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Provider: tt.provider, EmbeddingHost: tt.host}
			cfg.Normalize()
			assert.Equal(t, tt.wantProv, cfg.Provider)
			assert.Equal(t, tt.wantHost, cfg.EmbeddingHost)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{
			name: "default is valid",
			cfg:  DefaultConfig(),
		},
		{
			name:    "openai without host",
			cfg:     &Config{Provider: ProviderOpenAI, EmbeddingModel: "m"},
			wantErr: "EmbeddingHost is required",
		},
		{
			name:    "missing model",
			cfg:     &Config{Provider: ProviderOpenAI, EmbeddingHost: "http://h/v1"},
			wantErr: "EmbeddingModel is required",
		},
		{
			name:    "gemini without key",
			cfg:     &Config{Provider: ProviderGemini, EmbeddingModel: "m"},
			wantErr: "APIKey is required",
		},
		{
			name: "gemini with key",
			cfg:  &Config{Provider: ProviderGemini, EmbeddingModel: "m", APIKey: "k"},
		},
		{
			name:    "unknown provider",
			cfg:     &Config{Provider: "cohere", EmbeddingModel: "m"},
			wantErr: "unknown provider",
		},
		{
			name:    "negative dimensions",
			cfg:     &Config{Provider: ProviderOpenAI, EmbeddingHost: "http://h", EmbeddingModel: "m", Dimensions: -1},
			wantErr: "Dimensions cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
