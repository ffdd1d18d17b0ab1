package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: "gemini"})
	assert.ErrorContains(t, err, "unknown provider")
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ARK_API_KEY", "")

	for _, name := range []string{"openai", "anthropic", "ark"} {
		t.Run(name, func(t *testing.T) {
			_, err := New(context.Background(), Config{Provider: name, Model: "m"})
			assert.ErrorContains(t, err, "API_KEY not set")
		})
	}
}

func TestNewArkRequiresModel(t *testing.T) {
	t.Setenv("ARK_MODEL_ID", "")
	_, err := New(context.Background(), Config{Provider: "ark", APIKey: "k"})
	assert.ErrorContains(t, err, "ARK_MODEL_ID not set")
}

func TestNewBuildsModels(t *testing.T) {
	ctx := context.Background()

	m, err := New(ctx, Config{Provider: "openai", APIKey: "k", BaseURL: "http://127.0.0.1:1/v1", Model: "llama3"})
	require.NoError(t, err)
	assert.NotNil(t, m)

	m, err = New(ctx, Config{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.NotNil(t, m)

	m, err = New(ctx, Config{Provider: "ark", APIKey: "k", Model: "ep-123"})
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestFromAnalyzer(t *testing.T) {
	cfg := FromAnalyzer(&types.AnalyzerConfig{
		Provider: "openai",
		URL:      "http://localhost:11434/v1",
		Model:    "llama3",
		APIKey:   "ollama",
		Options:  map[string]any{"maxTokens": float64(512)},
	})
	assert.Equal(t, Config{
		Provider:  "openai",
		APIKey:    "ollama",
		BaseURL:   "http://localhost:11434/v1",
		Model:     "llama3",
		MaxTokens: 512,
	}, cfg)
}
