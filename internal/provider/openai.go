package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
)

// newOpenAI covers OpenAI and OpenAI-compatible endpoints (Ollama, vLLM).
func newOpenAI(ctx context.Context, cfg Config) (model.BaseChatModel, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	modelID := cfg.Model
	if modelID == "" {
		modelID = os.Getenv("OPENAI_MODEL_ID")
	}
	if modelID == "" {
		modelID = "gpt-4o-mini"
	}

	maxTokens := cfg.MaxTokens
	config := &openai.ChatModelConfig{
		APIKey:              apiKey,
		Model:               modelID,
		MaxCompletionTokens: &maxTokens,
	}
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	chatModel, err := openai.NewChatModel(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
	}
	return chatModel, nil
}
