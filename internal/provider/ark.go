package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// newArk builds a Volcengine ARK model. Model is the endpoint ID.
func newArk(ctx context.Context, cfg Config) (model.BaseChatModel, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ARK_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ARK_API_KEY not set")
	}

	modelID := cfg.Model
	if modelID == "" {
		modelID = os.Getenv("ARK_MODEL_ID")
	}
	if modelID == "" {
		return nil, fmt.Errorf("ARK_MODEL_ID not set")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("ARK_BASE_URL")
	}

	maxTokens := cfg.MaxTokens
	config := &ark.ChatModelConfig{
		APIKey:    apiKey,
		Model:     modelID,
		MaxTokens: &maxTokens,
	}
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	chatModel, err := ark.NewChatModel(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create ARK model: %w", err)
	}
	return chatModel, nil
}
