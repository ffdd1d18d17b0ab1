package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"
)

func newAnthropic(ctx context.Context, cfg Config) (model.BaseChatModel, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	modelID := cfg.Model
	if modelID == "" {
		modelID = "claude-3-5-haiku-20241022"
	}

	config := &claude.Config{
		APIKey:    apiKey,
		Model:     modelID,
		MaxTokens: cfg.MaxTokens,
	}
	if cfg.BaseURL != "" {
		baseURL := cfg.BaseURL
		config.BaseURL = &baseURL
	}

	chatModel, err := claude.NewChatModel(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Claude model: %w", err)
	}
	return chatModel, nil
}
