// Package provider builds eino chat models for the risk analyzer.
package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// Config selects and configures one chat model backend.
type Config struct {
	Provider  string // "openai" | "anthropic" | "ark"
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// FromAnalyzer maps the analyzer configuration onto a provider Config.
func FromAnalyzer(cfg *types.AnalyzerConfig) Config {
	c := Config{
		Provider: cfg.Provider,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.URL,
		Model:    cfg.Model,
	}
	if v, ok := cfg.Options["maxTokens"]; ok {
		switch n := v.(type) {
		case int:
			c.MaxTokens = n
		case float64:
			c.MaxTokens = int(n)
		}
	}
	return c
}

// New creates the chat model named by cfg.Provider.
func New(ctx context.Context, cfg Config) (model.BaseChatModel, error) {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	switch cfg.Provider {
	case "openai":
		return newOpenAI(ctx, cfg)
	case "anthropic", "claude":
		return newAnthropic(ctx, cfg)
	case "ark":
		return newArk(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
