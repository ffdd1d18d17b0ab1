package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/opencode-ai/gatekeeper/internal/provider"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// New builds the Client selected by cfg.Provider: "http" (default) or one of
// the eino providers.
func New(ctx context.Context, cfg *types.AnalyzerConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("analyzer is not configured")
	}
	timeout := time.Duration(cfg.Timeout) * time.Millisecond

	switch cfg.Provider {
	case "", "http":
		return NewClient(NewHTTPBackend(cfg, nil), timeout), nil
	default:
		chatModel, err := provider.New(ctx, provider.FromAnalyzer(cfg))
		if err != nil {
			return nil, fmt.Errorf("analyzer provider: %w", err)
		}
		return NewClient(NewLLMBackend(chatModel), timeout), nil
	}
}
