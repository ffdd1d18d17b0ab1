package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// responsePaths lists the tolerated response shapes, in priority order.
var responsePaths = []string{
	"response",                  // Ollama /api/generate
	"text",                      // generic
	"message.content",           // Ollama /api/chat
	"choices.0.message.content", // OpenAI chat completions
	"choices.0.text",            // OpenAI completions
	"content.0.text",            // Anthropic messages
}

// maxResponseBytes caps the analyzer response read into memory.
const maxResponseBytes = 1 << 20

// HTTPBackend posts {model, prompt, stream:false, ...options} to a generate
// style endpoint.
type HTTPBackend struct {
	url     string
	model   string
	headers map[string]string
	options map[string]any
	client  *http.Client
}

// NewHTTPBackend creates a backend from the analyzer configuration. A nil
// client selects http.DefaultClient; the timeout comes from the caller's
// context.
func NewHTTPBackend(cfg *types.AnalyzerConfig, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{
		url:     cfg.URL,
		model:   cfg.Model,
		headers: cfg.Headers,
		options: cfg.Options,
		client:  client,
	}
}

// Complete implements Backend.
func (b *HTTPBackend) Complete(ctx context.Context, prompt string) (string, error) {
	payload := make(map[string]any, len(b.options)+3)
	for k, v := range b.options {
		payload[k] = v
	}
	payload["model"] = b.model
	payload["prompt"] = prompt
	payload["stream"] = false

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("analyzer returned status %d: %s", resp.StatusCode, truncate(string(bytes.TrimSpace(data)), 200))
	}
	return ExtractText(data), nil
}

// ExtractText picks the summary out of a response body. A bare JSON string
// is used as is; an object yields the first non-empty field in
// responsePaths; anything else is returned whole, compacted when it is JSON.
func ExtractText(data []byte) string {
	if !gjson.ValidBytes(data) {
		return string(bytes.TrimSpace(data))
	}
	result := gjson.ParseBytes(data)
	if result.Type == gjson.String {
		return result.String()
	}
	for _, path := range responsePaths {
		if v := result.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return string(pretty.Ugly(data))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
