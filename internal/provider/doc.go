// Package provider creates the chat models used by the LLM analyzer
// backends.
//
// Supported providers:
//
//   - openai: OpenAI and OpenAI-compatible endpoints (Ollama, vLLM, LiteLLM).
//     BaseURL points at the API root, e.g. http://localhost:11434/v1.
//   - anthropic: Claude models through the Anthropic API.
//   - ark: Volcengine ARK endpoints; Model is the endpoint ID.
//
// API keys fall back to OPENAI_API_KEY, ANTHROPIC_API_KEY and ARK_API_KEY.
//
//	chatModel, err := provider.New(ctx, provider.Config{
//		Provider: "openai",
//		BaseURL:  "http://localhost:11434/v1",
//		Model:    "llama3",
//		APIKey:   "ollama",
//	})
package provider
