package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const systemPrompt = "You are a security auditor reviewing shell commands that an operator " +
	"must approve or reject as one batch. Be concise and concrete."

// LLMBackend asks an eino chat model for the summary.
type LLMBackend struct {
	chatModel model.BaseChatModel
}

// NewLLMBackend wraps a chat model built by the provider package.
func NewLLMBackend(chatModel model.BaseChatModel) *LLMBackend {
	return &LLMBackend{chatModel: chatModel}
}

// Complete implements Backend.
func (b *LLMBackend) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := b.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(prompt),
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return "", fmt.Errorf("empty completion")
	}
	return text, nil
}
