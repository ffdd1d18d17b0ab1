package session_test

import (
	"bytes"
	"context"
	"sync"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// buffer is a goroutine-safe io.Writer.
type buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// stubAnalyzer answers with a fixed text, optionally after release is
// closed or ctx ends.
type stubAnalyzer struct {
	text    string
	release chan struct{}

	mu      sync.Mutex
	calls   int
	blocked []types.BlockedCommand
	history []string
}

func (a *stubAnalyzer) Analyze(ctx context.Context, history []string, blocked []types.BlockedCommand, username string) string {
	a.mu.Lock()
	a.calls++
	a.blocked = blocked
	a.history = history
	a.mu.Unlock()

	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return "cancelled"
		}
	}
	return a.text
}

func (a *stubAnalyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
