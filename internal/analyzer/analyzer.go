// Package analyzer produces the risk summary attached to every ticket.
//
// The Client never fails: timeouts and errors become fixed notices asking the
// operator to review the blocked commands manually, so ticket creation always
// proceeds.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// HistoryWindow is the number of trailing history entries sent for analysis.
const HistoryWindow = 20

// DefaultTimeout bounds a call when none is configured.
const DefaultTimeout = 30 * time.Second

// Analyzer summarises the risk of a blocked batch.
type Analyzer interface {
	Analyze(ctx context.Context, history []string, blocked []types.BlockedCommand, username string) string
}

// Backend performs one completion call.
type Backend interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Client bounds a Backend with a timeout and degrades failures into notices.
type Client struct {
	backend Backend
	timeout time.Duration
}

// NewClient wraps backend. A zero timeout selects DefaultTimeout.
func NewClient(backend Backend, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{backend: backend, timeout: timeout}
}

// Timeout returns the per-call bound.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Analyze implements Analyzer.
func (c *Client) Analyze(ctx context.Context, history []string, blocked []types.BlockedCommand, username string) string {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := c.backend.Complete(ctx, BuildPrompt(history, blocked, username))
	elapsed := time.Since(start)
	if err == nil {
		logging.Audit("AI_AUDIT_SUCCESS").
			Int("commands", len(blocked)).
			Dur("duration", elapsed).
			Msg("analysis generated")
		return text
	}

	logging.Audit("AI_AUDIT_FAILED").
		Err(err).
		Int("commands", len(blocked)).
		Dur("duration", elapsed).
		Msg("analysis failed")

	if isTimeout(ctx, err) {
		return TimeoutNotice(c.timeout)
	}
	return ErrorNotice(err)
}

// TimeoutNotice is the analysis text used when the backend does not answer
// in time.
func TimeoutNotice(timeout time.Duration) string {
	return fmt.Sprintf("[TIMEOUT] analyzer did not answer within %s. Review the blocked commands manually.", timeout)
}

// ErrorNotice is the analysis text used when the backend fails.
func ErrorNotice(err error) string {
	return fmt.Sprintf("[ERROR] analyzer failure: %v. Review the blocked commands manually.", err)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// BuildPrompt renders the analysis request: the trailing history window, the
// full numbered blocked list, the username and the blocked count.
func BuildPrompt(history []string, blocked []types.BlockedCommand, username string) string {
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}

	var sb strings.Builder
	sb.WriteString("SSH session security review\n\n")
	sb.WriteString("READ HISTORY (most recent commands):\n")
	for _, h := range history {
		sb.WriteString(h)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nBLOCKED COMMANDS (awaiting approval):\n")
	for i, b := range blocked {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, b.Command)
	}
	fmt.Fprintf(&sb, "\nUser: %s\n", username)
	fmt.Fprintf(&sb, "Total blocked commands: %d\n\n", len(blocked))
	sb.WriteString("Assess the overall intent, identify potential risks (data destruction, " +
		"privilege escalation, exfiltration, persistence) and give an executive summary " +
		"for a human approver.")
	return sb.String()
}
