package permission

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// foldPrefix marks a pattern that matches ignoring case.
const foldPrefix = "(?i)"

// DefaultNHIPatterns mark automation accounts by prefix or suffix. The ai_
// and agent_ prefixes are case-sensitive.
var DefaultNHIPatterns = []string{"ai_*", "agent_*", "(?i)bot_*", "(?i)*_ai", "(?i)*_agent"}

type nhiPattern struct {
	glob string
	fold bool
}

// NHIMatcher detects non-human identities by username glob patterns.
// Patterns are case-sensitive unless prefixed with (?i). A nil or disabled
// matcher treats everyone as human.
type NHIMatcher struct {
	enabled  bool
	patterns []nhiPattern
}

// NewNHIMatcher builds a matcher. Empty patterns select the defaults.
func NewNHIMatcher(enabled bool, patterns []string) (*NHIMatcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultNHIPatterns
	}
	m := &NHIMatcher{enabled: enabled}
	for _, raw := range patterns {
		p := nhiPattern{glob: strings.TrimSpace(raw)}
		if rest, ok := strings.CutPrefix(p.glob, foldPrefix); ok {
			p = nhiPattern{glob: strings.ToLower(rest), fold: true}
		}
		if p.glob == "" {
			continue
		}
		if !doublestar.ValidatePattern(p.glob) {
			return nil, fmt.Errorf("invalid NHI pattern %q", raw)
		}
		m.patterns = append(m.patterns, p)
	}
	return m, nil
}

// Enabled reports whether detection is active.
func (m *NHIMatcher) Enabled() bool {
	return m != nil && m.enabled
}

// Match reports whether username belongs to a non-human identity.
func (m *NHIMatcher) Match(username string) bool {
	if !m.Enabled() {
		return false
	}
	lower := strings.ToLower(username)
	for _, p := range m.patterns {
		name := username
		if p.fold {
			name = lower
		}
		if ok, _ := doublestar.Match(p.glob, name); ok {
			return true
		}
	}
	return false
}
