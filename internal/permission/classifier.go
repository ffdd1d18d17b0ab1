package permission

import (
	"sync/atomic"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

type rules struct {
	safe SafeList
	nhi  *NHIMatcher
}

// Classifier answers the two questions asked for every session: is this
// command safe-listed, and is this user a non-human identity. Rules are
// swapped atomically on reload; readers never lock.
type Classifier struct {
	rules atomic.Pointer[rules]
}

// NewClassifier builds a classifier from the safe list and NHI settings.
func NewClassifier(whitelist []string, nhi *types.NHIConfig) (*Classifier, error) {
	c := &Classifier{}
	if err := c.Update(whitelist, nhi); err != nil {
		return nil, err
	}
	return c, nil
}

// Update replaces the rules. On error the previous rules stay active.
func (c *Classifier) Update(whitelist []string, nhi *types.NHIConfig) error {
	var (
		enabled  bool
		patterns []string
	)
	if nhi != nil {
		enabled = nhi.Enabled
		patterns = nhi.Patterns
	}
	matcher, err := NewNHIMatcher(enabled, patterns)
	if err != nil {
		return err
	}
	c.rules.Store(&rules{safe: NewSafeList(whitelist), nhi: matcher})
	return nil
}

// IsSafe reports whether cmd is safe-listed.
func (c *Classifier) IsSafe(cmd string) bool {
	return c.rules.Load().safe.Match(cmd)
}

// IsNHI reports whether username is a non-human identity.
func (c *Classifier) IsNHI(username string) bool {
	return c.rules.Load().nhi.Match(username)
}

// SafeList returns a copy of the active safe list.
func (c *Classifier) SafeList() []string {
	return append([]string(nil), c.rules.Load().safe...)
}
