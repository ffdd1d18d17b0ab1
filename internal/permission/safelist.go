package permission

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SafeList holds the command prefixes allowed without review.
type SafeList []string

// NewSafeList trims the prefixes and drops blank ones.
func NewSafeList(prefixes []string) SafeList {
	list := make(SafeList, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	return list
}

// Match reports whether the trimmed command is a prefix followed by end of
// string or whitespace. Matching is case-sensitive, so "lsx" never matches
// "ls" and "LS" never matches "ls".
func (l SafeList) Match(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	for _, prefix := range l {
		if !strings.HasPrefix(cmd, prefix) {
			continue
		}
		rest := cmd[len(prefix):]
		if rest == "" {
			return true
		}
		if r, _ := utf8.DecodeRuneInString(rest); unicode.IsSpace(r) {
			return true
		}
	}
	return false
}
