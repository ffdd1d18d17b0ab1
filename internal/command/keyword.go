package command

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// IsKeyword reports whether cmd equals any of the keywords, ignoring case.
func IsKeyword(cmd string, keywords ...string) bool {
	cmd = strings.TrimSpace(cmd)
	for _, k := range keywords {
		if k != "" && strings.EqualFold(cmd, k) {
			return true
		}
	}
	return false
}

// Suggest reports whether cmd looks like a mistyped keyword: a single word
// within edit distance 2 of it that is not the keyword itself.
func Suggest(cmd, keyword string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || keyword == "" || strings.ContainsAny(cmd, " \t") {
		return false
	}
	if strings.EqualFold(cmd, keyword) {
		return false
	}
	d := levenshtein.ComputeDistance(strings.ToUpper(cmd), strings.ToUpper(keyword))
	return d <= 2 && d < len(keyword)/2+1
}
