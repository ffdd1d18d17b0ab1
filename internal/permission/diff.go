package permission

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ListDiff is the change between two safe lists.
type ListDiff struct {
	Added   []string
	Removed []string
}

// Empty reports whether the lists were identical.
func (d ListDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// DiffSafeLists returns the prefixes added and removed between before and
// after, in list order.
func DiffSafeLists(before, after []string) ListDiff {
	var d ListDiff
	a := joinLines(before)
	b := joinLines(after)
	if a == b {
		return d
	}

	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	for _, diff := range diffs {
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			d.Added = append(d.Added, splitLines(diff.Text)...)
		case diffmatchpatch.DiffDelete:
			d.Removed = append(d.Removed, splitLines(diff.Text)...)
		}
	}
	return d
}

func joinLines(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return strings.Join(list, "\n") + "\n"
}

func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
