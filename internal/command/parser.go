package command

import (
	"bytes"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Parse extracts the command carried by one inbound chunk. Line terminators
// are removed, the result is trimmed, and when it holds several ;-separated
// statements only the first non-empty one is returned. ok is false when the
// chunk carries no command; callers then forward the raw bytes untouched.
// Escape sequences such as bracketed paste markers or cursor keys are
// dropped before the command is read.
func Parse(chunk []byte) (cmd string, ok bool) {
	s := text(chunk)
	if strings.ContainsAny(s, "\r\n") {
		s = strings.NewReplacer("\r", "", "\n", "").Replace(s)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if !strings.Contains(s, ";") {
		return s, true
	}
	if first := firstUnit(s); first != "" {
		return first, true
	}
	return s, true
}

func firstUnit(s string) string {
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			return part
		}
	}
	return ""
}

// Normalize strips line terminators and surrounding whitespace from a raw
// chunk without splitting it. Queued entries keep the whole line.
func Normalize(chunk []byte) string {
	return strings.TrimSpace(strings.NewReplacer("\r", "", "\n", "").Replace(text(chunk)))
}

// IsControl reports whether chunk is terminal control input rather than
// text: escape sequences (arrow keys, function keys) and control bytes such
// as Ctrl-C or backspace with no printable text left once the sequences are
// removed. Line terminators alone do not count, so a bare Enter still
// reaches Parse.
func IsControl(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	s := text(chunk)
	if s == "" {
		return true
	}
	terminatorsOnly := true
	for _, b := range []byte(s) {
		if b >= 0x20 && b != 0x7f {
			return false
		}
		if b != '\r' && b != '\n' {
			terminatorsOnly = false
		}
	}
	return !terminatorsOnly
}

// text returns chunk with escape sequences removed.
func text(chunk []byte) string {
	if bytes.IndexByte(chunk, ansi.ESC) < 0 {
		return string(chunk)
	}
	return ansi.Strip(string(chunk))
}
