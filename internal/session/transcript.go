package session

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Transcript limits.
const (
	MaxTranscriptChunks = 1000
	MaxTranscriptBytes  = 100 * 1024
)

// transcript keeps the most recent destination output. Not safe for
// concurrent use.
type transcript struct {
	chunks []string
	size   int
}

func (t *transcript) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s := string(chunk)
	if len(s) > MaxTranscriptBytes {
		s = s[len(s)-MaxTranscriptBytes:]
	}
	t.chunks = append(t.chunks, s)
	t.size += len(s)

	drop := 0
	for len(t.chunks)-drop > MaxTranscriptChunks || t.size > MaxTranscriptBytes {
		t.size -= len(t.chunks[drop])
		drop++
	}
	if drop > 0 {
		t.chunks = append(t.chunks[:0:0], t.chunks[drop:]...)
	}
}

// raw returns the captured output with escape sequences intact.
func (t *transcript) raw() string {
	return strings.Join(t.chunks, "")
}

// plain returns the captured output without ANSI escape sequences.
func (t *transcript) plain() string {
	return ansi.Strip(t.raw())
}
