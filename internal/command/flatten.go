package command

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Flatten splits a queued line into its statements. Shell syntax is honoured
// so a quoted ";" does not split; lines that are not valid shell fall back to
// plain ;-splitting. Empty statements are dropped.
func Flatten(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if stmts, ok := shellStatements(line); ok {
		return stmts
	}

	var out []string
	for _, part := range strings.Split(line, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// FlattenAll flattens every line in order.
func FlattenAll(lines []string) []string {
	var out []string
	for _, line := range lines {
		out = append(out, Flatten(line)...)
	}
	return out
}

// shellStatements returns the source text of each top-level statement.
func shellStatements(line string) ([]string, bool) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)
	file, err := parser.Parse(strings.NewReader(line), "")
	if err != nil || len(file.Stmts) == 0 {
		return nil, false
	}

	out := make([]string, 0, len(file.Stmts))
	for _, stmt := range file.Stmts {
		start, end := stmt.Pos().Offset(), stmt.End().Offset()
		if end > uint(len(line)) || start >= end {
			return nil, false
		}
		text := strings.TrimSpace(line[start:end])
		text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
		if text != "" {
			out = append(out, text)
		}
	}
	return out, len(out) > 0
}
