package permission

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// SimpleCommand is one program invocation found inside a command line.
type SimpleCommand struct {
	Name       string   // Program name (e.g., "rm", "git")
	Args       []string // Arguments
	Subcommand string   // First non-flag argument (e.g., "status" in "git status")
}

// Line rebuilds the invocation as the safe list sees it.
func (c SimpleCommand) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// ParseSimpleCommands returns every invocation in a shell line, including
// those inside pipelines, chains and substitutions.
func ParseSimpleCommands(command string) ([]SimpleCommand, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}

	var commands []SimpleCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd := extractCommand(call); cmd != nil {
				commands = append(commands, *cmd)
			}
		}
		return true
	})

	return commands, nil
}

func extractCommand(call *syntax.CallExpr) *SimpleCommand {
	if len(call.Args) == 0 {
		return nil
	}

	cmd := &SimpleCommand{Name: wordToString(call.Args[0])}
	if cmd.Name == "" {
		return nil
	}

	for _, arg := range call.Args[1:] {
		argStr := wordToString(arg)
		cmd.Args = append(cmd.Args, argStr)
		if cmd.Subcommand == "" && !strings.HasPrefix(argStr, "-") {
			cmd.Subcommand = argStr
		}
	}
	return cmd
}

// wordToString converts a syntax.Word to a string.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// Verdict explains how one invocation inside a line classifies.
type Verdict struct {
	Command SimpleCommand `json:"command"`
	Safe    bool          `json:"safe"`
}

// Explanation is the result of Explain.
type Explanation struct {
	Line     string    `json:"line"`
	Safe     bool      `json:"safe"`     // decision taken for the whole line
	Commands []Verdict `json:"commands"` // per invocation, informational
	Hidden   bool      `json:"hidden"`   // a later invocation is not safe-listed
}

// Explain classifies a line and each invocation inside it. Only Safe drives
// governance; the per-invocation verdicts show what a prefix match lets
// through (e.g. "ls | sh").
func (c *Classifier) Explain(line string) Explanation {
	exp := Explanation{Line: strings.TrimSpace(line), Safe: c.IsSafe(line)}
	cmds, err := ParseSimpleCommands(line)
	if err != nil {
		return exp
	}
	for _, cmd := range cmds {
		v := Verdict{Command: cmd, Safe: c.IsSafe(cmd.Line())}
		if exp.Safe && !v.Safe {
			exp.Hidden = true
		}
		exp.Commands = append(exp.Commands, v)
	}
	return exp
}
