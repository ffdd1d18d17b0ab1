package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/gatekeeper/internal/permission"
)

var (
	checkUser string
	checkJSON bool
)

var checkCmd = &cobra.Command{
	Use:   "check <command>",
	Short: "Classify a command against the configured safe list",
	Long: `Classify a command line the way the proxy would.

The line is safe when its leading command matches a safe-list prefix. Each
invocation inside the line is also shown so that piped or chained commands
hidden behind a safe prefix are visible.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		classifier, err := permission.NewClassifier(cfg.Whitelist, cfg.NHIDetection)
		if err != nil {
			return err
		}

		exp := classifier.Explain(strings.Join(args, " "))
		out := cmd.OutOrStdout()

		if checkJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(exp)
		}

		verdict := "BLOCKED: queued for batch audit"
		if exp.Safe {
			verdict = "SAFE: forwarded immediately"
		}
		fmt.Fprintf(out, "%s\n  %s\n", exp.Line, verdict)
		for _, v := range exp.Commands {
			mark := "blocked"
			if v.Safe {
				mark = "safe"
			}
			fmt.Fprintf(out, "  - %-8s %s\n", mark, v.Command.Line())
		}
		if exp.Hidden {
			fmt.Fprintln(out, "  warning: a later command is not safe-listed but passes with the line")
		}
		if checkUser != "" {
			fmt.Fprintf(out, "  user %s non-human identity: %t\n", checkUser, classifier.IsNHI(checkUser))
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkUser, "user", "", "Also report whether this username is detected as a non-human identity")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Print the classification as JSON")
}
