package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

var (
	historyPage     int
	historyPageSize int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List closed sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("page", strconv.Itoa(historyPage))
		q.Set("pageSize", strconv.Itoa(historyPageSize))

		var page types.Page[types.SessionInfo]
		if err := newAPIClient(apiAddr).do(cmd.Context(), http.MethodGet, "/api/history", q, nil, &page); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(page.Data) == 0 {
			fmt.Fprintf(out, "No sessions on page %d (%d total).\n", page.Page, page.Total)
			return nil
		}
		fmt.Fprintln(out, historyTable(page.Data))
		fmt.Fprintf(out, "Page %d of %d (%d sessions)\n", page.Page, page.TotalPages, page.Total)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "Page number, starting at 1")
	historyCmd.Flags().IntVar(&historyPageSize, "page-size", 20, "Sessions per page")
}

func historyTable(sessions []types.SessionInfo) string {
	t := table.New().Headers("SESSION", "USER", "IP", "MODE", "STARTED", "DURATION")
	for _, s := range sessions {
		user := s.Username
		if s.IsNHI {
			user += " [NHI]"
		}
		t.Row(s.ID, user, s.Address, string(s.Mode),
			s.StartTime.Local().Format("2006-01-02 15:04:05"),
			s.Duration.Round(time.Second).String())
	}
	return t.String()
}
