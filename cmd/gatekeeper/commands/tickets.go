package commands

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/gatekeeper/internal/console"
	"github.com/opencode-ai/gatekeeper/internal/server"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "List and decide pending tickets",
}

var ticketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending tickets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var tickets []*types.Ticket
		if err := newAPIClient(apiAddr).do(cmd.Context(), http.MethodGet, "/api/tickets", nil, nil, &tickets); err != nil {
			return err
		}
		if len(tickets) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending tickets.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), ticketTable(tickets))
		return nil
	},
}

var ticketsShowCmd = &cobra.Command{
	Use:   "show <ticket-id>",
	Short: "Show one ticket with its analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t types.Ticket
		if err := newAPIClient(apiAddr).do(cmd.Context(), http.MethodGet, "/api/tickets/"+args[0], nil, nil, &t); err != nil {
			return err
		}
		console.Render(cmd.OutOrStdout(), &t)
		fmt.Fprintf(cmd.OutOrStdout(), "Status: %s\n", t.Status)
		return nil
	},
}

var ticketsApproveCmd = &cobra.Command{
	Use:   "approve <ticket-id>",
	Short: "Approve a ticket and replay its commands",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return decide(cmd, args[0], true) },
}

var ticketsRejectCmd = &cobra.Command{
	Use:   "reject <ticket-id>",
	Short: "Reject a ticket and discard its commands",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return decide(cmd, args[0], false) },
}

func init() {
	ticketsCmd.AddCommand(ticketsListCmd)
	ticketsCmd.AddCommand(ticketsShowCmd)
	ticketsCmd.AddCommand(ticketsApproveCmd)
	ticketsCmd.AddCommand(ticketsRejectCmd)
}

func decide(cmd *cobra.Command, id string, approved bool) error {
	var res server.ResolveResponse
	body := map[string]bool{"approved": approved}
	if err := newAPIClient(apiAddr).do(cmd.Context(), http.MethodPost, "/api/tickets/"+id+"/approve", nil, body, &res); err != nil {
		return fmt.Errorf("ticket %s: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ticket %s %s.\n", res.TicketID, res.Status)
	return nil
}

func ticketTable(tickets []*types.Ticket) string {
	t := table.New().Headers("TICKET", "USER", "IP", "COMMANDS", "CREATED")
	for _, tk := range tickets {
		user := tk.Username
		if tk.IsNHI {
			user += " [NHI]"
		}
		t.Row(tk.ID, user, tk.Address, summarize(tk.Commands, 40), tk.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return t.String()
}

func summarize(cmds []string, width int) string {
	s := strings.Join(cmds, "; ")
	if len(s) > width {
		s = s[:width-3] + "..."
	}
	return s
}
