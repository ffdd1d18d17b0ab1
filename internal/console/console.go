// Package console resolves tickets from the operator's terminal when the
// web dashboard is disabled.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/ticket"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// HistoryLines is the number of recent history entries shown per ticket.
const HistoryLines = 10

const queueSize = 64

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Bold(true)

	nhiStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	commandStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Tickets is the part of the registry the approver needs.
type Tickets interface {
	Get(id string) (*types.Ticket, bool)
	Resolve(id string, approved bool) error
}

// Approver prompts for a decision on every created ticket, one at a time.
type Approver struct {
	tickets Tickets
	in      io.Reader
	out     io.Writer
	queue   chan string
}

// NewApprover creates an Approver reading answers from in.
func NewApprover(tickets Tickets, in io.Reader, out io.Writer) *Approver {
	return &Approver{
		tickets: tickets,
		in:      in,
		out:     out,
		queue:   make(chan string, queueSize),
	}
}

// Subscribe queues every ticket created on bus. It returns the
// unsubscribe function.
func (a *Approver) Subscribe(bus *event.Bus) func() {
	return bus.Subscribe(event.TicketCreated, func(e event.Event) {
		if data, ok := e.Data.(event.TicketData); ok && data.Info != nil {
			a.Enqueue(data.Info.ID)
		}
	})
}

// Enqueue schedules a prompt for ticket id.
func (a *Approver) Enqueue(id string) {
	select {
	case a.queue <- id:
	default:
		logging.Warn().Str("ticket", id).Msg("console approval queue full, ticket left to the API")
	}
}

// Run prompts until ctx is done or the input is exhausted.
func (a *Approver) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var id string
		select {
		case <-ctx.Done():
			return nil
		case id = <-a.queue:
		}

		t, ok := a.tickets.Get(id)
		if !ok || t.Resolved() {
			continue
		}

		Render(a.out, t)
		fmt.Fprintf(a.out, "Approve ticket %s? (y/n): ", id)

		var answer string
		select {
		case <-ctx.Done():
			fmt.Fprintln(a.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(a.out)
				logging.Info().Msg("console input closed, approvals left to the API")
				return nil
			}
			answer = line
		}

		approved := IsYes(answer)
		err := a.tickets.Resolve(id, approved)
		switch {
		case errors.Is(err, ticket.ErrNotActionable):
			fmt.Fprintf(a.out, "Ticket %s was already decided.\n", id)
		case err != nil:
			fmt.Fprintf(a.out, "Ticket %s: %v\n", id, err)
		case approved:
			fmt.Fprintf(a.out, "Ticket %s approved.\n", id)
		default:
			fmt.Fprintf(a.out, "Ticket %s rejected.\n", id)
		}
	}
}

// IsYes reports whether answer approves. Anything else rejects.
func IsYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// Render writes a readable summary of t.
func Render(w io.Writer, t *types.Ticket) {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("TICKET " + t.ID))
	b.WriteString("\n")

	user := t.Username
	if t.IsNHI {
		user += " " + nhiStyle.Render("[NHI]")
	}
	field(&b, "User", user)
	field(&b, "IP", t.Address)
	field(&b, "Session", t.SessionID)
	field(&b, "Created", t.CreatedAt.Format("2006-01-02 15:04:05"))

	b.WriteString(labelStyle.Render("Risk analysis:"))
	b.WriteString("\n")
	for _, line := range strings.Split(strings.TrimSpace(t.Analysis), "\n") {
		b.WriteString("  " + line + "\n")
	}

	b.WriteString(labelStyle.Render(fmt.Sprintf("Commands (%d):", len(t.Commands))))
	b.WriteString("\n")
	for i, c := range t.Commands {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, commandStyle.Render(c))
	}

	if len(t.History) > 0 {
		history := t.History
		if len(history) > HistoryLines {
			history = history[len(history)-HistoryLines:]
		}
		b.WriteString(labelStyle.Render("Recent history:"))
		b.WriteString("\n")
		for _, h := range history {
			b.WriteString("  " + dimStyle.Render(h) + "\n")
		}
	}

	io.WriteString(w, b.String())
}

func field(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label+":") + " " + value + "\n")
}
