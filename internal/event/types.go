package event

import "github.com/opencode-ai/gatekeeper/pkg/types"

// SessionData is the data for session.added, session.updated and
// session.closed events.
type SessionData struct {
	Info *types.SessionInfo `json:"info"`
}

// TicketData is the data for ticket.created and ticket.updated events.
type TicketData struct {
	Info *types.Ticket `json:"info"`
}

// TicketRemovedData is the data for ticket.removed events.
type TicketRemovedData struct {
	TicketID string `json:"ticketId"`
}

// TerminalOutputData is the data for terminal.output events.
type TerminalOutputData struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}
