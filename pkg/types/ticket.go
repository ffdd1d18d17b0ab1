package types

import "time"

// TicketStatus is the decision state of a ticket.
type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketApproved TicketStatus = "approved"
	TicketRejected TicketStatus = "rejected"
)

// Ticket bundles the commands queued by one session since it entered batch
// audit mode, together with the analyzer's risk summary.
type Ticket struct {
	ID        string       `json:"ticketId"`
	SessionID string       `json:"sessionId"`
	Username  string       `json:"username"`
	Address   string       `json:"ip"`
	IsNHI     bool         `json:"isNHI"`
	Commands  []string     `json:"commands"`
	History   []string     `json:"history"`
	Analysis  string       `json:"aiAnalysis"`
	Status    TicketStatus `json:"status"`

	CreatedAt  time.Time  `json:"createdAt"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	RejectedAt *time.Time `json:"rejectedAt,omitempty"`

	// Entries holds the raw queued units replayed on approval. Never
	// serialized: raw terminal bytes stay inside the process.
	Entries []BlockedCommand `json:"-"`
}

// Clone returns a copy safe to hand to observers.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.Commands = append([]string(nil), t.Commands...)
	c.History = append([]string(nil), t.History...)
	c.Entries = nil
	return &c
}

// Resolved reports whether a decision has been recorded.
func (t *Ticket) Resolved() bool {
	return t.Status == TicketApproved || t.Status == TicketRejected
}
