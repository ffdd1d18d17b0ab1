// Package types provides the core data types for the gatekeeper proxy.
package types

import "time"

// Mode is the governance state of a session.
type Mode string

const (
	// ModePassThrough forwards safe-listed commands immediately.
	ModePassThrough Mode = "pass_through"
	// ModeBatchAudit queues commands until a ticket is resolved.
	ModeBatchAudit Mode = "batch_audit"
)

// SessionStatus is the lifecycle status of a governed connection.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// BlockedCommand is one queued unit inside a session's batch.
type BlockedCommand struct {
	Command  string    `json:"cmd"`
	Raw      []byte    `json:"raw"`
	QueuedAt time.Time `json:"timestamp"`
}

// SessionInfo is the observable state of one governed connection.
type SessionInfo struct {
	ID           string        `json:"sessionId"`
	Username     string        `json:"username"`
	Address      string        `json:"ip"`
	IsNHI        bool          `json:"isNHI"`
	Status       SessionStatus `json:"status"`
	Mode         Mode          `json:"mode"`
	QueueSize    int           `json:"queueSize"`
	History      []string      `json:"history,omitempty"`
	StartTime    time.Time     `json:"startTime"`
	EndTime      *time.Time    `json:"endTime,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	LastActivity time.Time     `json:"lastActivity"`
	Output       string        `json:"terminalOutput,omitempty"`
}

// SessionUpdate carries a partial set of session fields. Nil fields are
// left unchanged.
type SessionUpdate struct {
	Status   *SessionStatus
	Mode     *Mode
	EndTime  *time.Time
	Duration *time.Duration
	Output   *string
}

// Page is one page of a paginated query.
type Page[T any] struct {
	Data       []T `json:"data"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Stats aggregates proxy-wide counters.
type Stats struct {
	TotalConnections  int64         `json:"totalConnections"`
	TotalTickets      int64         `json:"totalTickets"`
	ApprovedTickets   int64         `json:"approvedTickets"`
	RejectedTickets   int64         `json:"rejectedTickets"`
	ActiveConnections int           `json:"activeConnections"`
	PendingTickets    int           `json:"pendingTickets"`
	StartTime         time.Time     `json:"startTime"`
	Uptime            time.Duration `json:"uptime"`
}
