// Package server provides the operator dashboard API for the gatekeeper.
//
// The dashboard is the resolution input for tickets. It exposes read-only
// views of live sessions, pending tickets, closed-session history and
// proxy-wide statistics, and accepts approve/reject decisions.
//
// # API Endpoints
//
//   - GET  /api/dashboard: stats, live sessions and pending tickets in one call
//   - GET  /api/sessions: live sessions, oldest first
//   - GET  /api/tickets: pending tickets, newest first
//   - GET  /api/tickets/{ticketID}: one ticket, pending or recently resolved
//   - POST /api/tickets/{ticketID}/approve: body {"approved": bool}
//   - GET  /api/history: closed sessions, paged with page and pageSize
//   - GET  /api/terminal/{sessionID}: captured terminal output
//   - GET  /api/stats: proxy-wide counters
//   - GET  /event: Server-Sent Events stream of every bus event
//   - GET  /ws: websocket pushing bus events and accepting commands
//
// # Websocket Protocol
//
// After the upgrade the server sends a "dashboard:init" message with the
// same payload as /api/dashboard, then one message per bus event. Clients
// may send:
//
//	{"type": "ticket:approve", "ticketId": "TICKET-...", "approved": true}
//	{"type": "dashboard:refresh"}
//
// A ticket decision is answered with a "ticket:result" message. Decisions
// racing with the console or another dashboard are safe: the registry
// accepts only the first.
package server
