package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/internal/ticket"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// Dashboard is the combined snapshot served by /api/dashboard and pushed
// on websocket connect.
type Dashboard struct {
	Stats    types.Stats          `json:"stats"`
	Sessions []*types.SessionInfo `json:"sessions"`
	Tickets  []*types.Ticket      `json:"tickets"`
}

// ResolveRequest is the body of POST /api/tickets/{ticketID}/approve.
type ResolveRequest struct {
	Approved *bool `json:"approved"`
}

// ResolveResponse reports an accepted decision.
type ResolveResponse struct {
	Success  bool               `json:"success"`
	TicketID string             `json:"ticketId"`
	Status   types.TicketStatus `json:"status"`
}

// TerminalResponse is the captured output of one session.
type TerminalResponse struct {
	SessionID string `json:"sessionId"`
	Output    string `json:"output"`
	Live      bool   `json:"live"`
}

func (s *Server) dashboard() Dashboard {
	d := Dashboard{
		Stats:    s.sessions.Stats(),
		Sessions: s.sessions.Sessions(),
		Tickets:  s.tickets.Pending(),
	}
	if d.Sessions == nil {
		d.Sessions = []*types.SessionInfo{}
	}
	if d.Tickets == nil {
		d.Tickets = []*types.Ticket{}
	}
	return d
}

// getDashboard handles GET /api/dashboard
func (s *Server) getDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dashboard())
}

// listSessions handles GET /api/sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Sessions()
	if sessions == nil {
		sessions = []*types.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// getStats handles GET /api/stats
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Stats())
}

// listTickets handles GET /api/tickets
func (s *Server) listTickets(w http.ResponseWriter, r *http.Request) {
	tickets := s.tickets.Pending()
	if tickets == nil {
		tickets = []*types.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

// getTicket handles GET /api/tickets/{ticketID}
func (s *Server) getTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketID")
	t, ok := s.tickets.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// resolveTicket handles POST /api/tickets/{ticketID}/approve
func (s *Server) resolveTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}
	if req.Approved == nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "approved is required")
		return
	}

	status, err := s.decide(id, *req.Approved, "api")
	if err != nil {
		if errors.Is(err, ticket.ErrNotActionable) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Ticket not found or already resolved")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{Success: true, TicketID: id, Status: status})
}

// decide resolves a ticket and returns its resulting status.
func (s *Server) decide(id string, approved bool, via string) (types.TicketStatus, error) {
	if err := s.tickets.Resolve(id, approved); err != nil {
		return "", err
	}
	logging.Info().Str("ticket", id).Bool("approved", approved).Str("via", via).Msg("ticket decision received")

	status := types.TicketRejected
	if approved {
		status = types.TicketApproved
	}
	return status, nil
}

// getHistory handles GET /api/history
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "page must be a number")
		return
	}
	pageSize, err := intParam(r, "pageSize", storage.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "pageSize must be a number")
		return
	}

	result, err := s.store.History(r.Context(), page, pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// getTerminal handles GET /api/terminal/{sessionID}
func (s *Server) getTerminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	if out, ok := s.sessions.Transcript(id); ok {
		writeJSON(w, http.StatusOK, TerminalResponse{SessionID: id, Output: out, Live: true})
		return
	}

	info, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TerminalResponse{SessionID: id, Output: info.Output})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
