package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/api", func(r chi.Router) {
		r.Get("/dashboard", s.getDashboard)
		r.Get("/sessions", s.listSessions)
		r.Get("/stats", s.getStats)
		r.Get("/history", s.getHistory)
		r.Get("/terminal/{sessionID}", s.getTerminal)

		r.Route("/tickets", func(r chi.Router) {
			r.Get("/", s.listTickets)
			r.Route("/{ticketID}", func(r chi.Router) {
				r.Get("/", s.getTicket)
				r.Post("/approve", s.resolveTicket)
			})
		})
	})

	// Event streaming
	r.Get("/event", s.allEvents)
	r.Get("/ws", s.serveWS)
}
