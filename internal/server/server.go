package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         3000,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE and websockets
	}
}

// Sessions is the live session view the dashboard reads.
type Sessions interface {
	Sessions() []*types.SessionInfo
	Transcript(id string) (string, bool)
	Stats() types.Stats
}

// Tickets is the ticket registry as seen by the dashboard.
type Tickets interface {
	Pending() []*types.Ticket
	Get(id string) (*types.Ticket, bool)
	Resolve(id string, approved bool) error
}

// Server is the dashboard HTTP server.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	sessions Sessions
	tickets  Tickets
	store    storage.Store
	bus      *event.Bus
}

// New creates a new Server instance.
func New(cfg *Config, sessions Sessions, tickets Tickets, store storage.Store, bus *event.Bus) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		store = storage.Nop{}
	}
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		sessions: sessions,
		tickets:  tickets,
		store:    store,
		bus:      bus,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// requestLogger logs each request at debug level through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logging.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Str("requestId", middleware.GetReqID(r.Context())).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	logging.Info().Str("addr", s.httpSrv.Addr).Msg("dashboard listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
