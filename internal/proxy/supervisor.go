// Package proxy accepts inbound SSH sessions, connects each one to the
// destination host and runs it through a session governor. The Supervisor
// owns the set of live sessions and drains it on shutdown.
package proxy

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencode-ai/gatekeeper/internal/analyzer"
	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/permission"
	"github.com/opencode-ai/gatekeeper/internal/session"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/internal/ticket"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// ErrShuttingDown is returned by Open once Shutdown has started.
var ErrShuttingDown = errors.New("proxy is shutting down")

// Default drain bounds.
const (
	DefaultMaxWait      = 30 * time.Second
	DefaultPollInterval = time.Second
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Classifier *permission.Classifier
	Analyzer   analyzer.Analyzer
	Tickets    *ticket.Registry
	Store      storage.Store
	Bus        *event.Bus
	Governance types.GovernanceConfig

	MaxWait      time.Duration
	PollInterval time.Duration
}

// Identity is the authenticated client of one session.
type Identity struct {
	Username string
	Address  string
}

// Streams connects a governor to its transport. Hangup tears down both
// sides of the connection.
type Streams struct {
	Client      io.Writer
	Destination io.Writer
	Hangup      func()
}

type liveSession struct {
	gov    *session.Governor
	hangup func()
}

// Supervisor tracks live sessions.
type Supervisor struct {
	deps Deps

	mu      sync.Mutex
	live    map[string]*liveSession
	closing bool

	total   atomic.Int64
	started time.Time
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(deps Deps) *Supervisor {
	if deps.MaxWait <= 0 {
		deps.MaxWait = DefaultMaxWait
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = DefaultPollInterval
	}
	if deps.Store == nil {
		deps.Store = storage.Nop{}
	}
	return &Supervisor{
		deps:    deps,
		live:    make(map[string]*liveSession),
		started: time.Now(),
	}
}

// Open creates and registers the governor for a new session.
func (s *Supervisor) Open(id Identity, streams Streams) (*session.Governor, error) {
	hangup := streams.Hangup
	if hangup == nil {
		hangup = func() {}
	}

	start := time.Now()
	sessionID := session.NewID(id.Username, id.Address, start)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	for n := 2; s.live[sessionID] != nil; n++ {
		sessionID = session.NewID(id.Username, id.Address, start) + "-" + strconv.Itoa(n)
	}
	ls := &liveSession{hangup: hangup}
	s.live[sessionID] = ls
	s.mu.Unlock()

	gov := session.New(session.Options{
		ID:          sessionID,
		Username:    id.Username,
		Address:     id.Address,
		IsNHI:       s.deps.Classifier.IsNHI(id.Username),
		StartTime:   start,
		Client:      streams.Client,
		Destination: streams.Destination,
		Hangup:      hangup,
		Classifier:  s.deps.Classifier,
		Analyzer:    s.deps.Analyzer,
		Tickets:     s.deps.Tickets,
		Store:       s.deps.Store,
		Bus:         s.deps.Bus,
		Governance:  s.deps.Governance,
	})

	s.mu.Lock()
	ls.gov = gov
	_, tracked := s.live[sessionID]
	s.mu.Unlock()
	if !tracked {
		gov.Close()
		return nil, ErrShuttingDown
	}

	s.total.Add(1)
	logging.Info().Str("session", sessionID).Int("live", s.Count()).Msg("session opened")
	return gov, nil
}

// Remove closes the session and forgets it. Safe to call more than once.
func (s *Supervisor) Remove(id string) {
	s.mu.Lock()
	ls, ok := s.live[id]
	delete(s.live, id)
	s.mu.Unlock()
	if !ok || ls.gov == nil {
		return
	}
	ls.gov.Close()
	logging.Info().Str("session", id).Int("live", s.Count()).Msg("session removed")
}

// Get returns a live session.
func (s *Supervisor) Get(id string) (*session.Governor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.live[id]
	if !ok || ls.gov == nil {
		return nil, false
	}
	return ls.gov, true
}

// Transcript returns the terminal output captured so far by a live session.
func (s *Supervisor) Transcript(id string) (string, bool) {
	g, ok := s.Get(id)
	if !ok {
		return "", false
	}
	return g.Transcript(), true
}

// Count returns the number of live sessions.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Sessions returns snapshots of the live sessions, oldest first.
func (s *Supervisor) Sessions() []*types.SessionInfo {
	s.mu.Lock()
	govs := make([]*session.Governor, 0, len(s.live))
	for _, ls := range s.live {
		if ls.gov != nil {
			govs = append(govs, ls.gov)
		}
	}
	s.mu.Unlock()

	out := make([]*types.SessionInfo, len(govs))
	for i, g := range govs {
		out[i] = g.Info()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Stats combines session and ticket counters.
func (s *Supervisor) Stats() types.Stats {
	st := types.Stats{
		TotalConnections:  s.total.Load(),
		ActiveConnections: s.Count(),
		StartTime:         s.started,
		Uptime:            time.Since(s.started),
	}
	if s.deps.Tickets != nil {
		ts := s.deps.Tickets.Stats()
		st.TotalTickets = ts.Total
		st.ApprovedTickets = ts.Approved
		st.RejectedTickets = ts.Rejected
		st.PendingTickets = ts.Pending
	}
	return st
}

// Closing reports whether Shutdown has started.
func (s *Supervisor) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown refuses new sessions, then waits for live sessions to end,
// polling at the configured interval up to the configured bound or until
// ctx is done. Sessions still open after that are force-closed. It returns
// the number of sessions that had to be forced.
func (s *Supervisor) Shutdown(ctx context.Context) int {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	deadline := time.NewTimer(s.deps.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.deps.PollInterval)
	defer ticker.Stop()

wait:
	for n := s.Count(); n > 0; n = s.Count() {
		logging.Info().Int("live", n).Msg("waiting for sessions to end")
		select {
		case <-ticker.C:
		case <-deadline.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	s.mu.Lock()
	remaining := make([]*liveSession, 0, len(s.live))
	for id, ls := range s.live {
		remaining = append(remaining, ls)
		delete(s.live, id)
	}
	s.mu.Unlock()

	if len(remaining) > 0 {
		logging.Warn().Int("sessions", len(remaining)).Msg("drain bound reached, forcing sessions closed")
	}
	for _, ls := range remaining {
		if ls.gov != nil {
			ls.gov.Close()
		}
		ls.hangup()
	}
	return len(remaining)
}
