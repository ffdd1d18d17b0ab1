// Package ticket holds the registry of approval tickets and their one-shot
// resolution handlers.
package ticket

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// ErrNotActionable is returned by Resolve when the ticket is unknown or was
// already resolved.
var ErrNotActionable = errors.New("ticket not actionable")

// DefaultGraceDelay is how long a resolved ticket stays visible.
const DefaultGraceDelay = 5 * time.Second

// IDPrefix prefixes every ticket id.
const IDPrefix = "TICKET-"

// Handler applies the decision for one ticket. It is invoked at most once.
type Handler interface {
	ResolveTicket(t *types.Ticket, approved bool)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(t *types.Ticket, approved bool)

func (f HandlerFunc) ResolveTicket(t *types.Ticket, approved bool) { f(t, approved) }

// Stats counts tickets since the registry was created.
type Stats struct {
	Total    int64
	Approved int64
	Rejected int64
	Pending  int
}

// Options configures a Registry. Zero values select defaults.
type Options struct {
	GraceDelay time.Duration
	Store      storage.Store
	Bus        *event.Bus
}

// Registry stores tickets and resolves each at most once.
type Registry struct {
	mu      sync.RWMutex
	tickets map[string]*types.Ticket
	timers  map[string]*time.Timer
	closed  bool

	handlers sync.Map // id -> Handler

	grace time.Duration
	store storage.Store
	bus   *event.Bus

	total    atomic.Int64
	approved atomic.Int64
	rejected atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.GraceDelay <= 0 {
		opts.GraceDelay = DefaultGraceDelay
	}
	if opts.Store == nil {
		opts.Store = storage.Nop{}
	}
	return &Registry{
		tickets: make(map[string]*types.Ticket),
		timers:  make(map[string]*time.Timer),
		grace:   opts.GraceDelay,
		store:   opts.Store,
		bus:     opts.Bus,
	}
}

// NewID returns a fresh ticket id: the prefix followed by a ULID.
func NewID() string {
	return IDPrefix + ulid.Make().String()
}

// Create stores t as pending, binds h to it and returns the new id. Any id
// already set on t is replaced.
func (r *Registry) Create(t *types.Ticket, h Handler) string {
	t.ID = NewID()
	t.Status = types.TicketPending
	t.ApprovedAt = nil
	t.RejectedAt = nil
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	snapshot := t.Clone()
	if err := r.store.CreateTicket(context.Background(), snapshot); err != nil {
		logging.Error().Err(err).Str("ticket", t.ID).Msg("persist ticket")
	}

	r.mu.Lock()
	r.tickets[t.ID] = t
	r.mu.Unlock()
	r.handlers.Store(t.ID, h)
	r.total.Add(1)

	r.publish(event.TicketCreated, snapshot)

	logging.Info().
		Str("ticket", t.ID).
		Str("session", t.SessionID).
		Int("commands", len(t.Commands)).
		Msg("ticket created")
	return t.ID
}

// Resolve applies a decision to a pending ticket. The handler is removed
// before it runs, so concurrent or repeated calls for the same id return
// ErrNotActionable.
func (r *Registry) Resolve(id string, approved bool) error {
	v, ok := r.handlers.LoadAndDelete(id)
	if !ok {
		return ErrNotActionable
	}

	r.mu.RLock()
	t := r.tickets[id]
	r.mu.RUnlock()
	if t == nil {
		return ErrNotActionable
	}

	v.(Handler).ResolveTicket(t, approved)

	now := time.Now()
	r.mu.Lock()
	if approved {
		t.Status = types.TicketApproved
		t.ApprovedAt = &now
	} else {
		t.Status = types.TicketRejected
		t.RejectedAt = &now
	}
	snapshot := t.Clone()
	r.mu.Unlock()

	if approved {
		r.approved.Add(1)
	} else {
		r.rejected.Add(1)
	}

	if err := r.store.UpdateTicket(context.Background(), snapshot); err != nil {
		logging.Error().Err(err).Str("ticket", id).Msg("persist ticket decision")
	}
	r.publish(event.TicketUpdated, snapshot)
	r.scheduleRemoval(id)

	logging.Info().Str("ticket", id).Str("status", string(snapshot.Status)).Msg("ticket resolved")
	return nil
}

func (r *Registry) scheduleRemoval(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.timers[id] = time.AfterFunc(r.grace, func() { r.remove(id) })
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	_, ok := r.tickets[id]
	delete(r.tickets, id)
	delete(r.timers, id)
	r.mu.Unlock()

	if ok && r.bus != nil {
		r.bus.Publish(event.Event{Type: event.TicketRemoved, Data: event.TicketRemovedData{TicketID: id}})
	}
}

// Get returns a copy of the ticket, including resolved tickets still inside
// their grace delay.
func (r *Registry) Get(id string) (*types.Ticket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickets[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Pending returns copies of the unresolved tickets, newest first.
func (r *Registry) Pending() []*types.Ticket {
	r.mu.RLock()
	out := make([]*types.Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		if t.Status == types.TicketPending {
			out = append(out, t.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stats returns the ticket counters.
func (r *Registry) Stats() Stats {
	pending := 0
	r.mu.RLock()
	for _, t := range r.tickets {
		if t.Status == types.TicketPending {
			pending++
		}
	}
	r.mu.RUnlock()

	return Stats{
		Total:    r.total.Load(),
		Approved: r.approved.Load(),
		Rejected: r.rejected.Load(),
		Pending:  pending,
	}
}

// Close stops pending removal timers. Tickets stay readable.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}

func (r *Registry) publish(typ event.EventType, t *types.Ticket) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event.Event{Type: typ, Data: event.TicketData{Info: t}})
}
