package session

import (
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/opencode-ai/gatekeeper/internal/analyzer"
	"github.com/opencode-ai/gatekeeper/internal/command"
	"github.com/opencode-ai/gatekeeper/internal/config"
	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/internal/ticket"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// ticketHistory is how many history entries a ticket carries.
const ticketHistory = 20

// Classifier decides whether a command may run without review.
type Classifier interface {
	IsSafe(cmd string) bool
}

// Tickets registers approval tickets.
type Tickets interface {
	Create(t *types.Ticket, h ticket.Handler) string
}

// Options configures a Governor. Client, Destination, Classifier, Analyzer
// and Tickets are required.
type Options struct {
	ID        string
	Username  string
	Address   string
	IsNHI     bool
	StartTime time.Time

	Client      io.Writer
	Destination io.Writer
	// Hangup closes both sides of the proxied connection. Called once when
	// an exit keyword is received.
	Hangup func()

	Classifier Classifier
	Analyzer   analyzer.Analyzer
	Tickets    Tickets
	Store      storage.Store
	Bus        *event.Bus

	Governance types.GovernanceConfig
}

// Governor runs the governance state machine of one session. HandleInput
// must be called from a single goroutine; the other methods are safe for
// concurrent use.
type Governor struct {
	id       string
	username string
	address  string
	isNHI    bool
	start    time.Time

	client     io.Writer
	dest       io.Writer
	hangup     func()
	classifier Classifier
	analyzer   analyzer.Analyzer
	tickets    Tickets
	store      storage.Store
	bus        *event.Bus

	submitKeyword string
	exitKeywords  []string
	historyLimit  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards the state below and serialises destination writes.
	mu           sync.Mutex
	mode         types.Mode
	history      []string
	queue        []types.BlockedCommand
	analyzing    bool
	pending      string
	lastActivity time.Time
	closed       bool

	outMu sync.Mutex
	out   transcript

	clientMu  sync.Mutex
	closeOnce sync.Once
	hangOnce  sync.Once
}

// NewID derives a session id from the identity and start time.
func NewID(username, address string, start time.Time) string {
	return username + "@" + address + ":" + strconv.FormatInt(start.UnixMilli(), 10)
}

// New creates a Governor in pass-through mode, records the session and
// announces it.
func New(opts Options) *Governor {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	if opts.ID == "" {
		opts.ID = NewID(opts.Username, opts.Address, opts.StartTime)
	}
	if opts.Store == nil {
		opts.Store = storage.Nop{}
	}
	if opts.Hangup == nil {
		opts.Hangup = func() {}
	}
	gov := opts.Governance
	if gov.SubmitKeyword == "" {
		gov.SubmitKeyword = config.DefaultSubmitKeyword
	}
	if len(gov.ExitKeywords) == 0 {
		gov.ExitKeywords = config.DefaultExitKeywords
	}
	if gov.HistoryLimit <= 0 {
		gov.HistoryLimit = config.DefaultHistoryLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Governor{
		id:            opts.ID,
		username:      opts.Username,
		address:       opts.Address,
		isNHI:         opts.IsNHI,
		start:         opts.StartTime,
		client:        opts.Client,
		dest:          opts.Destination,
		hangup:        opts.Hangup,
		classifier:    opts.Classifier,
		analyzer:      opts.Analyzer,
		tickets:       opts.Tickets,
		store:         opts.Store,
		bus:           opts.Bus,
		submitKeyword: gov.SubmitKeyword,
		exitKeywords:  gov.ExitKeywords,
		historyLimit:  gov.HistoryLimit,
		ctx:           ctx,
		cancel:        cancel,
		mode:          types.ModePassThrough,
		lastActivity:  opts.StartTime,
	}

	info := g.Info()
	if err := g.store.CreateSession(context.Background(), info); err != nil {
		logging.Error().Err(err).Str("session", g.id).Msg("persist session")
	}
	g.publish(event.SessionAdded, info)

	logging.Audit("SESSION_START").
		Str("session", g.id).
		Str("username", g.username).
		Str("ip", g.address).
		Bool("nhi", g.isNHI).
		Msg("session started")
	return g
}

// ID returns the session id.
func (g *Governor) ID() string { return g.id }

// HandleInput processes one inbound chunk from the client.
func (g *Governor) HandleInput(chunk []byte) {
	if command.IsControl(chunk) {
		g.forward(chunk)
		return
	}
	cmd, ok := command.Parse(chunk)
	if !ok {
		g.forward(chunk)
		return
	}

	if command.IsKeyword(cmd, g.exitKeywords...) {
		g.exit(cmd)
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.lastActivity = time.Now()

	switch {
	case command.IsKeyword(cmd, g.submitKeyword):
		g.submitLocked()
	case g.analyzing:
		g.mu.Unlock()
		g.notify(analysisRunningNotice())
		return
	case g.pending != "":
		id := g.pending
		g.mu.Unlock()
		g.notify(pendingNotice(id))
		return
	case g.mode == types.ModePassThrough && g.classifier.IsSafe(cmd):
		g.allowLocked(cmd, chunk)
	default:
		g.queueLocked(cmd, chunk)
	}
	g.mu.Unlock()
}

// allowLocked forwards a safe-listed command. g.mu must be held.
func (g *Governor) allowLocked(cmd string, chunk []byte) {
	g.history = append(g.history, cmd)
	if over := len(g.history) - g.historyLimit; over > 0 {
		g.history = append(g.history[:0:0], g.history[over:]...)
	}
	g.writeDestLocked(chunk)

	logging.Audit("COMMAND_ALLOWED").
		Str("session", g.id).
		Str("username", g.username).
		Str("command", cmd).
		Msg("command allowed")
}

// queueLocked enters batch audit mode if needed and queues the chunk.
// g.mu must be held.
func (g *Governor) queueLocked(cmd string, chunk []byte) {
	if g.mode == types.ModePassThrough {
		g.mode = types.ModeBatchAudit
		g.notify(auditModeNotice(g.submitKeyword))
		g.persistMode(types.ModeBatchAudit)

		logging.Audit("BATCH_MODE_ENTERED").
			Str("session", g.id).
			Str("username", g.username).
			Str("command", cmd).
			Msg("batch audit mode entered")
	}

	entry := types.BlockedCommand{
		Command:  command.Normalize(chunk),
		Raw:      append([]byte(nil), chunk...),
		QueuedAt: time.Now(),
	}
	g.queue = append(g.queue, entry)
	g.notify(queuedNotice(len(g.queue), entry.Command))
	if command.Suggest(cmd, g.submitKeyword) {
		g.notify(didYouMeanNotice(g.submitKeyword))
	}
	g.publish(event.SessionUpdated, g.infoLocked())

	logging.Audit("COMMAND_QUEUED").
		Str("session", g.id).
		Str("command", entry.Command).
		Int("queue", len(g.queue)).
		Msg("command queued")
}

// submitLocked hands the queue to the analyzer. g.mu must be held.
func (g *Governor) submitLocked() {
	switch {
	case g.pending != "":
		g.notify(pendingNotice(g.pending))
		return
	case g.analyzing:
		g.notify(analysisRunningNotice())
		return
	case len(g.queue) == 0:
		g.notify(nothingToSubmitNotice())
		return
	}

	batch := g.queue
	g.queue = nil
	history := append([]string(nil), g.history...)
	g.analyzing = true
	g.notify(submittedNotice(len(batch)))
	g.publish(event.SessionUpdated, g.infoLocked())

	logging.Audit("SUBMIT_REQUESTED").
		Str("session", g.id).
		Str("username", g.username).
		Int("commands", len(batch)).
		Msg("approval requested")

	g.wg.Add(1)
	go g.requestTicket(history, batch)
}

// requestTicket runs the analyzer off the input path and registers the
// ticket once it answers.
func (g *Governor) requestTicket(history []string, batch []types.BlockedCommand) {
	defer g.wg.Done()

	analysis := g.analyzer.Analyze(g.ctx, history, batch, g.username)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.analyzing = false
	if g.closed {
		logging.Warn().
			Str("session", g.id).
			Int("commands", len(batch)).
			Msg("session closed during analysis, queued commands discarded")
		return
	}

	commands := make([]string, len(batch))
	for i, e := range batch {
		commands[i] = e.Command
	}
	if len(history) > ticketHistory {
		history = history[len(history)-ticketHistory:]
	}

	t := &types.Ticket{
		SessionID: g.id,
		Username:  g.username,
		Address:   g.address,
		IsNHI:     g.isNHI,
		Commands:  command.FlattenAll(commands),
		History:   history,
		Analysis:  analysis,
		Entries:   batch,
		CreatedAt: time.Now(),
	}
	// Created under g.mu so a resolution arriving right away waits for
	// pending to be recorded.
	g.pending = g.tickets.Create(t, g)

	g.notify(ticketNotice(g.pending) + analysisLines(analysis))
	g.publish(event.SessionUpdated, g.infoLocked())

	logging.Audit("TICKET_GENERATED").
		Str("session", g.id).
		Str("ticket", g.pending).
		Int("commands", len(batch)).
		Msg("ticket generated")
}

// ResolveTicket applies an operator decision. On approval the ticket's raw
// entries are written to the destination in queue order; either way the
// session returns to pass-through mode with an empty queue and history.
func (g *Governor) ResolveTicket(t *types.Ticket, approved bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t.SessionID != g.id {
		logging.Error().Str("session", g.id).Str("ticket", t.ID).Msg("ticket bound to another session")
		return
	}
	entries := t.Entries

	if g.closed {
		logging.Warn().
			Str("session", g.id).
			Str("ticket", t.ID).
			Bool("approved", approved).
			Msg("ticket resolved after session closed, nothing replayed")
		return
	}

	if approved {
		logging.Audit("TICKET_APPROVED").
			Str("session", g.id).
			Str("ticket", t.ID).
			Int("commands", len(entries)).
			Msg("commands approved")
		g.notify(approvedNotice(t.ID, len(entries)))
		for _, e := range entries {
			g.writeDestLocked(e.Raw)
			logging.Audit("COMMAND_EXECUTED").
				Str("session", g.id).
				Str("ticket", t.ID).
				Str("command", e.Command).
				Msg("command executed")
		}
	} else {
		logging.Audit("TICKET_REJECTED").
			Str("session", g.id).
			Str("ticket", t.ID).
			Int("commands", len(entries)).
			Msg("commands rejected")
		g.notify(rejectedNotice(t.ID, len(entries)))
	}

	g.queue = nil
	g.history = nil
	g.pending = ""
	g.mode = types.ModePassThrough
	g.persistMode(types.ModePassThrough)
	g.publish(event.SessionUpdated, g.infoLocked())
}

// exit handles an exit keyword: notify, then close both sides.
func (g *Governor) exit(cmd string) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	queued := len(g.queue)
	g.mu.Unlock()

	g.notify(exitNotice())
	logging.Audit("EXIT_COMMAND").
		Str("session", g.id).
		Str("username", g.username).
		Str("command", cmd).
		Int("discarded", queued).
		Msg("exit requested")

	g.Close()
	g.hangOnce.Do(g.hangup)
}

// HandleOutput forwards destination output to the client and captures it.
func (g *Governor) HandleOutput(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	g.clientMu.Lock()
	if _, err := g.client.Write(chunk); err != nil {
		logging.Debug().Err(err).Str("session", g.id).Msg("write to client")
	}
	g.clientMu.Unlock()

	g.outMu.Lock()
	g.out.append(chunk)
	g.outMu.Unlock()

	if g.bus != nil {
		g.bus.Publish(event.Event{
			Type: event.TerminalOutput,
			Data: event.TerminalOutputData{SessionID: g.id, Data: string(chunk)},
		})
	}
}

// Transcript returns the captured destination output without ANSI escape
// sequences.
func (g *Governor) Transcript() string {
	g.outMu.Lock()
	defer g.outMu.Unlock()
	return g.out.plain()
}

// Close ends the session. It is idempotent. An analysis still in flight is
// cancelled and its batch discarded; a pending ticket stays resolvable but
// nothing is replayed.
func (g *Governor) Close() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		end := time.Now()
		duration := end.Sub(g.start)
		g.mu.Unlock()
		g.cancel()

		output := g.Transcript()
		if err := g.store.CloseSession(context.Background(), g.id, end, duration, output); err != nil {
			logging.Error().Err(err).Str("session", g.id).Msg("persist session close")
		}

		info := g.Info()
		info.EndTime = &end
		info.Duration = duration
		g.publish(event.SessionClosed, info)

		logging.Audit("SESSION_END").
			Str("session", g.id).
			Str("username", g.username).
			Dur("duration", duration).
			Msg("session ended")
	})
}

// Wait blocks until background analysis has finished.
func (g *Governor) Wait() {
	g.wg.Wait()
}

// Mode returns the current mode.
func (g *Governor) Mode() types.Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// PendingTicket returns the id of the ticket awaiting a decision, if any.
func (g *Governor) PendingTicket() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Info returns a snapshot of the session.
func (g *Governor) Info() *types.SessionInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.infoLocked()
}

func (g *Governor) infoLocked() *types.SessionInfo {
	status := types.SessionActive
	if g.closed {
		status = types.SessionClosed
	}
	return &types.SessionInfo{
		ID:           g.id,
		Username:     g.username,
		Address:      g.address,
		IsNHI:        g.isNHI,
		Status:       status,
		Mode:         g.mode,
		QueueSize:    len(g.queue),
		History:      append([]string(nil), g.history...),
		StartTime:    g.start,
		LastActivity: g.lastActivity,
	}
}

// forward writes non-command input to the destination.
func (g *Governor) forward(chunk []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.writeDestLocked(chunk)
}

func (g *Governor) writeDestLocked(chunk []byte) {
	if _, err := g.dest.Write(chunk); err != nil {
		logging.Warn().Err(err).Str("session", g.id).Msg("write to destination")
	}
}

func (g *Governor) notify(msg string) {
	g.clientMu.Lock()
	defer g.clientMu.Unlock()
	if _, err := io.WriteString(g.client, msg); err != nil {
		logging.Debug().Err(err).Str("session", g.id).Msg("write notice")
	}
}

func (g *Governor) persistMode(mode types.Mode) {
	if err := g.store.UpdateSession(context.Background(), g.id, types.SessionUpdate{Mode: &mode}); err != nil {
		logging.Warn().Err(err).Str("session", g.id).Msg("persist mode")
	}
}

func (g *Governor) publish(typ event.EventType, info *types.SessionInfo) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(event.Event{Type: typ, Data: event.SessionData{Info: info}})
}
