package console

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/ticket"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ansi.Strip(b.buf.String())
}

type decisions struct {
	mu  sync.Mutex
	got map[string]bool
}

func (d *decisions) ResolveTicket(t *types.Ticket, approved bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.got == nil {
		d.got = map[string]bool{}
	}
	d.got[t.ID] = approved
}

func (d *decisions) get(id string) (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.got[id]
	return v, ok
}

func sampleTicket() *types.Ticket {
	t := &types.Ticket{
		SessionID: "agent_x@10.0.0.9:1700000000000",
		Username:  "agent_x",
		Address:   "10.0.0.9",
		IsNHI:     true,
		Commands:  []string{"rm -rf /tmp/x", "chmod 777 /etc"},
		Analysis:  "HIGH risk\nDeletes files.",
	}
	for i := 0; i < 15; i++ {
		t.History = append(t.History, fmt.Sprintf("cat file%02d", i))
	}
	return t
}

func TestIsYes(t *testing.T) {
	for _, in := range []string{"y", "Y", " yes ", "YES"} {
		assert.True(t, IsYes(in), in)
	}
	for _, in := range []string{"", "n", "no", "s", "yep", "approve"} {
		assert.False(t, IsYes(in), in)
	}
}

func TestRender(t *testing.T) {
	tk := sampleTicket()
	tk.ID = "TICKET-01ABC"
	var buf bytes.Buffer
	Render(&buf, tk)
	out := ansi.Strip(buf.String())

	assert.Contains(t, out, "TICKET TICKET-01ABC")
	assert.Contains(t, out, "agent_x [NHI]")
	assert.Contains(t, out, "IP: 10.0.0.9")
	assert.Contains(t, out, "  HIGH risk\n  Deletes files.")
	assert.Contains(t, out, "Commands (2):")
	assert.Contains(t, out, "1. rm -rf /tmp/x")
	assert.Contains(t, out, "2. chmod 777 /etc")
	assert.NotContains(t, out, "cat file04")
	assert.Contains(t, out, "cat file05")
	assert.Contains(t, out, "cat file14")
}

func TestApproverPrompts(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	reg := ticket.NewRegistry(ticket.Options{GraceDelay: time.Hour, Bus: bus})
	defer reg.Close()

	inR, inW := io.Pipe()
	out := &syncBuffer{}
	a := NewApprover(reg, inR, out)
	defer a.Subscribe(bus)()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	h := &decisions{}
	first := reg.Create(sampleTicket(), h)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Approve ticket "+first+"? (y/n)")
	}, 3*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(inW, "y\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := h.get(first); return ok }, 3*time.Second, 10*time.Millisecond)
	approved, _ := h.get(first)
	assert.True(t, approved)

	second := reg.Create(sampleTicket(), h)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Approve ticket "+second+"?")
	}, 3*time.Second, 10*time.Millisecond)
	_, err = io.WriteString(inW, "nope\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := h.get(second); return ok }, 3*time.Second, 10*time.Millisecond)
	approved, _ = h.get(second)
	assert.False(t, approved)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("approver did not stop")
	}
	inW.Close()
}

func TestApproverSkipsDecidedTickets(t *testing.T) {
	reg := ticket.NewRegistry(ticket.Options{GraceDelay: time.Hour})
	defer reg.Close()

	h := &decisions{}
	decided := reg.Create(sampleTicket(), h)
	require.NoError(t, reg.Resolve(decided, false))
	open := reg.Create(sampleTicket(), h)

	out := &syncBuffer{}
	a := NewApprover(reg, strings.NewReader("y\n"), out)
	a.Enqueue(decided)
	a.Enqueue("TICKET-unknown")
	a.Enqueue(open)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.Eventually(t, func() bool { _, ok := h.get(open); return ok }, 3*time.Second, 10*time.Millisecond)
	assert.NotContains(t, out.String(), "Approve ticket "+decided)
	assert.Contains(t, out.String(), "Ticket "+open+" approved.")
}

func TestApproverRaceWithOtherDecision(t *testing.T) {
	reg := ticket.NewRegistry(ticket.Options{GraceDelay: time.Hour})
	defer reg.Close()

	h := &decisions{}
	id := reg.Create(sampleTicket(), h)

	inR, inW := io.Pipe()
	out := &syncBuffer{}
	a := NewApprover(reg, inR, out)
	a.Enqueue(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "(y/n)") }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, reg.Resolve(id, false))

	_, err := io.WriteString(inW, "y\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "was already decided")
	}, 3*time.Second, 10*time.Millisecond)

	approved, _ := h.get(id)
	assert.False(t, approved, "first decision wins")
	inW.Close()
}

func TestApproverStopsOnClosedInput(t *testing.T) {
	reg := ticket.NewRegistry(ticket.Options{GraceDelay: time.Hour})
	defer reg.Close()
	id := reg.Create(sampleTicket(), &decisions{})

	a := NewApprover(reg, strings.NewReader(""), &syncBuffer{})
	a.Enqueue(id)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("approver did not stop on closed input")
	}
	got, _ := reg.Get(id)
	assert.Equal(t, types.TicketPending, got.Status)
}
