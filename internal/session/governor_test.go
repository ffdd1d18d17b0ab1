package session_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/gatekeeper/internal/analyzer"
	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/permission"
	"github.com/opencode-ai/gatekeeper/internal/session"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/internal/ticket"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

type slowBackend struct{}

func (slowBackend) Complete(ctx context.Context, prompt string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

var _ = Describe("Governor", func() {
	var (
		client   *buffer
		dest     *buffer
		registry *ticket.Registry
		stub     *stubAnalyzer
		store    *storage.FileStore
		hangups  atomic.Int32
		gov      *session.Governor
		opts     session.Options
	)

	send := func(s string) { gov.HandleInput([]byte(s)) }

	waitForTicket := func() string {
		Eventually(gov.PendingTicket, time.Second, 5*time.Millisecond).ShouldNot(BeEmpty())
		return gov.PendingTicket()
	}

	BeforeEach(func() {
		client = &buffer{}
		dest = &buffer{}
		registry = ticket.NewRegistry(ticket.Options{GraceDelay: time.Hour})
		stub = &stubAnalyzer{text: "LOW risk: removes a temp dir"}
		store = storage.NewFileStore(GinkgoT().TempDir())
		hangups.Store(0)

		classifier, err := permission.NewClassifier([]string{"ls", "pwd", "cat"}, nil)
		Expect(err).NotTo(HaveOccurred())

		opts = session.Options{
			Username:    "alice",
			Address:     "10.0.0.9",
			Client:      client,
			Destination: dest,
			Hangup:      func() { hangups.Add(1) },
			Classifier:  classifier,
			Analyzer:    stub,
			Tickets:     registry,
			Store:       store,
		}
	})

	JustBeforeEach(func() {
		gov = session.New(opts)
	})

	AfterEach(func() {
		gov.Close()
		gov.Wait()
		registry.Close()
	})

	It("derives the session id from identity and start time", func() {
		start := time.UnixMilli(1_700_000_000_123)
		Expect(session.NewID("alice", "10.0.0.9", start)).To(Equal("alice@10.0.0.9:1700000000123"))
		Expect(gov.ID()).To(HavePrefix("alice@10.0.0.9:"))
	})

	It("records the session on creation", func() {
		info, err := store.GetSession(context.Background(), gov.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Status).To(Equal(types.SessionActive))
		Expect(info.Mode).To(Equal(types.ModePassThrough))
	})

	Context("scenario A: safe-listed command", func() {
		It("forwards immediately and records history", func() {
			send("ls -la\r")

			Expect(dest.String()).To(Equal("ls -la\r"))
			Expect(gov.Mode()).To(Equal(types.ModePassThrough))
			Expect(gov.Info().History).To(Equal([]string{"ls -la"}))
			Expect(client.String()).To(BeEmpty())
		})

		It("classifies a compound line on its first unit and forwards the whole line", func() {
			send("ls; id\r")
			Expect(dest.String()).To(Equal("ls; id\r"))
			Expect(gov.Info().History).To(Equal([]string{"ls"}))
		})

		Context("with a small history limit", func() {
			BeforeEach(func() {
				opts.Governance.HistoryLimit = 3
			})

			It("keeps the most recent entries", func() {
				for _, c := range []string{"ls a", "ls b", "ls c", "ls d"} {
					send(c + "\r")
				}
				Expect(gov.Info().History).To(Equal([]string{"ls b", "ls c", "ls d"}))
			})
		})
	})

	Context("scenario B: approval", func() {
		It("queues, submits and replays the raw bytes once", func() {
			send("rm -rf /tmp/x\r")

			Expect(gov.Mode()).To(Equal(types.ModeBatchAudit))
			Expect(client.String()).To(ContainSubstring("BATCH AUDIT"))
			Expect(client.String()).To(ContainSubstring("[QUEUED]"))
			Expect(dest.String()).To(BeEmpty())
			Expect(gov.Info().QueueSize).To(Equal(1))

			send("SUBMIT\r")
			id := waitForTicket()
			Expect(client.String()).To(ContainSubstring(id))
			Expect(client.String()).To(ContainSubstring("LOW risk"))
			Expect(gov.Mode()).To(Equal(types.ModeBatchAudit), "mode holds until resolution")

			t, ok := registry.Get(id)
			Expect(ok).To(BeTrue())
			Expect(t.Commands).To(Equal([]string{"rm -rf /tmp/x"}))
			Expect(t.SessionID).To(Equal(gov.ID()))
			Expect(t.Analysis).To(Equal("LOW risk: removes a temp dir"))

			Expect(registry.Resolve(id, true)).To(Succeed())
			Expect(dest.String()).To(Equal("rm -rf /tmp/x\r"))
			Expect(gov.Mode()).To(Equal(types.ModePassThrough))
			Expect(gov.Info().QueueSize).To(Equal(0))
			Expect(gov.Info().History).To(BeEmpty())
			Expect(gov.PendingTicket()).To(BeEmpty())
			Expect(client.String()).To(ContainSubstring("approved"))

			Expect(registry.Resolve(id, true)).To(MatchError(ticket.ErrNotActionable))
			Expect(dest.String()).To(Equal("rm -rf /tmp/x\r"))
		})

		It("replays several entries in enqueue order", func() {
			send("touch a\r")
			send("ls\r")
			send("mv a b; rm b\r")
			send("submit\r")
			id := waitForTicket()

			t, _ := registry.Get(id)
			Expect(t.Commands).To(Equal([]string{"touch a", "ls", "mv a b", "rm b"}))

			Expect(registry.Resolve(id, true)).To(Succeed())
			Expect(dest.String()).To(Equal("touch a\rls\rmv a b; rm b\r"))
		})

		It("passes history and the blocked batch to the analyzer", func() {
			send("pwd\r")
			send("reboot\r")
			send("SUBMIT\r")
			waitForTicket()

			stub.mu.Lock()
			defer stub.mu.Unlock()
			Expect(stub.history).To(Equal([]string{"pwd"}))
			Expect(stub.blocked).To(HaveLen(1))
			Expect(stub.blocked[0].Raw).To(Equal([]byte("reboot\r")))
		})
	})

	Context("scenario C: rejection", func() {
		It("never forwards the command and clears state", func() {
			send("cat /etc/hosts\r")
			send("rm -rf /tmp/x\r")
			send("SUBMIT\r")
			id := waitForTicket()

			Expect(registry.Resolve(id, false)).To(Succeed())

			Expect(dest.String()).To(Equal("cat /etc/hosts\r"))
			Expect(gov.Mode()).To(Equal(types.ModePassThrough))
			Expect(gov.Info().History).To(BeEmpty())
			Expect(gov.Info().QueueSize).To(Equal(0))
			Expect(client.String()).To(ContainSubstring("rejected"))

			t, ok := registry.Get(id)
			Expect(ok).To(BeTrue())
			Expect(t.Status).To(Equal(types.TicketRejected))
		})
	})

	Context("scenario D: empty submit", func() {
		It("reports nothing to submit in pass-through mode", func() {
			send("SUBMIT\r")

			Expect(client.String()).To(ContainSubstring("Nothing to submit"))
			Expect(gov.Mode()).To(Equal(types.ModePassThrough))
			Consistently(gov.PendingTicket, 50*time.Millisecond).Should(BeEmpty())
			Expect(stub.Calls()).To(Equal(0))
			Expect(registry.Pending()).To(BeEmpty())
		})
	})

	Context("in batch audit mode", func() {
		JustBeforeEach(func() {
			send("chmod 777 /srv\r")
			Expect(gov.Mode()).To(Equal(types.ModeBatchAudit))
		})

		It("queues safe-listed commands too", func() {
			send("ls\r")
			Expect(dest.String()).To(BeEmpty())
			Expect(gov.Info().QueueSize).To(Equal(2))
		})

		It("forwards control input untouched", func() {
			gov.HandleInput([]byte{0x03})
			gov.HandleInput([]byte("\x1b[A"))
			Expect(dest.String()).To(Equal("\x03\x1b[A"))
			Expect(gov.Info().QueueSize).To(Equal(1))
		})

		It("hints at a mistyped submit keyword", func() {
			send("SUBMTI\r")
			Expect(client.String()).To(ContainSubstring("Did you mean 'SUBMIT'"))
			Expect(gov.Info().QueueSize).To(Equal(2))
		})

		It("refuses commands while a ticket is pending", func() {
			send("SUBMIT\r")
			id := waitForTicket()

			send("rm -rf /\r")
			Expect(client.String()).To(ContainSubstring("awaiting a decision"))
			Expect(client.String()).To(ContainSubstring("Command NOT queued; re-enter it once the ticket is resolved."))
			Expect(gov.Info().QueueSize).To(Equal(0))

			send("SUBMIT\r")
			Expect(strings.Count(client.String(), id)).To(BeNumerically(">=", 3))
			Expect(registry.Pending()).To(HaveLen(1))

			Expect(registry.Resolve(id, true)).To(Succeed())
			Expect(dest.String()).To(Equal("chmod 777 /srv\r"))
		})

		It("closes the session on exit regardless of the queue", func() {
			send("exit\r")

			Expect(hangups.Load()).To(Equal(int32(1)))
			Expect(gov.Info().Status).To(Equal(types.SessionClosed))
			Expect(client.String()).To(ContainSubstring("Closing connection"))
			Expect(dest.String()).To(BeEmpty())

			info, err := store.GetSession(context.Background(), gov.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Status).To(Equal(types.SessionClosed))

			send("ls\r")
			Expect(dest.String()).To(BeEmpty())
		})
	})

	Context("escape-prefixed input", func() {
		It("queues a bracketed paste instead of forwarding it", func() {
			paste := "\x1b[200~rm -rf /tmp/x\x1b[201~\r"
			send(paste)

			Expect(dest.String()).To(BeEmpty())
			Expect(gov.Mode()).To(Equal(types.ModeBatchAudit))
			Expect(client.String()).To(ContainSubstring("[QUEUED]"))
			Expect(client.String()).To(ContainSubstring("#1 rm -rf /tmp/x"))

			send("SUBMIT\r")
			id := waitForTicket()
			t, _ := registry.Get(id)
			Expect(t.Commands).To(Equal([]string{"rm -rf /tmp/x"}))

			Expect(registry.Resolve(id, true)).To(Succeed())
			Expect(dest.String()).To(Equal(paste), "replay keeps the raw bytes")
		})

		It("classifies a command typed after a cursor key", func() {
			send("\x1b[Creboot\r")
			Expect(dest.String()).To(BeEmpty())
			Expect(gov.Mode()).To(Equal(types.ModeBatchAudit))
			Expect(gov.Info().QueueSize).To(Equal(1))
		})

		It("forwards a pasted safe-listed command", func() {
			send("\x1b[200~ls -la\x1b[201~\r")
			Expect(dest.String()).To(Equal("\x1b[200~ls -la\x1b[201~\r"))
			Expect(gov.Mode()).To(Equal(types.ModePassThrough))
			Expect(gov.Info().History).To(Equal([]string{"ls -la"}))
		})

		It("honours an exit keyword inside a paste", func() {
			send("\x1b[200~exit\x1b[201~\r")
			Expect(hangups.Load()).To(Equal(int32(1)))
		})
	})

	Context("exit in pass-through mode", func() {
		It("closes the session", func() {
			send("  QUIT \r\n")
			Expect(hangups.Load()).To(Equal(int32(1)))
			Expect(gov.Info().Status).To(Equal(types.SessionClosed))
		})
	})

	Context("while the analyzer is running", func() {
		BeforeEach(func() {
			stub.release = make(chan struct{})
		})

		It("refuses new commands and creates the ticket once it answers", func() {
			send("reboot\r")
			send("SUBMIT\r")
			Eventually(stub.Calls).Should(Equal(1))

			send("rm -rf /\r")
			Expect(client.String()).To(ContainSubstring("in progress"))
			Expect(client.String()).To(ContainSubstring("Command NOT queued"))
			Expect(gov.PendingTicket()).To(BeEmpty())

			close(stub.release)
			id := waitForTicket()
			t, _ := registry.Get(id)
			Expect(t.Commands).To(Equal([]string{"reboot"}))
		})

		It("discards the batch when the session closes", func() {
			send("reboot\r")
			send("SUBMIT\r")
			Eventually(stub.Calls).Should(Equal(1))

			gov.Close()
			gov.Wait()
			Expect(registry.Pending()).To(BeEmpty())
		})
	})

	Context("with a slow analyzer", func() {
		BeforeEach(func() {
			opts.Analyzer = analyzer.NewClient(slowBackend{}, 30*time.Millisecond)
		})

		It("still creates a ticket with the timeout notice", func() {
			send("reboot\r")
			start := time.Now()
			send("SUBMIT\r")
			id := waitForTicket()
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))

			t, _ := registry.Get(id)
			Expect(t.Analysis).To(HavePrefix("[TIMEOUT]"))
		})
	})

	Context("after the session closed", func() {
		It("marks the ticket approved without replaying", func() {
			send("reboot\r")
			send("SUBMIT\r")
			id := waitForTicket()

			gov.Close()
			Expect(registry.Resolve(id, true)).To(Succeed())
			Expect(dest.String()).To(BeEmpty())

			t, _ := registry.Get(id)
			Expect(t.Status).To(Equal(types.TicketApproved))
		})
	})

	Context("destination output", func() {
		It("reaches the client and the transcript", func() {
			gov.HandleOutput([]byte("\x1b[32mok\x1b[0m\r\n"))
			Expect(client.String()).To(Equal("\x1b[32mok\x1b[0m\r\n"))
			Expect(gov.Transcript()).To(Equal("ok\r\n"))
		})

		It("is stored with the closed session", func() {
			gov.HandleOutput([]byte("\x1b[1mtotal 0\x1b[0m\n"))
			gov.Close()

			info, err := store.GetSession(context.Background(), gov.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Output).To(Equal("total 0\n"))
			Expect(info.EndTime).NotTo(BeNil())
		})
	})

	Context("with an event bus", func() {
		var (
			bus    *event.Bus
			events chan event.Event
		)

		BeforeEach(func() {
			bus = event.NewBus()
			events = make(chan event.Event, 64)
			bus.SubscribeAll(func(e event.Event) {
				select {
				case events <- e:
				default:
				}
			})
			opts.Bus = bus
		})

		AfterEach(func() {
			bus.Close()
		})

		It("publishes lifecycle and output events", func() {
			gov.HandleOutput([]byte("hello"))
			send("rm x\r")
			gov.Close()

			seen := map[event.EventType]bool{}
			Eventually(func() bool {
				for {
					select {
					case e := <-events:
						seen[e.Type] = true
					default:
						return seen[event.SessionAdded] && seen[event.SessionUpdated] &&
							seen[event.SessionClosed] && seen[event.TerminalOutput]
					}
				}
			}, time.Second, 10*time.Millisecond).Should(BeTrue())
		})
	})

	Context("when the destination is gone", func() {
		BeforeEach(func() {
			opts.Destination = failingWriter{}
		})

		It("logs write failures and keeps going", func() {
			Expect(func() { send("ls\r") }).NotTo(Panic())
			Expect(gov.Info().History).To(Equal([]string{"ls"}))
		})
	})
})

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
