package e2e_test

import (
	"encoding/json"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/gatekeeper/citest/testutil"
	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

var _ = Describe("Dashboard", func() {
	Describe("event stream", func() {
		var sse *testutil.SSEClient

		BeforeEach(func() {
			sse = gk.SSEClient()
			Expect(sse.Connect(ctx)).To(Succeed())
			DeferCleanup(sse.Close)
			_, err := sse.WaitForEvent("server.connected", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
		})

		It("follows a session from connect to history", func() {
			term := operator()

			added, err := sse.WaitFor(func(evt testutil.SSEEvent) bool {
				if evt.Type != string(event.SessionAdded) {
					return false
				}
				d, err := evt.Session()
				return err == nil && d.Info.Username == testutil.OperatorUser
			}, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			d, err := added.Session()
			Expect(err).NotTo(HaveOccurred())
			id := d.Info.ID
			Expect(id).To(HavePrefix(testutil.OperatorUser + "@127.0.0.1:"))
			Expect(d.Info.Status).To(Equal(types.SessionActive))

			Expect(term.Type("pwd")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("ran: pwd"))

			By("serving the live transcript")
			Eventually(func() string {
				tr, err := client.Terminal(ctx, id)
				if err != nil || !tr.Live {
					return ""
				}
				return tr.Output
			}).Should(ContainSubstring("ran: pwd"))

			Expect(term.Type("exit")).To(Succeed())
			Eventually(term.Done()).Should(Receive())

			_, err = sse.WaitFor(func(evt testutil.SSEEvent) bool {
				if evt.Type != string(event.SessionClosed) {
					return false
				}
				d, err := evt.Session()
				return err == nil && d.Info.ID == id
			}, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			By("keeping the closed session in history")
			var closed *types.SessionInfo
			Eventually(func() types.SessionStatus {
				page, err := client.History(ctx, 1, 50)
				if err != nil {
					return ""
				}
				for i := range page.Data {
					if page.Data[i].ID == id {
						closed = &page.Data[i]
						return closed.Status
					}
				}
				return ""
			}).Should(Equal(types.SessionClosed))
			Expect(closed.EndTime).NotTo(BeNil())
			Expect(closed.Duration).To(BeNumerically(">", 0))

			Eventually(func() bool {
				tr, err := client.Terminal(ctx, id)
				return err == nil && !tr.Live
			}).Should(BeTrue())
			tr, err := client.Terminal(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.Output).To(ContainSubstring("ran: pwd"))
			Expect(tr.Output).NotTo(ContainSubstring("\x1b["))
		})

		It("publishes ticket lifecycle events", func() {
			term := operator()

			Expect(term.Type("shutdown -r now")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("[QUEUED] #1 shutdown -r now"))
			Expect(term.Type("SUBMIT")).To(Succeed())

			created, err := sse.WaitForEvent(string(event.TicketCreated), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			td, err := created.Ticket()
			Expect(err).NotTo(HaveOccurred())
			Expect(td.Info.Commands).To(Equal([]string{"shutdown -r now"}))
			Expect(td.Info.Analysis).To(Equal("LOW risk: routine maintenance."))

			resp, err := client.Resolve(ctx, td.Info.ID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())

			updated, err := sse.WaitForEvent(string(event.TicketUpdated), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			td, err = updated.Ticket()
			Expect(err).NotTo(HaveOccurred())
			Expect(td.Info.Status).To(Equal(types.TicketRejected))
			Expect(td.Info.RejectedAt).NotTo(BeNil())
		})
	})

	Describe("snapshot", func() {
		It("counts connections and decisions", func() {
			before, err := client.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())

			term := operator()
			Expect(term.Type("uptime")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("ran: uptime"))

			dash, err := client.Dashboard(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(dash.Stats.TotalConnections).To(BeNumerically(">", before.TotalConnections))
			Expect(dash.Stats.ActiveConnections).To(BeNumerically(">=", 1))
			Expect(dash.Sessions).NotTo(BeEmpty())
			Expect(dash.Tickets).NotTo(BeNil())
			Expect(dash.Stats.StartTime).NotTo(BeZero())
		})
	})

	Describe("safe list reload", func() {
		It("applies a whitelist edit without a restart", func() {
			Expect(gk.Classifier.IsSafe("df -h")).To(BeFalse())

			data, err := os.ReadFile(gk.ConfigPath)
			Expect(err).NotTo(HaveOccurred())
			var raw map[string]any
			Expect(json.Unmarshal(data, &raw)).To(Succeed())
			raw["whitelist"] = append(append([]string{}, gk.Config.Whitelist...), "df")
			data, err = json.MarshalIndent(raw, "", "  ")
			Expect(err).NotTo(HaveOccurred())
			Expect(os.WriteFile(gk.ConfigPath, data, 0644)).To(Succeed())

			Eventually(func() bool { return gk.Classifier.IsSafe("df -h") }).Should(BeTrue())

			term := operator()
			Expect(term.Type("df -h")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("ran: df -h"))
			Expect(modeOf(testutil.OperatorUser)()).To(Equal(types.ModePassThrough))
		})
	})
})
