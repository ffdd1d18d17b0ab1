package e2e_test

import (
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/gatekeeper/citest/testutil"
	"github.com/opencode-ai/gatekeeper/internal/server"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// latestSession returns the newest live session of user.
func latestSession(user string) func() *types.SessionInfo {
	return func() *types.SessionInfo {
		sessions, err := client.Sessions(ctx)
		if err != nil {
			return nil
		}
		var latest *types.SessionInfo
		for i := range sessions {
			s := &sessions[i]
			if s.Username == user && (latest == nil || s.StartTime.After(latest.StartTime)) {
				latest = s
			}
		}
		return latest
	}
}

func modeOf(user string) func() types.Mode {
	return func() types.Mode {
		if s := latestSession(user)(); s != nil {
			return s.Mode
		}
		return ""
	}
}

var _ = Describe("Session governance", func() {
	Describe("pass-through", func() {
		It("forwards safe commands and relays the destination output", func() {
			term := operator()

			Expect(term.Type("ls -la /srv")).To(Succeed())
			Eventually(func() bool { return gk.Destination.Ran("ls -la /srv") }).Should(BeTrue())
			Eventually(term.Output).Should(ContainSubstring("ran: ls -la /srv"))

			Expect(term.Type("whoami")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("ran: whoami"))

			s := latestSession(testutil.OperatorUser)()
			Expect(s).NotTo(BeNil())
			Expect(s.Mode).To(Equal(types.ModePassThrough))
			Expect(s.IsNHI).To(BeFalse())
			Expect(s.Status).To(Equal(types.SessionActive))
			Expect(s.Address).To(Equal("127.0.0.1"))
		})

		It("forwards control input untouched", func() {
			term := operator()

			Expect(term.Send([]byte{0x03})).To(Succeed())
			Eventually(gk.Destination.Raw).Should(ContainSubstring("\x03"))
			Expect(modeOf(testutil.OperatorUser)()).To(Equal(types.ModePassThrough))
		})

		It("reports an empty queue on submit", func() {
			term := operator()

			Expect(term.Type("SUBMIT")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("Nothing to submit: the queue is empty."))
			Expect(gk.Destination.Lines()).To(BeEmpty())
		})
	})

	Describe("batch audit approved over the API", func() {
		It("queues, analyzes and replays the batch in order", func() {
			term := operator()

			Expect(term.Type("cat /etc/hostname")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("ran: cat /etc/hostname"))

			Expect(term.Type("rm -rf /tmp/e2e-cache")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("BATCH AUDIT mode"))
			Eventually(term.Output).Should(ContainSubstring("[QUEUED] #1 rm -rf /tmp/e2e-cache"))
			Eventually(modeOf(testutil.OperatorUser)).Should(Equal(types.ModeBatchAudit))

			Expect(term.Type("chmod 600 /etc/app.conf")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("[QUEUED] #2 chmod 600 /etc/app.conf"))

			// Safe commands are held too once the session is in batch mode.
			Expect(term.Type("ls /tmp")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("[QUEUED] #3 ls /tmp"))

			Consistently(func() bool { return gk.Destination.Ran("rm -rf /tmp/e2e-cache") }, "200ms").Should(BeFalse())

			Expect(term.Type("SUBMIT")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("Generating audit report for 3 queued command(s)"))

			id := ""
			Eventually(func() string { id = pendingWith("rm -rf /tmp/e2e-cache")(); return id }).ShouldNot(BeEmpty())
			Eventually(term.Output).Should(ContainSubstring("Ticket " + id + " created"))
			Expect(term.Output()).To(ContainSubstring("HIGH risk: destructive filesystem operation."))

			t, err := client.Ticket(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Username).To(Equal(testutil.OperatorUser))
			Expect(t.Commands).To(Equal([]string{"rm -rf /tmp/e2e-cache", "chmod 600 /etc/app.conf", "ls /tmp"}))
			Expect(t.History).To(ContainElement("cat /etc/hostname"))
			Expect(t.Status).To(Equal(types.TicketPending))

			reqs := gk.Analyzer.Requests()
			Expect(reqs).To(HaveLen(1))
			Expect(reqs[0].Model).To(Equal("risk-test"))
			Expect(reqs[0].Prompt).To(ContainSubstring("1. rm -rf /tmp/e2e-cache"))
			Expect(reqs[0].Prompt).To(ContainSubstring("User: " + testutil.OperatorUser))

			resp, err := client.Resolve(ctx, id, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var result server.ResolveResponse
			Expect(resp.JSON(&result)).To(Succeed())
			Expect(result.Success).To(BeTrue())
			Expect(result.Status).To(Equal(types.TicketApproved))

			Eventually(term.Output).Should(ContainSubstring("Ticket " + id + " approved. Sending 3 command(s)."))
			Eventually(gk.Destination.Lines).Should(Equal([]string{
				"cat /etc/hostname", "rm -rf /tmp/e2e-cache", "chmod 600 /etc/app.conf", "ls /tmp",
			}))
			Eventually(modeOf(testutil.OperatorUser)).Should(Equal(types.ModePassThrough))

			By("refusing a second decision")
			resp, err = client.Resolve(ctx, id, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(resp.Error().Error.Code).To(Equal(server.ErrCodeNotFound))

			t, err = client.Ticket(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Status).To(Equal(types.TicketApproved))
			Expect(t.ApprovedAt).NotTo(BeNil())
		})

		It("refuses new commands while a ticket is pending", func() {
			term := operator()

			Expect(term.Type("mkfs.ext4 /dev/sdz")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("[QUEUED] #1 mkfs.ext4 /dev/sdz"))
			Expect(term.Type("SUBMIT")).To(Succeed())

			id := ""
			Eventually(func() string { id = pendingWith("mkfs.ext4 /dev/sdz")(); return id }).ShouldNot(BeEmpty())

			Expect(term.Type("uptime")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("Ticket " + id + " is awaiting a decision. Command NOT queued; re-enter it once the ticket is resolved."))
			Consistently(func() bool { return gk.Destination.Ran("uptime") }, "200ms").Should(BeFalse())

			resp, err := client.Resolve(ctx, id, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())
			Eventually(term.Output).Should(ContainSubstring("rejected. 1 command(s) discarded."))

			Expect(term.Type("uptime")).To(Succeed())
			Eventually(func() bool { return gk.Destination.Ran("uptime") }).Should(BeTrue())
			Expect(gk.Destination.Ran("mkfs.ext4 /dev/sdz")).To(BeFalse())
		})

		It("hints at a misspelled submit keyword", func() {
			term := operator()

			Expect(term.Type("dd if=/dev/zero of=/tmp/blob")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("[QUEUED] #1 dd if=/dev/zero of=/tmp/blob"))
			Expect(term.Type("SUBMTI")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("[QUEUED] #2 SUBMTI"))
			Eventually(term.Output).Should(ContainSubstring("Did you mean 'SUBMIT'?"))

			Expect(term.Type("exit")).To(Succeed())
			Eventually(term.Done()).Should(Receive())
		})
	})

	Describe("non-human identities", func() {
		It("flags the session and lets an operator reject over the websocket", func() {
			ws, err := client.DialWS(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer ws.Close()

			snap, err := ws.WaitFor(server.WSDashboardInit, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Data).NotTo(BeEmpty())

			term := agent()
			Eventually(func() bool {
				s := latestSession(testutil.AgentUser)()
				return s != nil && s.IsNHI
			}).Should(BeTrue())

			Expect(term.Type("sudo systemctl restart nginx")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("[QUEUED] #1 sudo systemctl restart nginx"))
			Expect(term.Type("SUBMIT")).To(Succeed())

			id := ""
			Eventually(func() string { id = pendingWith("sudo systemctl restart nginx")(); return id }).ShouldNot(BeEmpty())

			t, err := client.Ticket(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.IsNHI).To(BeTrue())
			Expect(t.Analysis).To(Equal("MEDIUM risk: privilege or permission change."))

			Eventually(func() bool {
				msg, err := ws.WaitFor(server.WSEvent, 5*time.Second)
				return err == nil && strings.Contains(string(msg.Data), id) && strings.Contains(string(msg.Data), "ticket.created")
			}).Should(BeTrue())

			rejected := false
			Expect(ws.Send(server.WSMessage{Type: server.WSTicketApprove, TicketID: id, Approved: &rejected})).To(Succeed())
			res, err := ws.WaitFor(server.WSTicketResult, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.TicketID).To(Equal(id))
			Expect(res.OK).NotTo(BeNil())
			Expect(*res.OK).To(BeTrue())

			Eventually(term.Output).Should(ContainSubstring("Ticket " + id + " rejected. 1 command(s) discarded."))
			Expect(gk.Destination.Ran("sudo systemctl restart nginx")).To(BeFalse())

			By("answering a repeated decision with an error")
			Expect(ws.Send(server.WSMessage{Type: server.WSTicketApprove, TicketID: id, Approved: &rejected})).To(Succeed())
			res, err = ws.WaitFor(server.WSTicketResult, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(*res.OK).To(BeFalse())
			Expect(res.Error).NotTo(BeEmpty())
		})
	})

	Describe("analyzer failures", func() {
		It("still raises a ticket carrying the failure notice", func() {
			term := operator()

			Expect(term.Type("simulate-outage --now")).To(Succeed())
			Eventually(term.Output).Should(ContainSubstring("[QUEUED] #1 simulate-outage --now"))
			Expect(term.Type("SUBMIT")).To(Succeed())

			id := ""
			Eventually(func() string { id = pendingWith("simulate-outage --now")(); return id }).ShouldNot(BeEmpty())
			t, err := client.Ticket(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Analysis).To(HavePrefix("[ERROR] analyzer failure:"))
			Expect(t.Analysis).To(ContainSubstring("503"))
			Eventually(term.Output).Should(ContainSubstring("Review the blocked commands manually."))

			resp, err := client.Resolve(ctx, id, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())
		})
	})

	Describe("authentication", func() {
		It("rejects a wrong password", func() {
			_, err := testutil.DialPassword(gk.SSHAddr, testutil.OperatorUser, "wrong")
			Expect(err).To(HaveOccurred())
		})

		It("rejects an unknown user", func() {
			_, err := testutil.DialPassword(gk.SSHAddr, "mallory", testutil.OperatorPassword)
			Expect(err).To(HaveOccurred())
		})

		It("rejects a password for a key-only user", func() {
			_, err := testutil.DialPassword(gk.SSHAddr, testutil.AgentUser, "anything")
			Expect(err).To(HaveOccurred())
		})
	})
})
