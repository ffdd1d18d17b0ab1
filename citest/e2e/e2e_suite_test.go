package e2e_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/gatekeeper/citest/testutil"
)

var (
	gk     *testutil.Gatekeeper
	client *testutil.APIClient
	ctx    context.Context
)

func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "E2E Suite")
}

var _ = BeforeSuite(func() {
	var err error
	gk, err = testutil.StartGatekeeper()
	Expect(err).NotTo(HaveOccurred(), "Failed to start gatekeeper")

	client = gk.Client()
	ctx = context.Background()

	SetDefaultEventuallyTimeout(10 * time.Second)
	SetDefaultEventuallyPollingInterval(20 * time.Millisecond)
})

var _ = AfterSuite(func() {
	if gk != nil {
		gk.Stop()
	}
})

var _ = AfterEach(func() {
	Expect(gk.Faults()).NotTo(Receive(), "proxy reported a fatal fault")
	gk.Destination.Reset()
	gk.Analyzer.Reset()
})

// operator opens a password session as the human operator.
func operator() *testutil.Terminal {
	GinkgoHelper()
	term, err := testutil.DialPassword(gk.SSHAddr, testutil.OperatorUser, testutil.OperatorPassword)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(term.Close)
	Eventually(term.Output).Should(ContainSubstring(testutil.Prompt))
	return term
}

// agent opens a key-authenticated session as the automation account.
func agent() *testutil.Terminal {
	GinkgoHelper()
	term, err := testutil.DialKey(gk.SSHAddr, testutil.AgentUser, gk.AgentKey)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(term.Close)
	Eventually(term.Output).Should(ContainSubstring(testutil.Prompt))
	return term
}

// pendingWith returns the id of the pending ticket holding cmd.
func pendingWith(cmd string) func() string {
	return func() string {
		tickets, err := client.Tickets(ctx)
		if err != nil {
			return ""
		}
		for _, t := range tickets {
			for _, c := range t.Commands {
				if c == cmd {
					return t.ID
				}
			}
		}
		return ""
	}
}
