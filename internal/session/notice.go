package session

import (
	"fmt"
	"strings"
)

const (
	noticePrefix = "[gatekeeper] "
	colorYellow  = "\x1b[33m"
	colorReset   = "\x1b[0m"
)

// notice formats one client-visible line.
func notice(format string, args ...any) string {
	return colorReset + noticePrefix + fmt.Sprintf(format, args...) + "\r\n"
}

func auditModeNotice(submit string) string {
	return "\r\n" +
		notice("Command requires review. Session is now in BATCH AUDIT mode.") +
		notice("Commands will be queued. Send '%s' to request approval.", submit)
}

func queuedNotice(position int, cmd string) string {
	return fmt.Sprintf("%s[QUEUED]%s #%d %s\r\n", colorYellow, colorReset, position, cmd)
}

func didYouMeanNotice(keyword string) string {
	return notice("Did you mean '%s'? The line above was queued as a command.", keyword)
}

func nothingToSubmitNotice() string {
	return notice("Nothing to submit: the queue is empty.")
}

func submittedNotice(count int) string {
	return notice("Generating audit report for %d queued command(s)...", count)
}

func analysisRunningNotice() string {
	return notice("Audit report in progress. Command NOT queued; re-enter it once the ticket is resolved.")
}

func ticketNotice(id string) string {
	return notice("Ticket %s created. Waiting for an operator decision.", id)
}

func pendingNotice(id string) string {
	return notice("Ticket %s is awaiting a decision. Command NOT queued; re-enter it once the ticket is resolved.", id)
}

func approvedNotice(id string, count int) string {
	return notice("Ticket %s approved. Sending %d command(s).", id, count)
}

func rejectedNotice(id string, count int) string {
	return notice("Ticket %s rejected. %d command(s) discarded.", id, count)
}

func exitNotice() string {
	return "\r\n" + notice("Closing connection.")
}

// analysisLines indents the analyzer text for the terminal.
func analysisLines(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		b.WriteString("  ")
		b.WriteString(strings.TrimRight(line, "\r"))
		b.WriteString("\r\n")
	}
	return b.String()
}
