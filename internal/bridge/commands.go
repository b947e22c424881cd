package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/agent-command/bridged/internal/notify"
	"github.com/agent-command/bridged/internal/sessions"
)

const helpText = `🤖 Agent permission bridge

Permission requests from your agent sessions are forwarded here for approval.

Commands:
/status - Show bridge status
/sessions - Show active sessions
/pending - Show pending permission requests
/cancel - Cancel current reply mode`

// handleCommand answers operator slash commands. Only /cancel changes state.
func (c *Coordinator) handleCommand(ctx context.Context, operator, text string) {
	name, _, _ := strings.Cut(strings.Fields(text)[0], "@")

	var body string
	switch strings.ToLower(name) {
	case "/start", "/help":
		body = helpText
	case "/status":
		body = c.statusText()
	case "/pending":
		body = c.pendingText()
	case "/sessions":
		body = c.sessionsText(operator)
	case "/cancel":
		if _, cleared := c.sessions.ClearReplyMode(operator); cleared {
			body = "✅ Reply mode cancelled."
		} else {
			body = "No active reply mode."
		}
	default:
		body = fmt.Sprintf("Unknown command %s. Send /help for the list.", name)
	}
	c.send(ctx, notify.Text{Body: body})
}

func (c *Coordinator) statusText() string {
	h := c.Health()
	marker := "🟢"
	if h.PendingCount > 0 {
		marker = "🟡"
	}
	return fmt.Sprintf("%s Bridge status\n\nActive sessions: %d\nPending requests: %d\nTimeout: %s",
		marker, h.ActiveSessionCount, h.PendingCount, c.store.Timeout())
}

func (c *Coordinator) pendingText() string {
	reqs := c.store.ListPending()
	if len(reqs) == 0 {
		return "No pending requests."
	}
	var b strings.Builder
	b.WriteString("Pending requests:\n")
	for _, req := range reqs {
		fmt.Fprintf(&b, "\n• %s: %s", req.ToolName, notify.Truncate(req.Payload, 50))
	}
	return b.String()
}

func (c *Coordinator) sessionsText(operator string) string {
	active := c.sessions.ListActive()
	if len(active) == 0 {
		return "No active sessions."
	}
	replyTo, _ := c.sessions.ReplyTarget(operator)

	var b strings.Builder
	b.WriteString("Active sessions:\n")
	for _, s := range active {
		fmt.Fprintf(&b, "\n%s %s", notify.StatusEmoji(s.Status), notify.ShortID(s.ID))
		if s.ID == replyTo {
			b.WriteString(" (reply mode)")
		}
		fmt.Fprintf(&b, "\n   📁 %s", notify.DisplayPath(s.Cwd))
		if s.Status == sessions.StatusWaitingForInput && s.LastMessage != "" {
			fmt.Fprintf(&b, "\n   💬 %s", notify.Truncate(s.LastMessage, 100))
		}
		b.WriteString("\n")
	}
	return b.String()
}
