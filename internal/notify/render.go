package notify

import (
	"os"
	"strings"

	"github.com/agent-command/bridged/internal/pending"
	"github.com/agent-command/bridged/internal/sessions"
)

type Kind string

const (
	KindPermissionPrompt Kind = "permission_prompt"
	KindSessionEvent     Kind = "session_event"
	KindText             Kind = "text"
)

// Rendered is what a gateway actually puts on the wire.
type Rendered struct {
	Text     string
	Controls []Control
}

// Notification is implemented by PermissionPrompt, SessionNotice and Text.
type Notification interface {
	Kind() Kind
	Render() Rendered
	notification()
}

// PermissionPrompt shows a permission request. While the request is pending
// it carries the decision controls; once terminal it renders a summary.
type PermissionPrompt struct {
	Request pending.Request
}

func (PermissionPrompt) Kind() Kind    { return KindPermissionPrompt }
func (PermissionPrompt) notification() {}

func (p PermissionPrompt) Render() Rendered {
	req := p.Request
	if req.Status.Terminal() {
		var b strings.Builder
		b.WriteString(resolutionTitle(req.Status))
		b.WriteString("\n\nTool: ")
		b.WriteString(req.ToolName)
		b.WriteString("\nCommand: ")
		b.WriteString(Truncate(req.Payload, 100))
		return Rendered{Text: b.String()}
	}

	var b strings.Builder
	b.WriteString("🔐 Permission request\n\nTool: ")
	b.WriteString(req.ToolName)
	b.WriteString("\nCommand:\n")
	b.WriteString(Truncate(req.Payload, 500))
	if req.SessionID != "" {
		b.WriteString("\nSession: ")
		b.WriteString(ShortID(req.SessionID))
	}
	return Rendered{
		Text: b.String(),
		Controls: []Control{
			{Label: "✅ Allow", Action: ActionAllow, Target: req.ID},
			{Label: "❌ Deny", Action: ActionDeny, Target: req.ID},
			{Label: "✅ Allow all session", Action: ActionAllowSession, Target: req.ID},
		},
	}
}

func resolutionTitle(status pending.Status) string {
	switch status {
	case pending.StatusAllowed:
		return "✅ Allowed"
	case pending.StatusAllowedSession:
		return "✅ Allowed (all session)"
	case pending.StatusDenied:
		return "❌ Denied"
	case pending.StatusTimedOut:
		return "⏰ Timed out"
	}
	return string(status)
}

// SessionNotice reports a session status change. ReplyActive switches to the
// confirmation shown once the operator picked the session as reply target.
type SessionNotice struct {
	Session     sessions.Session
	ReplyActive bool
}

func (SessionNotice) Kind() Kind    { return KindSessionEvent }
func (SessionNotice) notification() {}

func (n SessionNotice) Render() Rendered {
	s := n.Session
	cwd := "📁 " + DisplayPath(s.Cwd)

	if n.ReplyActive {
		return Rendered{Text: "📝 Reply mode active\n\n" + cwd +
			"\n\nType your message and it will be sent to this session.\nUse /cancel to exit reply mode."}
	}

	var text string
	switch s.Status {
	case sessions.StatusStarting:
		text = "🆕 New session\n\n" + cwd + "\n🔑 " + ShortID(s.ID)
	case sessions.StatusWaitingForInput:
		msg := s.LastMessage
		if msg == "" {
			msg = "No message"
		}
		text = "💬 Session waiting for input\n\n" + cwd + "\n\nAgent:\n" + Truncate(msg, 500)
	case sessions.StatusStopping:
		text = "⏹ Session stopping\n\n" + cwd
	case sessions.StatusEnded:
		text = "✅ Session ended\n\n" + cwd
	default:
		text = StatusEmoji(s.Status) + " Session " + string(s.Status) + "\n\n" + cwd
	}

	r := Rendered{Text: text}
	if s.CanReply() && s.Status != sessions.StatusStopping {
		r.Controls = []Control{{Label: "📝 Reply", Action: ActionReply, Target: s.ID}}
	}
	return r
}

// Text is a plain message: acknowledgments and command output.
type Text struct {
	Body string
}

func (Text) Kind() Kind         { return KindText }
func (Text) notification()      {}
func (t Text) Render() Rendered { return Rendered{Text: t.Body} }

// StatusEmoji is the marker used for a session status in listings.
func StatusEmoji(status sessions.Status) string {
	switch status {
	case sessions.StatusStarting:
		return "🆕"
	case sessions.StatusActive:
		return "⚙️"
	case sessions.StatusWaitingForInput:
		return "💬"
	case sessions.StatusStopping:
		return "⏹"
	case sessions.StatusEnded:
		return "✅"
	}
	return "❓"
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// ShortID returns the first eight characters of an id.
func ShortID(id string) string {
	return Truncate(id, 8)
}

// DisplayPath abbreviates the home directory to ~.
func DisplayPath(path string) string {
	if path == "" {
		return "unknown"
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" && home != "/" && strings.HasPrefix(path, home) {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}
