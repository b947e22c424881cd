package notify

import (
	"context"
	"io"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/bridged/internal/pending"
	"github.com/agent-command/bridged/internal/sessions"
)

func TestControlRoundTrip(t *testing.T) {
	tests := []struct {
		data   string
		action Action
		target string
	}{
		{"allow:req-1", ActionAllow, "req-1"},
		{"deny:req-1", ActionDeny, "req-1"},
		{"allow_session:req-1", ActionAllowSession, "req-1"},
		{"reply:abc:with:colons", ActionReply, "abc:with:colons"},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			c, err := ParseControl(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.action, c.Action)
			assert.Equal(t, tt.target, c.Target)
			assert.Equal(t, tt.data, c.Data())
		})
	}
}

func TestParseControlRejectsGarbage(t *testing.T) {
	for _, data := range []string{"", "allow", "allow:", "approve:req-1"} {
		_, err := ParseControl(data)
		assert.Error(t, err, data)
	}
}

func TestPermissionPromptPending(t *testing.T) {
	r := PermissionPrompt{Request: pending.Request{
		ID:        "req-1",
		ToolName:  "Bash",
		Payload:   "rm -rf node_modules",
		SessionID: "0123456789abcdef",
		Status:    pending.StatusPending,
	}}.Render()

	assert.Contains(t, r.Text, "Tool: Bash")
	assert.Contains(t, r.Text, "rm -rf node_modules")
	assert.Contains(t, r.Text, "Session: 01234567...")
	require.Len(t, r.Controls, 3)
	assert.Equal(t, "allow:req-1", r.Controls[0].Data())
	assert.Equal(t, "deny:req-1", r.Controls[1].Data())
	assert.Equal(t, "allow_session:req-1", r.Controls[2].Data())
}

func TestPermissionPromptSummaries(t *testing.T) {
	tests := map[pending.Status]string{
		pending.StatusAllowed:        "Allowed",
		pending.StatusAllowedSession: "Allowed (all session)",
		pending.StatusDenied:         "Denied",
		pending.StatusTimedOut:       "Timed out",
	}
	for status, title := range tests {
		r := PermissionPrompt{Request: pending.Request{ID: "req-1", ToolName: "Bash", Payload: "make", Status: status}}.Render()
		assert.Contains(t, r.Text, title, status)
		assert.Empty(t, r.Controls, "resolved prompts must not keep controls")
	}
}

func TestSessionNoticeReplyControl(t *testing.T) {
	waiting := sessions.Session{ID: "abc", Status: sessions.StatusWaitingForInput, ReplyTarget: "%3", LastMessage: "Done."}

	r := SessionNotice{Session: waiting}.Render()
	assert.Contains(t, r.Text, "waiting for input")
	assert.Contains(t, r.Text, "Done.")
	require.Len(t, r.Controls, 1)
	assert.Equal(t, "reply:abc", r.Controls[0].Data())

	noTarget := waiting
	noTarget.ReplyTarget = ""
	assert.Empty(t, SessionNotice{Session: noTarget}.Render().Controls)

	ended := waiting
	ended.Status = sessions.StatusEnded
	r = SessionNotice{Session: ended}.Render()
	assert.Contains(t, r.Text, "Session ended")
	assert.Empty(t, r.Controls)

	stopping := waiting
	stopping.Status = sessions.StatusStopping
	r = SessionNotice{Session: stopping}.Render()
	assert.Contains(t, r.Text, "Session stopping")
	assert.Empty(t, r.Controls)

	r = SessionNotice{Session: waiting, ReplyActive: true}.Render()
	assert.Contains(t, r.Text, "Reply mode active")
	assert.Empty(t, r.Controls)
}

func TestKinds(t *testing.T) {
	assert.Equal(t, KindPermissionPrompt, PermissionPrompt{}.Kind())
	assert.Equal(t, KindSessionEvent, SessionNotice{}.Kind())
	assert.Equal(t, KindText, Text{}.Kind())
	assert.Equal(t, "hello", Text{Body: "hello"}.Render().Text)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc...", Truncate("abcdef", 3))
	assert.Equal(t, "日本...", Truncate("日本語です", 2))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", ShortID("abc"))
	assert.Equal(t, "6f1c2d3e...", ShortID("6f1c2d3e-aaaa-bbbb"))
	got := ShortID("ééééééééé")
	assert.Equal(t, "éééééééé...", got)
	assert.True(t, utf8.ValidString(got))
}

func TestAuthorizeDropsOtherOperators(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Event, 3)
	var rejected []Event
	out := Authorize(ctx, in, "42", zerolog.New(io.Discard), func(ev Event) { rejected = append(rejected, ev) })

	in <- Event{Kind: EventText, Operator: "99", Text: "hi"}
	in <- Event{Kind: EventControl, Operator: "42", Control: Control{Action: ActionDeny, Target: "req-1"}}
	close(in)

	var got []Event
	for ev := range out {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "42", got[0].Operator)
	require.Len(t, rejected, 1)
	assert.Equal(t, "99", rejected[0].Operator)
}

func TestAuthorizeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan Event)
	out := Authorize(ctx, in, "42", zerolog.New(io.Discard), nil)
	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Authorize did not stop after cancel")
	}
}
