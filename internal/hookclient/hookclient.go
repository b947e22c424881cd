// Package hookclient implements the agent-side hook commands. They read the
// agent's hook JSON from stdin, talk to the daemon's hook API and never make
// the agent fail because the bridge is down.
package hookclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-command/bridged/internal/hooks"
	"github.com/agent-command/bridged/internal/proc"
	"github.com/agent-command/bridged/internal/sessions"
)

const (
	// SessionTimeout bounds a session event post; the agent is blocked
	// while the hook runs.
	SessionTimeout = 5 * time.Second
	// PermissionGrace is added to the bridge timeout so the daemon answers
	// before the helper gives up.
	PermissionGrace = 10 * time.Second

	payloadLimit = 500
)

// HookInput is the subset of the agent's hook JSON the helpers read.
type HookInput struct {
	SessionID        string          `json:"session_id"`
	HookEventName    string          `json:"hook_event_name"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	Cwd              string          `json:"cwd"`
	Message          string          `json:"message"`
	NotificationType string          `json:"notification_type"`
}

// HookOutput is the decision document printed back to the agent.
type HookOutput struct {
	HookSpecificOutput HookSpecificOutput `json:"hookSpecificOutput"`
}

type HookSpecificOutput struct {
	HookEventName string       `json:"hookEventName"`
	Decision      HookDecision `json:"decision"`
}

type HookDecision struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

func allowOutput() HookOutput {
	return HookOutput{HookSpecificOutput{
		HookEventName: "PermissionRequest",
		Decision:      HookDecision{Behavior: "allow"},
	}}
}

func denyOutput(reason string) HookOutput {
	return HookOutput{HookSpecificOutput{
		HookEventName: "PermissionRequest",
		Decision:      HookDecision{Behavior: "deny", Message: reason},
	}}
}

type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger

	getenv func(string) string
	ppid   int
	proc   *proc.Reader
}

// New returns a client for the daemon listening on addr (host:port or a
// full URL).
func New(addr string, log zerolog.Logger) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{},
		log:     log,
		getenv:  os.Getenv,
		ppid:    os.Getppid(),
		proc:    proc.NewReader(),
	}
}

// PermissionPayload renders the tool input the way the operator sees it.
func PermissionPayload(tool string, input json.RawMessage) string {
	var fields map[string]any
	_ = json.Unmarshal(input, &fields)
	str := func(key string) string {
		if v, ok := fields[key].(string); ok {
			return v
		}
		return ""
	}

	switch tool {
	case "Bash":
		if cmd := str("command"); cmd != "" {
			return cmd
		}
		return string(input)
	case "Write":
		return "Write to: " + orUnknown(str("file_path"))
	case "Edit":
		return "Edit: " + orUnknown(str("file_path"))
	}

	var b bytes.Buffer
	if err := json.Indent(&b, input, "", "  "); err != nil {
		b.Reset()
		b.Write(input)
	}
	out := []rune(b.String())
	if len(out) > payloadLimit {
		out = out[:payloadLimit]
	}
	return string(out)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Permission forwards a permission hook and prints the decision. It prints
// nothing when the bridge cannot be used, which hands the decision back to
// the agent's own prompt.
func (c *Client) Permission(ctx context.Context, stdin io.Reader, stdout io.Writer, timeout time.Duration) error {
	var in HookInput
	if err := json.NewDecoder(stdin).Decode(&in); err != nil {
		return writeOutput(stdout, denyOutput("Failed to parse hook input"))
	}
	tool := in.ToolName
	if tool == "" {
		tool = "unknown"
	}

	body := hooks.PermissionSubmit{
		ToolName:  tool,
		Payload:   PermissionPayload(tool, in.ToolInput),
		SessionID: in.SessionID,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+PermissionGrace)
	defer cancel()

	var resp hooks.PermissionResponse
	code, err := c.post(ctx, "/permission", body, &resp)
	switch {
	case isTimeout(err):
		return writeOutput(stdout, denyOutput("Operator approval timeout"))
	case err != nil:
		c.log.Debug().Err(err).Msg("bridge unavailable")
		return nil
	case code != http.StatusOK && code != http.StatusRequestTimeout:
		c.log.Debug().Int("status", code).Msg("bridge refused permission request")
		return nil
	}

	if resp.Behavior == "allow" {
		return writeOutput(stdout, allowOutput())
	}
	reason := resp.Reason
	if reason == "" {
		reason = "Denied by operator"
	}
	return writeOutput(stdout, denyOutput(reason))
}

// SessionStatus maps an agent hook event to the session status it reports.
// False means the event is not forwarded.
func SessionStatus(in HookInput) (sessions.Status, bool) {
	switch in.HookEventName {
	case "SessionStart":
		return sessions.StatusStarting, true
	case "UserPromptSubmit", "PreToolUse", "PostToolUse":
		return sessions.StatusActive, true
	case "Notification":
		if in.NotificationType == "idle_prompt" {
			return sessions.StatusWaitingForInput, true
		}
	case "Stop":
		return sessions.StatusWaitingForInput, true
	case "SessionEnd":
		return sessions.StatusEnded, true
	}
	return "", false
}

// Session forwards a session hook. Failures are logged and swallowed.
func (c *Client) Session(ctx context.Context, stdin io.Reader) error {
	var in HookInput
	if err := json.NewDecoder(stdin).Decode(&in); err != nil {
		c.log.Debug().Err(err).Msg("unreadable hook input")
		return nil
	}
	status, ok := SessionStatus(in)
	if !ok {
		return nil
	}
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = "unknown"
	}

	body := hooks.SessionEventSubmit{
		SessionID:   sessionID,
		Status:      string(status),
		ReplyTarget: c.replyTarget(),
		Cwd:         in.Cwd,
		Message:     in.Message,
	}

	ctx, cancel := context.WithTimeout(ctx, SessionTimeout)
	defer cancel()
	if code, err := c.post(ctx, "/session", body, nil); err != nil || code != http.StatusOK {
		c.log.Debug().Err(err).Int("status", code).Msg("session event not delivered")
	}
	return nil
}

// replyTarget prefers the tmux pane the hook runs in and falls back to the
// agent's terminal device.
func (c *Client) replyTarget() string {
	if pane := c.getenv("TMUX_PANE"); pane != "" {
		return pane
	}
	tty, err := c.proc.ControllingTTY(c.ppid)
	if err != nil {
		c.log.Debug().Err(err).Msg("no controlling terminal")
		return ""
	}
	return tty
}

// Health queries the daemon's health endpoint.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned %s", resp.Status)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusRequestTimeout) {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func writeOutput(w io.Writer, out HookOutput) error {
	return json.NewEncoder(w).Encode(out)
}
