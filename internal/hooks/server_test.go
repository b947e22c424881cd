package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/bridged/internal/bridge"
	"github.com/agent-command/bridged/internal/metrics"
	"github.com/agent-command/bridged/internal/notify"
	"github.com/agent-command/bridged/internal/pending"
	"github.com/agent-command/bridged/internal/sessions"
)

type fakeCoordinator struct {
	mu       sync.Mutex
	decision bridge.Decision
	err      error
	asked    []PermissionSubmit
	events   []sessions.Update
}

func (f *fakeCoordinator) RequestPermission(_ context.Context, tool, payload, sessionID string) (bridge.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, PermissionSubmit{ToolName: tool, Payload: payload, SessionID: sessionID})
	return f.decision, f.err
}

func (f *fakeCoordinator) HandleSessionEvent(_ context.Context, u sessions.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, u)
	return nil
}

func (f *fakeCoordinator) Health() bridge.Health {
	return bridge.Health{Status: "ok", PendingCount: 2, ActiveSessionCount: 1}
}

func newTestServer(t *testing.T, coord Coordinator) *httptest.Server {
	t.Helper()
	m := metrics.New()
	srv := httptest.NewServer(NewServer("", coord, m.Handler(), zerolog.New(io.Discard)).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestPermission(t *testing.T) {
	tests := []struct {
		name     string
		decision bridge.Decision
		code     int
		behavior string
		reason   any
	}{
		{
			name:     "allowed",
			decision: bridge.Decision{RequestID: "r1", Status: pending.StatusAllowed},
			code:     http.StatusOK,
			behavior: "allow",
		},
		{
			name:     "allowed for session",
			decision: bridge.Decision{RequestID: "r1", Status: pending.StatusAllowedSession},
			code:     http.StatusOK,
			behavior: "allow",
		},
		{
			name:     "denied",
			decision: bridge.Decision{RequestID: "r1", Status: pending.StatusDenied, Reason: "Denied by operator"},
			code:     http.StatusOK,
			behavior: "deny",
			reason:   "Denied by operator",
		},
		{
			name:     "timed out",
			decision: bridge.Decision{RequestID: "r1", Status: pending.StatusTimedOut, Reason: "No operator response within 5m0s"},
			code:     http.StatusRequestTimeout,
			behavior: "deny",
			reason:   "No operator response within 5m0s",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := &fakeCoordinator{decision: tt.decision}
			srv := newTestServer(t, coord)

			resp, out := post(t, srv.URL+"/permission", `{"tool_name":"Bash","payload":"ls","session_id":"abc"}`)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, "r1", out["request_id"])
			assert.Equal(t, string(tt.decision.Status), out["decision"])
			assert.Equal(t, tt.behavior, out["behavior"])
			assert.Equal(t, tt.reason, out["reason"])

			require.Len(t, coord.asked, 1)
			assert.Equal(t, PermissionSubmit{ToolName: "Bash", Payload: "ls", SessionID: "abc"}, coord.asked[0])
		})
	}
}

func TestPermissionRejectsBadInput(t *testing.T) {
	coord := &fakeCoordinator{}
	srv := newTestServer(t, coord)

	resp, out := post(t, srv.URL+"/permission", `{"payload":"ls"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "tool_name")

	resp, _ = post(t, srv.URL+"/permission", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/permission")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))

	assert.Empty(t, coord.asked)
}

func TestPermissionCoordinatorError(t *testing.T) {
	srv := newTestServer(t, &fakeCoordinator{err: errors.New("tool name is required")})
	resp, _ := post(t, srv.URL+"/permission", `{"tool_name":"Bash"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionEvent(t *testing.T) {
	coord := &fakeCoordinator{}
	srv := newTestServer(t, coord)

	resp, out := post(t, srv.URL+"/session",
		`{"session_id":"abc","status":"waiting_for_input","reply_target":"%3","cwd":"/work","message":"Done. Next?"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])

	require.Len(t, coord.events, 1)
	assert.Equal(t, sessions.Update{
		SessionID:   "abc",
		Status:      sessions.StatusWaitingForInput,
		ReplyTarget: "%3",
		Cwd:         "/work",
		Message:     "Done. Next?",
	}, coord.events[0])
}

func TestSessionEventValidation(t *testing.T) {
	coord := &fakeCoordinator{}
	srv := newTestServer(t, coord)

	for _, body := range []string{
		`{"session_id":"abc","status":"sleeping"}`,
		`{"status":"active"}`,
		`[]`,
	} {
		resp, _ := post(t, srv.URL+"/session", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Empty(t, coord.events)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeCoordinator{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var h bridge.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	resp.Body.Close()
	assert.Equal(t, bridge.Health{Status: "ok", PendingCount: 2, ActiveSessionCount: 1}, h)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "bridged_permission_requests_total")
}

type silentGateway struct{}

func (silentGateway) Send(context.Context, notify.Notification) (notify.MessageRef, error) {
	return "m-1", nil
}
func (silentGateway) Update(context.Context, notify.MessageRef, notify.Notification) error {
	return nil
}
func (silentGateway) Listen(context.Context) (<-chan notify.Event, error) {
	return make(chan notify.Event), nil
}

func TestPermissionTimesOutThroughCoordinator(t *testing.T) {
	store := pending.NewStore(30 * time.Millisecond)
	coord := bridge.New(store, sessions.NewRegistry(nil), silentGateway{}, bridge.Options{
		Operator: "op",
		Log:      zerolog.New(io.Discard),
	})
	srv := newTestServer(t, coord)

	resp, out := post(t, srv.URL+"/permission", `{"tool_name":"Bash","payload":"rm -rf node_modules"}`)
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	assert.Equal(t, "timed_out", out["decision"])
	assert.Equal(t, "deny", out["behavior"])
	assert.NotEmpty(t, out["request_id"])
	assert.Equal(t, 0, store.Count())
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer("", &fakeCoordinator{}, nil, zerolog.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
}
