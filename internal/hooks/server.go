// Package hooks serves the local HTTP API the agent's hook scripts call.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-command/bridged/internal/bridge"
	"github.com/agent-command/bridged/internal/pending"
	"github.com/agent-command/bridged/internal/sessions"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Coordinator is the part of the bridge the API drives.
type Coordinator interface {
	RequestPermission(ctx context.Context, toolName, payload, sessionID string) (bridge.Decision, error)
	HandleSessionEvent(ctx context.Context, u sessions.Update) error
	Health() bridge.Health
}

// PermissionSubmit is the body of POST /permission.
type PermissionSubmit struct {
	ToolName  string `json:"tool_name"`
	Payload   string `json:"payload"`
	SessionID string `json:"session_id,omitempty"`
}

func (p PermissionSubmit) Validate() error {
	if p.ToolName == "" {
		return errors.New("tool_name is required")
	}
	return nil
}

// PermissionResponse is what a held permission call returns.
type PermissionResponse struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	Behavior  string `json:"behavior"`
	Reason    string `json:"reason,omitempty"`
}

// SessionEventSubmit is the body of POST /session.
type SessionEventSubmit struct {
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	ReplyTarget string `json:"reply_target,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Update validates the submission and converts it for the registry.
func (s SessionEventSubmit) Update() (sessions.Update, error) {
	if s.SessionID == "" {
		return sessions.Update{}, errors.New("session_id is required")
	}
	status, err := sessions.ParseStatus(s.Status)
	if err != nil {
		return sessions.Update{}, err
	}
	return sessions.Update{
		SessionID:   s.SessionID,
		Status:      status,
		ReplyTarget: s.ReplyTarget,
		Cwd:         s.Cwd,
		Message:     s.Message,
	}, nil
}

type Server struct {
	addr    string
	coord   Coordinator
	metrics http.Handler
	log     zerolog.Logger
}

// NewServer builds the API. metrics may be nil, in which case /metrics is
// not served.
func NewServer(addr string, coord Coordinator, metrics http.Handler, log zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		coord:   coord,
		metrics: metrics,
		log:     log.With().Str("component", "hooks").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/permission", s.handlePermission)
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the API on ln until ctx ends, then drains in-flight requests
// for a bounded time. Held permission calls are cut off by the shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("hook API listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve hook API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("hook API shutdown")
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var in PermissionSubmit
	if err := decode(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := s.coord.RequestPermission(r.Context(), in.ToolName, in.Payload, in.SessionID)
	if err != nil {
		if r.Context().Err() != nil {
			s.log.Info().Str("tool", in.ToolName).Msg("permission caller disconnected")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	code := http.StatusOK
	if d.Status == pending.StatusTimedOut {
		code = http.StatusRequestTimeout
	}
	writeJSON(w, code, PermissionResponse{
		RequestID: d.RequestID,
		Decision:  string(d.Status),
		Behavior:  d.Status.Behavior(),
		Reason:    d.Reason,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var in SessionEventSubmit
	if err := decode(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := in.Update()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.HandleSessionEvent(r.Context(), u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Health())
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
