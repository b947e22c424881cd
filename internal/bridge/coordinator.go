// Package bridge ties hook events, the pending request store, the session
// registry and the operator's chat channel together.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-command/bridged/internal/metrics"
	"github.com/agent-command/bridged/internal/notify"
	"github.com/agent-command/bridged/internal/pending"
	"github.com/agent-command/bridged/internal/sessions"
)

const (
	defaultRetryDelay     = 500 * time.Millisecond
	defaultGatewayTimeout = 15 * time.Second
)

type Options struct {
	// Operator is the only identity whose events are acted on.
	Operator             string
	AnnounceSessionStart bool
	Log                  zerolog.Logger
	Metrics              *metrics.Metrics
	RetryDelay           time.Duration
	GatewayTimeout       time.Duration
}

// Decision is what a permission caller gets back.
type Decision struct {
	RequestID string
	Status    pending.Status
	Reason    string
}

// Health is a point-in-time summary for the health endpoint.
type Health struct {
	Status             string `json:"status"`
	PendingCount       int    `json:"pending_count"`
	ActiveSessionCount int    `json:"active_session_count"`
}

type Coordinator struct {
	store          *pending.Store
	sessions       *sessions.Registry
	gateway        notify.Gateway
	operator       string
	announceStart  atomic.Bool
	log            zerolog.Logger
	metrics        *metrics.Metrics
	retryDelay     time.Duration
	gatewayTimeout time.Duration
}

// New wires the coordinator and installs its expiry hook on store, so it must
// be called before the first request is submitted.
func New(store *pending.Store, registry *sessions.Registry, gateway notify.Gateway, opts Options) *Coordinator {
	c := &Coordinator{
		store:          store,
		sessions:       registry,
		gateway:        gateway,
		operator:       opts.Operator,
		log:            opts.Log.With().Str("component", "bridge").Logger(),
		metrics:        opts.Metrics,
		retryDelay:     opts.RetryDelay,
		gatewayTimeout: opts.GatewayTimeout,
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.retryDelay <= 0 {
		c.retryDelay = defaultRetryDelay
	}
	if c.gatewayTimeout <= 0 {
		c.gatewayTimeout = defaultGatewayTimeout
	}
	c.announceStart.Store(opts.AnnounceSessionStart)
	store.SetExpireHook(c.onExpire)
	return c
}

// SetPermissionTimeout applies to requests submitted afterwards.
func (c *Coordinator) SetPermissionTimeout(d time.Duration) {
	c.store.SetTimeout(d)
}

func (c *Coordinator) SetAnnounceSessionStart(on bool) {
	c.announceStart.Store(on)
}

func (c *Coordinator) Health() Health {
	return Health{
		Status:             "ok",
		PendingCount:       c.store.Count(),
		ActiveSessionCount: c.sessions.Count(),
	}
}

// RequestPermission asks the operator and blocks until a decision, the
// deadline, or ctx ending. A ctx error means the caller went away; the
// request then still times out on its own and its message is updated.
func (c *Coordinator) RequestPermission(ctx context.Context, toolName, payload, sessionID string) (Decision, error) {
	req, err := c.store.Submit(toolName, payload, sessionID)
	if err != nil {
		return Decision{}, err
	}
	c.metrics.PermissionRequested()
	log := c.log.With().Str("request_id", req.ID).Str("tool", req.ToolName).Logger()
	log.Info().Str("payload", notify.Truncate(req.Payload, 50)).Str("session_id", sessionID).Msg("permission requested")

	if ref := c.send(ctx, notify.PermissionPrompt{Request: req}); ref != "" {
		attached, err := c.store.AttachMessage(req.ID, string(ref))
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("attach message")
		case attached.Status.Terminal():
			// Resolved while the prompt was in flight; nobody else saw the ref.
			c.update(ctx, ref, notify.PermissionPrompt{Request: attached})
		}
	}

	status, err := c.store.Await(ctx, req.ID)
	if err != nil {
		log.Warn().Err(err).Msg("permission caller gone before a decision")
		return Decision{}, err
	}

	c.metrics.PermissionResolved(string(status), time.Since(req.CreatedAt))
	log.Info().Str("status", string(status)).Msg("permission resolved")

	d := Decision{RequestID: req.ID, Status: status}
	switch status {
	case pending.StatusDenied:
		d.Reason = "Denied by operator"
	case pending.StatusTimedOut:
		d.Reason = fmt.Sprintf("No operator response within %s", c.store.Timeout())
	}
	return d, nil
}

func (c *Coordinator) onExpire(req pending.Request) {
	c.log.Info().Str("request_id", req.ID).Msg("permission request timed out")
	if req.MessageRef == "" {
		return
	}
	c.update(context.Background(), notify.MessageRef(req.MessageRef), notify.PermissionPrompt{Request: req})
}

// HandleSessionEvent records a session event and tells the operator about
// the transitions worth acting on. It never waits for the operator.
func (c *Coordinator) HandleSessionEvent(ctx context.Context, u sessions.Update) error {
	change, err := c.sessions.Upsert(u)
	if err != nil {
		return err
	}
	c.metrics.SessionEvent(string(u.Status))
	c.log.Debug().
		Str("session_id", u.SessionID).
		Str("status", string(u.Status)).
		Str("previous", string(change.Previous)).
		Msg("session event")

	if !c.shouldNotify(change) {
		return nil
	}
	c.send(ctx, notify.SessionNotice{Session: change.Session})
	return nil
}

func (c *Coordinator) shouldNotify(change sessions.Change) bool {
	switch change.Session.Status {
	case sessions.StatusWaitingForInput:
		return change.Transitioned() || change.MessageChanged
	case sessions.StatusStopping, sessions.StatusEnded:
		return change.Transitioned()
	case sessions.StatusStarting:
		return change.Transitioned() && c.announceStart.Load()
	}
	return false
}

// Run consumes operator events until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	events, err := c.gateway.Listen(ctx)
	if err != nil {
		return fmt.Errorf("listen for operator events: %w", err)
	}
	authorized := notify.Authorize(ctx, events, c.operator, c.log, func(notify.Event) {
		c.metrics.UnauthorizedEvent()
	})
	for ev := range authorized {
		c.handle(ctx, ev)
	}
	return nil
}

func (c *Coordinator) handle(ctx context.Context, ev notify.Event) {
	switch ev.Kind {
	case notify.EventControl:
		c.handleControl(ctx, ev)
	case notify.EventText:
		text := strings.TrimSpace(ev.Text)
		if strings.HasPrefix(text, "/") {
			c.handleCommand(ctx, ev.Operator, text)
			return
		}
		c.handleReply(ctx, ev.Operator, ev.Text)
	}
}

func (c *Coordinator) handleControl(ctx context.Context, ev notify.Event) {
	ctl := ev.Control
	log := c.log.With().Str("action", string(ctl.Action)).Str("target", ctl.Target).Logger()

	if ctl.Action == notify.ActionReply {
		c.selectReply(ctx, ev)
		return
	}

	decision, err := pending.ParseDecision(string(ctl.Action))
	if err != nil {
		log.Warn().Err(err).Msg("unsupported control")
		return
	}
	req, won, err := c.store.Decide(ctl.Target, decision)
	if errors.Is(err, pending.ErrNotFound) {
		log.Info().Msg("control for a request that is no longer pending")
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("apply decision")
		return
	}
	if !won {
		log.Info().Str("status", string(req.Status)).Msg("request already resolved")
		return
	}
	log.Info().Str("status", string(req.Status)).Msg("operator decided")
	// An empty ref means the sender has not attached it yet and will write
	// the summary itself.
	if req.MessageRef != "" {
		c.update(ctx, notify.MessageRef(req.MessageRef), notify.PermissionPrompt{Request: req})
	}
}

func (c *Coordinator) selectReply(ctx context.Context, ev notify.Event) {
	sessionID := ev.Control.Target
	if err := c.sessions.SetReplyMode(ev.Operator, sessionID); err != nil {
		c.log.Info().Err(err).Msg("reply selected for unknown session")
		if ev.Ref != "" {
			c.update(ctx, ev.Ref, notify.Text{Body: "⚠️ Session no longer exists."})
		}
		return
	}
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return
	}
	c.log.Info().Str("session_id", sessionID).Msg("reply mode active")
	if ev.Ref != "" {
		c.update(ctx, ev.Ref, notify.SessionNotice{Session: s, ReplyActive: true})
	} else {
		c.send(ctx, notify.SessionNotice{Session: s, ReplyActive: true})
	}
}

func (c *Coordinator) handleReply(ctx context.Context, operator, text string) {
	s, delivered, err := c.sessions.RouteReply(ctx, operator, text)
	if err != nil {
		c.metrics.Reply(false)
		c.log.Error().Err(err).Str("session_id", s.ID).Msg("reply delivery failed")
		c.send(ctx, notify.Text{Body: fmt.Sprintf("❌ Failed to send to session %s. The terminal may be closed.", notify.ShortID(s.ID))})
		return
	}
	if delivered {
		c.metrics.Reply(true)
		c.sessions.ClearReplyMode(operator)
		c.log.Info().Str("session_id", s.ID).Msg("reply forwarded")
		c.send(ctx, notify.Text{Body: fmt.Sprintf("✅ Sent to session %s\n\n%s", notify.ShortID(s.ID), notify.Truncate(text, 200))})
		return
	}

	if _, holds := c.sessions.ReplyTarget(operator); !holds {
		c.send(ctx, notify.Text{Body: "💡 To send a message to a session, tap Reply on a session notification first."})
		return
	}
	c.sessions.ClearReplyMode(operator)
	if s.ID == "" {
		c.send(ctx, notify.Text{Body: "⚠️ Session no longer exists."})
		return
	}
	c.send(ctx, notify.Text{Body: fmt.Sprintf("⚠️ Session %s does not accept input.", notify.ShortID(s.ID))})
}

// gatewayContext keeps outbound calls alive after the triggering request
// ends, bounded by the gateway timeout.
func (c *Coordinator) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.gatewayTimeout)
}

// retry runs op and, if it fails, once more after the retry delay.
func (c *Coordinator) retry(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	c.log.Debug().Err(err).Msg("gateway call failed, retrying")
	select {
	case <-ctx.Done():
		return err
	case <-time.After(c.retryDelay):
	}
	return op(ctx)
}

func (c *Coordinator) send(ctx context.Context, n notify.Notification) notify.MessageRef {
	ctx, cancel := c.gatewayContext(ctx)
	defer cancel()

	var ref notify.MessageRef
	err := c.retry(ctx, func(ctx context.Context) error {
		var err error
		ref, err = c.gateway.Send(ctx, n)
		return err
	})
	if err != nil {
		c.metrics.NotificationFailed("send")
		c.log.Error().Err(err).Str("kind", string(n.Kind())).Msg("notification not delivered")
		return ""
	}
	return ref
}

func (c *Coordinator) update(ctx context.Context, ref notify.MessageRef, n notify.Notification) {
	ctx, cancel := c.gatewayContext(ctx)
	defer cancel()

	err := c.retry(ctx, func(ctx context.Context) error {
		return c.gateway.Update(ctx, ref, n)
	})
	if err != nil {
		c.metrics.NotificationFailed("update")
		c.log.Error().Err(err).Str("kind", string(n.Kind())).Str("ref", string(ref)).Msg("notification not updated")
	}
}
