package pending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("permission request not found")

type Status string

const (
	StatusPending        Status = "pending"
	StatusAllowed        Status = "allowed"
	StatusDenied         Status = "denied"
	StatusAllowedSession Status = "allowed_session"
	StatusTimedOut       Status = "timed_out"
)

// Terminal reports whether s is a final resolution.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// Behavior maps a resolution to the allow/deny answer the agent understands.
// allowed_session behaves exactly like allowed; no session allowlist is kept.
func (s Status) Behavior() string {
	switch s {
	case StatusAllowed, StatusAllowedSession:
		return "allow"
	default:
		return "deny"
	}
}

// Decision is an operator choice for a pending request.
type Decision string

const (
	DecisionAllow        Decision = "allow"
	DecisionDeny         Decision = "deny"
	DecisionAllowSession Decision = "allow_session"
)

func (d Decision) status() (Status, bool) {
	switch d {
	case DecisionAllow:
		return StatusAllowed, true
	case DecisionDeny:
		return StatusDenied, true
	case DecisionAllowSession:
		return StatusAllowedSession, true
	}
	return "", false
}

// ParseDecision accepts the wire form of a decision.
func ParseDecision(value string) (Decision, error) {
	d := Decision(value)
	if _, ok := d.status(); !ok {
		return "", fmt.Errorf("unknown decision %q", value)
	}
	return d, nil
}

// Request is a point-in-time copy of a stored permission request.
type Request struct {
	ID         string
	ToolName   string
	Payload    string
	SessionID  string
	Status     Status
	CreatedAt  time.Time
	Deadline   time.Time
	ResolvedAt time.Time
	MessageRef string
}

type entry struct {
	mu    sync.Mutex
	req   Request
	done  chan struct{}
	timer *time.Timer
}

func (e *entry) snapshot() Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req
}

// finish performs the single pending -> terminal transition. Only the first
// caller wins; later callers observe the recorded status and change nothing.
// The returned copy is taken inside the same critical section.
func (e *entry) finish(status Status, at time.Time) (Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.Status.Terminal() {
		return e.req, false
	}
	e.req.Status = status
	e.req.ResolvedAt = at
	if e.timer != nil {
		e.timer.Stop()
	}
	close(e.done)
	return e.req, true
}

// ExpireFunc is called once for every request whose deadline won the race.
// req.MessageRef is empty when the prompt had not been attached yet; in that
// case AttachMessage will report the terminal status to the sender instead.
type ExpireFunc func(req Request)

type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the uuid based id source.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// OnExpire registers the expiry hook.
func OnExpire(fn ExpireFunc) Option {
	return func(s *Store) { s.onExpire = fn }
}

// Store holds in-flight permission requests. Membership is guarded by one
// RWMutex; status transitions are serialized per entry.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*entry

	timeout  atomic.Int64
	now      func() time.Time
	newID    func() string
	onExpire ExpireFunc
}

func NewStore(timeout time.Duration, opts ...Option) *Store {
	s := &Store{
		requests: make(map[string]*entry),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	s.timeout.Store(int64(timeout))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTimeout changes the deadline used for requests submitted from now on.
func (s *Store) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout.Store(int64(d))
	}
}

func (s *Store) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// SetExpireHook installs the expiry hook after construction. It must be
// called before the first Submit.
func (s *Store) SetExpireHook(fn ExpireFunc) {
	s.onExpire = fn
}

// Submit creates a pending request and arms its deadline timer.
func (s *Store) Submit(toolName, payload, sessionID string) (Request, error) {
	if toolName == "" {
		return Request{}, fmt.Errorf("tool name is required")
	}

	timeout := s.Timeout()
	created := s.now()
	e := &entry{
		req: Request{
			ID:        s.newID(),
			ToolName:  toolName,
			Payload:   payload,
			SessionID: sessionID,
			Status:    StatusPending,
			CreatedAt: created,
			Deadline:  created.Add(timeout),
		},
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.requests[e.req.ID]; exists {
		s.mu.Unlock()
		return Request{}, fmt.Errorf("duplicate request id %s", e.req.ID)
	}
	s.requests[e.req.ID] = e
	s.mu.Unlock()

	e.mu.Lock()
	e.timer = time.AfterFunc(timeout, func() { s.expire(e) })
	snap := e.req
	e.mu.Unlock()

	return snap, nil
}

func (s *Store) expire(e *entry) {
	req, won := e.finish(StatusTimedOut, s.now())
	if !won {
		return
	}
	if s.onExpire != nil {
		s.onExpire(req)
	}
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.requests[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Resolve records the operator decision. It returns true only when this call
// performed the terminal transition; a request that is already resolved or
// timed out yields false and no error.
func (s *Store) Resolve(id string, decision Decision) (bool, error) {
	_, won, err := s.Decide(id, decision)
	return won, err
}

// Decide is Resolve that also returns the request as recorded by the store
// right after the transition attempt. When won is false the copy carries the
// status that was already in place.
func (s *Store) Decide(id string, decision Decision) (Request, bool, error) {
	status, ok := decision.status()
	if !ok {
		return Request{}, false, fmt.Errorf("unknown decision %q", decision)
	}
	e, err := s.lookup(id)
	if err != nil {
		return Request{}, false, err
	}
	req, won := e.finish(status, s.now())
	return req, won, nil
}

// Await blocks until the request reaches a terminal status or ctx ends, then
// evicts it. The owning caller is expected to be the only waiter.
func (s *Store) Await(ctx context.Context, id string) (Status, error) {
	e, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	defer s.evict(id)

	select {
	case <-e.done:
		return e.snapshot().Status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Store) evict(id string) {
	s.mu.Lock()
	delete(s.requests, id)
	s.mu.Unlock()
}

// Get returns a copy of the request.
func (s *Store) Get(id string) (Request, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Request{}, err
	}
	return e.snapshot(), nil
}

// AttachMessage records where the prompt for id was delivered and returns the
// updated copy, so callers can see whether the request already finished.
func (s *Store) AttachMessage(id, ref string) (Request, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Request{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.MessageRef = ref
	return e.req, nil
}

// ListPending returns the unresolved requests, oldest first.
func (s *Store) ListPending() []Request {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.requests))
	for _, e := range s.requests {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Request, 0, len(entries))
	for _, e := range entries {
		req := e.snapshot()
		if req.Status == StatusPending {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of unresolved requests.
func (s *Store) Count() int {
	return len(s.ListPending())
}
