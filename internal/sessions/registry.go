package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session not found")

type Status string

const (
	StatusStarting        Status = "starting"
	StatusActive          Status = "active"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusStopping        Status = "stopping"
	StatusEnded           Status = "ended"
)

// ParseStatus accepts the wire form of a session status.
func ParseStatus(value string) (Status, error) {
	switch s := Status(value); s {
	case StatusStarting, StatusActive, StatusWaitingForInput, StatusStopping, StatusEnded:
		return s, nil
	}
	return "", fmt.Errorf("unknown session status %q", value)
}

// Sink delivers operator text into a session's input stream.
type Sink interface {
	Deliver(ctx context.Context, target, text string) error
}

// Session is a copy of a registry entry.
type Session struct {
	ID          string
	Status      Status
	ReplyTarget string
	Cwd         string
	LastMessage string
	ReplyMode   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CanReply reports whether operator text can be injected into the session.
func (s Session) CanReply() bool {
	return s.ReplyTarget != "" && s.Status != StatusEnded
}

// Update is a session event as seen by the registry. Empty optional fields
// leave the stored value alone.
type Update struct {
	SessionID   string
	Status      Status
	ReplyTarget string
	Cwd         string
	Message     string
}

// Change describes the effect of an Upsert.
type Change struct {
	Session  Session
	Previous Status
	Created  bool
	// MessageChanged is set when the update carried a message different from
	// the stored one.
	MessageChanged bool
}

// Transitioned reports whether the status differs from the one stored before.
func (c Change) Transitioned() bool {
	return c.Created || c.Previous != c.Session.Status
}

type entry struct {
	mu      sync.Mutex
	session Session
}

// Registry tracks agent sessions and which one each operator replies to.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	replyMu sync.Mutex
	replyTo map[string]string // operator -> session id

	sink Sink
	now  func() time.Time
}

func NewRegistry(sink Sink) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		replyTo:  make(map[string]string),
		sink:     sink,
		now:      time.Now,
	}
}

// Upsert creates the session on its first event and otherwise applies the
// update. An ended session is removed after any reply-mode flag pointing at
// it has been cleared.
func (r *Registry) Upsert(u Update) (Change, error) {
	if u.SessionID == "" {
		return Change{}, fmt.Errorf("session id is required")
	}
	if _, err := ParseStatus(string(u.Status)); err != nil {
		return Change{}, err
	}

	e, created := r.getOrCreate(u.SessionID)

	e.mu.Lock()
	change := Change{Previous: e.session.Status, Created: created}
	e.session.Status = u.Status
	if u.ReplyTarget != "" {
		e.session.ReplyTarget = u.ReplyTarget
	}
	if u.Cwd != "" {
		e.session.Cwd = u.Cwd
	}
	if u.Message != "" && u.Message != e.session.LastMessage {
		e.session.LastMessage = u.Message
		change.MessageChanged = true
	}
	e.session.UpdatedAt = r.now()
	change.Session = e.session
	e.mu.Unlock()

	if u.Status == StatusEnded {
		// Evict before clearing, so a concurrent SetReplyMode either fails
		// its lookup or is undone here.
		r.mu.Lock()
		if r.sessions[u.SessionID] == e {
			delete(r.sessions, u.SessionID)
		}
		r.mu.Unlock()
		r.clearReplyModeFor(u.SessionID)
		change.Session.ReplyMode = false
		return change, nil
	}

	change.Session.ReplyMode = r.holdsReplyMode(u.SessionID)
	return change, nil
}

func (r *Registry) getOrCreate(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return e, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		return e, false
	}
	now := r.now()
	e = &entry{session: Session{ID: id, CreatedAt: now, UpdatedAt: now}}
	r.sessions[id] = e
	return e, true
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	s.ReplyMode = r.holdsReplyMode(id)
	return s, nil
}

// ListActive returns every session that has not ended, oldest first.
func (r *Registry) ListActive() []Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		if s.Status == StatusEnded {
			continue
		}
		s.ReplyMode = r.holdsReplyMode(s.ID)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of sessions that have not ended.
func (r *Registry) Count() int {
	return len(r.ListActive())
}

// SetReplyMode makes sessionID the operator's reply target, replacing any
// previous one.
func (r *Registry) SetReplyMode(operator, sessionID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	r.replyMu.Lock()
	r.replyTo[operator] = sessionID
	r.replyMu.Unlock()
	return nil
}

// ClearReplyMode drops the operator's reply target, if any.
func (r *Registry) ClearReplyMode(operator string) (string, bool) {
	r.replyMu.Lock()
	defer r.replyMu.Unlock()
	id, ok := r.replyTo[operator]
	delete(r.replyTo, operator)
	return id, ok
}

// ReplyTarget returns the session the operator currently replies to.
func (r *Registry) ReplyTarget(operator string) (string, bool) {
	r.replyMu.Lock()
	defer r.replyMu.Unlock()
	id, ok := r.replyTo[operator]
	return id, ok
}

func (r *Registry) holdsReplyMode(sessionID string) bool {
	r.replyMu.Lock()
	defer r.replyMu.Unlock()
	for _, id := range r.replyTo {
		if id == sessionID {
			return true
		}
	}
	return false
}

func (r *Registry) clearReplyModeFor(sessionID string) {
	r.replyMu.Lock()
	defer r.replyMu.Unlock()
	for op, id := range r.replyTo {
		if id == sessionID {
			delete(r.replyTo, op)
		}
	}
}

// RouteReply forwards text to the operator's reply-mode session. It returns
// false, with no side effects, when no session holds reply mode or the holder
// cannot take input. A sink failure is returned as an error and reply mode is
// left in place.
func (r *Registry) RouteReply(ctx context.Context, operator, text string) (Session, bool, error) {
	id, ok := r.ReplyTarget(operator)
	if !ok {
		return Session{}, false, nil
	}
	s, err := r.Get(id)
	if err != nil {
		return Session{}, false, nil
	}
	if !s.CanReply() || r.sink == nil {
		return s, false, nil
	}
	if err := r.sink.Deliver(ctx, s.ReplyTarget, text); err != nil {
		return s, false, fmt.Errorf("deliver reply to session %s: %w", s.ID, err)
	}
	return s, true, nil
}
