// Package notify defines the operator-facing notification channel: the
// messages the bridge sends, the controls attached to them and the events
// coming back from the operator.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrAlreadyListening is returned by gateways whose event stream was already
// started. Streams are not restartable.
var ErrAlreadyListening = errors.New("gateway is already listening")

// MessageRef identifies a delivered message so it can be edited later. The
// format is gateway specific.
type MessageRef string

// Gateway sends notifications to the operator and streams operator events
// back. Update must be safe for concurrent use on the same ref.
type Gateway interface {
	Send(ctx context.Context, n Notification) (MessageRef, error)
	Update(ctx context.Context, ref MessageRef, n Notification) error
	// Listen starts the inbound stream. The channel is closed when ctx ends.
	Listen(ctx context.Context) (<-chan Event, error)
}

type Action string

const (
	ActionAllow        Action = "allow"
	ActionDeny         Action = "deny"
	ActionAllowSession Action = "allow_session"
	ActionReply        Action = "reply"
)

// Control is an actionable button bound to a request or session id.
type Control struct {
	Label  string
	Action Action
	Target string
}

// Data encodes the control the way it travels through the chat channel.
func (c Control) Data() string {
	return string(c.Action) + ":" + c.Target
}

// ParseControl decodes callback data produced by Data. The label is lost.
func ParseControl(data string) (Control, error) {
	action, target, ok := strings.Cut(data, ":")
	if !ok || target == "" {
		return Control{}, fmt.Errorf("malformed control %q", data)
	}
	switch a := Action(action); a {
	case ActionAllow, ActionDeny, ActionAllowSession, ActionReply:
		return Control{Action: a, Target: target}, nil
	}
	return Control{}, fmt.Errorf("unknown control action %q", action)
}

type EventKind int

const (
	EventControl EventKind = iota + 1
	EventText
)

func (k EventKind) String() string {
	switch k {
	case EventControl:
		return "control"
	case EventText:
		return "text"
	}
	return "unknown"
}

// Event is one operator action. Control and Ref are set for EventControl,
// Text for EventText.
type Event struct {
	Kind     EventKind
	Operator string
	Control  Control
	Ref      MessageRef
	Text     string
}

// Authorize forwards only the events coming from operator. Everything else is
// logged and passed to reject, which may be nil. The returned channel closes
// when in closes or ctx ends.
func Authorize(ctx context.Context, in <-chan Event, operator string, log zerolog.Logger, reject func(Event)) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			var ev Event
			var ok bool
			select {
			case <-ctx.Done():
				return
			case ev, ok = <-in:
				if !ok {
					return
				}
			}

			if ev.Operator != operator {
				log.Warn().
					Str("operator", ev.Operator).
					Str("kind", ev.Kind.String()).
					Msg("dropping event from unauthorized operator")
				if reject != nil {
					reject(ev)
				}
				continue
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
