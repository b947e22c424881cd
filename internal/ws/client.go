// Package ws is a notification gateway that talks to a WebSocket relay
// instead of a chat API. The relay fans notifications out to the operator's
// client and sends operator actions back.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agent-command/bridged/internal/notify"
	"github.com/agent-command/bridged/internal/queue"
)

const (
	TypeNotificationSend   = "notification.send"
	TypeNotificationUpdate = "notification.update"
	TypeOperatorControl    = "operator.control"
	TypeOperatorText       = "operator.text"
	TypeRelayAck           = "relay.ack"
)

var ErrNotConnected = errors.New("relay not connected")

type envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TS      string          `json:"ts"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

type controlPayload struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// NotificationPayload is the body of notification.send and
// notification.update.
type NotificationPayload struct {
	Ref      string           `json:"ref"`
	Kind     string           `json:"kind"`
	Text     string           `json:"text"`
	Controls []controlPayload `json:"controls,omitempty"`
}

type operatorPayload struct {
	OperatorID string `json:"operator_id"`
	Ref        string `json:"ref,omitempty"`
	Data       string `json:"data,omitempty"`
	Text       string `json:"text,omitempty"`
}

type ackPayload struct {
	AckSeq int64  `json:"ack_seq"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type Client struct {
	url          string
	token        string
	bridgeID     string
	backoff      []int
	conn         *websocket.Conn
	mu           sync.Mutex
	seq          atomic.Int64
	lastAckedSeq int64
	done         chan struct{}
	closeOnce    sync.Once
	reconnecting bool
	queue        *queue.Queue
	events       chan notify.Event
	listening    atomic.Bool
	log          zerolog.Logger
	newRef       func() string
}

func NewClient(url, token, bridgeID string, backoff []int, log zerolog.Logger) *Client {
	if len(backoff) == 0 {
		backoff = []int{250, 500, 1000, 2000, 5000}
	}
	return &Client{
		url:      url,
		token:    token,
		bridgeID: bridgeID,
		backoff:  backoff,
		done:     make(chan struct{}),
		queue:    queue.NewQueue(1000),
		events:   make(chan notify.Event, 64),
		log:      log.With().Str("component", "ws").Logger(),
		newRef:   func() string { return uuid.New().String() },
	}
}

// Connect dials the relay once. Later disconnects are retried in the
// background until Close. Messages the relay has not acknowledged are
// rewritten on the new connection before any new message can be written.
func (c *Client) Connect(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.token)
	headers.Set("X-Bridge-Id", c.bridgeID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, headers)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		conn.Close()
		return ErrNotConnected
	default:
	}

	if err := c.resendLocked(conn); err != nil {
		conn.Close()
		return fmt.Errorf("resend unacknowledged messages: %w", err)
	}

	c.conn = conn
	c.reconnecting = false
	go c.reader(conn)

	return nil
}

func (c *Client) reader(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		c.reconnect()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn().Err(err).Msg("relay read error")
			return
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.Warn().Err(err).Msg("failed to parse relay message")
			continue
		}

		switch env.Type {
		case TypeRelayAck:
			var ack ackPayload
			if err := json.Unmarshal(env.Payload, &ack); err != nil {
				continue
			}
			if ack.Status == "error" {
				c.log.Warn().Int64("seq", ack.AckSeq).Str("error", ack.Error).Msg("relay rejected message")
			}
			c.mu.Lock()
			if ack.AckSeq > c.lastAckedSeq {
				c.lastAckedSeq = ack.AckSeq
			}
			c.mu.Unlock()
			c.queue.AckUpto(ack.AckSeq)

		case TypeOperatorControl, TypeOperatorText:
			ev, err := decodeOperatorEvent(env)
			if err != nil {
				c.log.Warn().Err(err).Str("type", env.Type).Msg("ignoring operator event")
				continue
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}

		default:
			c.log.Debug().Str("type", env.Type).Msg("ignoring relay message")
		}
	}
}

func decodeOperatorEvent(env envelope) (notify.Event, error) {
	var p operatorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return notify.Event{}, err
	}
	if env.Type == TypeOperatorText {
		return notify.Event{Kind: notify.EventText, Operator: p.OperatorID, Text: p.Text}, nil
	}
	control, err := notify.ParseControl(p.Data)
	if err != nil {
		return notify.Event{}, err
	}
	return notify.Event{
		Kind:     notify.EventControl,
		Operator: p.OperatorID,
		Control:  control,
		Ref:      notify.MessageRef(p.Ref),
	}, nil
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	attempt := 0
	for {
		delay := c.backoff[min(attempt, len(c.backoff)-1)]
		attempt++

		select {
		case <-c.done:
			return
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}

		if attempt <= len(c.backoff) {
			c.log.Info().Int("attempt", attempt).Int("of", len(c.backoff)).Msg("reconnecting to relay")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.log.Info().Msg("reconnected to relay")
			return
		}
	}
}

func (c *Client) write(msgType string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	seq := c.seq.Add(1)
	data, err := json.Marshal(envelope{
		V:       1,
		Type:    msgType,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Seq:     seq,
		Payload: payloadBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if c.queue.Push(queue.Message{Seq: seq, Type: msgType, Payload: payloadBytes}) {
		c.log.Warn().Int64("seq", seq).Msg("outbound queue full, dropped oldest unacknowledged message")
	}
	return nil
}

func toPayload(ref notify.MessageRef, n notify.Notification) NotificationPayload {
	r := n.Render()
	p := NotificationPayload{Ref: string(ref), Kind: string(n.Kind()), Text: r.Text}
	for _, ctl := range r.Controls {
		p.Controls = append(p.Controls, controlPayload{Label: ctl.Label, Data: ctl.Data()})
	}
	return p
}

// Send assigns the message a fresh ref; the relay uses it to address later
// updates.
func (c *Client) Send(ctx context.Context, n notify.Notification) (notify.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := notify.MessageRef(c.newRef())
	if err := c.write(TypeNotificationSend, toPayload(ref, n)); err != nil {
		return "", fmt.Errorf("send %s: %w", n.Kind(), err)
	}
	return ref, nil
}

func (c *Client) Update(ctx context.Context, ref notify.MessageRef, n notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.write(TypeNotificationUpdate, toPayload(ref, n)); err != nil {
		return fmt.Errorf("update %s %s: %w", n.Kind(), ref, err)
	}
	return nil
}

// Listen streams operator events until ctx ends, then closes the client.
func (c *Client) Listen(ctx context.Context) (<-chan notify.Event, error) {
	if !c.listening.CompareAndSwap(false, true) {
		return nil, notify.ErrAlreadyListening
	}
	out := make(chan notify.Event)
	go func() {
		defer close(out)
		defer c.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-c.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) GetLastAckedSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAckedSeq
}

// Unacked returns the number of written messages the relay has not acknowledged.
func (c *Client) Unacked() int {
	return c.queue.Len()
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	})
}

// resendLocked rewrites unacknowledged messages with their original
// sequence numbers. The caller holds c.mu.
func (c *Client) resendLocked(conn *websocket.Conn) error {
	unacked := c.queue.GetUnacked()
	if len(unacked) == 0 {
		return nil
	}
	sort.Slice(unacked, func(i, j int) bool { return unacked[i].Seq < unacked[j].Seq })

	for _, msg := range unacked {
		data, err := json.Marshal(envelope{
			V:       1,
			Type:    msg.Type,
			TS:      time.Now().UTC().Format(time.RFC3339Nano),
			Seq:     msg.Seq,
			Payload: msg.Payload,
		})
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	c.log.Info().Int("count", len(unacked)).Msg("resent unacknowledged messages")
	return nil
}
