// Package queue buffers outbound relay messages until the relay acknowledges
// them. The buffer lives in memory only; a restart drops it together with the
// pending requests it refers to.
package queue

import (
	"encoding/json"
	"sync"
)

type Message struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Queue struct {
	maxSize  int
	messages []Message
	mu       sync.Mutex
}

func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Queue{maxSize: maxSize}
}

// Push appends msg, evicting the oldest message when the queue is full. It
// reports whether a message was evicted.
func (q *Queue) Push(msg Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.messages) >= q.maxSize {
		q.messages = q.messages[1:]
		evicted = true
	}
	q.messages = append(q.messages, msg)
	return evicted
}

// AckUpto removes every message with Seq <= seq and returns how many went.
func (q *Queue) AckUpto(seq int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return 0
	}
	kept := make([]Message, 0, len(q.messages))
	for _, msg := range q.messages {
		if msg.Seq > seq {
			kept = append(kept, msg)
		}
	}
	removed := len(q.messages) - len(kept)
	q.messages = kept
	return removed
}

// GetUnacked returns a copy of the buffered messages in push order.
func (q *Queue) GetUnacked() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]Message, len(q.messages))
	copy(result, q.messages)
	return result
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
