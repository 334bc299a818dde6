// Package queue carries replication jobs between gateway processes over a
// durable at-least-once work queue and dispatches them to handlers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedMessage is returned when a queue body is not a valid Message.
var ErrMalformedMessage = errors.New("malformed queue message")

// Message is one job on the work queue.
type Message struct {
	Kind          string            `json:"kind"`
	CorrelationID string            `json:"correlationId"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// NewMessage returns a message of the given kind. The correlation ID is
// taken from ctx when present and freshly generated otherwise.
func NewMessage(ctx context.Context, kind string, fields map[string]string) *Message {
	id := CorrelationID(ctx)
	if id == "" {
		id = NewCorrelationID()
	}
	return &Message{Kind: kind, CorrelationID: id, Fields: fields}
}

// Field returns a field value, or "" when absent.
func (m *Message) Field(name string) string {
	return m.Fields[name]
}

// Encode renders the message as JSON.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a JSON message body. A message without a kind is
// malformed.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if m.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}
	return &m, nil
}

// Delivery is a dequeued message. It stays invisible to other consumers
// until its invisibility timeout lapses or it is deleted.
type Delivery struct {
	ID           string
	PopReceipt   string
	DequeueCount int64
	// Body is the raw message body.
	Body []byte
	// Message is nil when Body could not be decoded.
	Message *Message
}

// Queue is a durable work queue with at-least-once delivery.
type Queue interface {
	// Enqueue adds msg, hidden from consumers for delay.
	Enqueue(ctx context.Context, msg *Message, delay time.Duration) error
	// Dequeue returns the next visible message and hides it for
	// invisibility. It returns nil when the queue is empty.
	Dequeue(ctx context.Context, invisibility time.Duration) (*Delivery, error)
	// Delete removes a delivered message.
	Delete(ctx context.Context, d *Delivery) error
}

// Sender is the enqueue side of a Queue.
type Sender interface {
	Enqueue(ctx context.Context, msg *Message, delay time.Duration) error
}

// DeadLetterQueue receives message bodies that could not be processed.
type DeadLetterQueue interface {
	EnqueueBody(ctx context.Context, body []byte) error
}

func newDelivery(id, receipt string, count int64, body []byte) *Delivery {
	d := &Delivery{ID: id, PopReceipt: receipt, DequeueCount: count, Body: body}
	if m, err := DecodeMessage(body); err == nil {
		d.Message = m
	}
	return d
}
