package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Handler processes one message. Returning nil acks it, returning an error
// nacks it to the dead-letter queue, unless the handler already settled it.
type Handler func(ctx context.Context, msg *Message) error

// Settlement is an ack or nack command for the channel owner
type Settlement struct {
	DeliveryTag uint64
	Outcome     Outcome
	Requeue     bool

	// Result receives the broker call's error. Buffered by the sender.
	Result chan error
}

// SettleFunc forwards a settlement to whoever owns the channel
type SettleFunc func(Settlement) error

// Message is a delivery handed to a stage handler
type Message struct {
	Queue       string
	MessageID   string
	DeliveryTag uint64
	Redelivered bool
	Body        []byte
	ReceivedAt  time.Time

	state  atomic.Int32
	settle SettleFunc
}

// NewMessage creates a message in the Received state
func NewMessage(queue string, deliveryTag uint64, body []byte, settle SettleFunc) *Message {
	return &Message{
		Queue:       queue,
		DeliveryTag: deliveryTag,
		Body:        body,
		ReceivedAt:  time.Now(),
		settle:      settle,
	}
}

// State returns the current delivery state
func (m *Message) State() DeliveryState {
	return DeliveryState(m.state.Load())
}

// Settled reports whether the message reached a terminal state
func (m *Message) Settled() bool {
	s := m.State()
	return s == StateAcked || s == StateNacked
}

// MarkDispatched moves Received to Dispatched. It fails if the message was
// already taken by a worker or released.
func (m *Message) MarkDispatched() bool {
	return m.state.CompareAndSwap(int32(StateReceived), int32(StateDispatched))
}

// Release marks an undispatched message as returned to the broker. The caller
// owns the channel and requeues it directly.
func (m *Message) Release() bool {
	return m.state.CompareAndSwap(int32(StateReceived), int32(StateNacked))
}

// Ack acknowledges the message. Only the first settlement reaches the broker.
func (m *Message) Ack() error {
	return m.finish(StateAcked, Settlement{DeliveryTag: m.DeliveryTag, Outcome: OutcomeAck})
}

// Nack rejects the message without requeue, routing it to the dead-letter queue
func (m *Message) Nack() error {
	return m.finish(StateNacked, Settlement{DeliveryTag: m.DeliveryTag, Outcome: OutcomeNack})
}

func (m *Message) finish(to DeliveryState, s Settlement) error {
	for {
		cur := m.state.Load()
		if cur == int32(StateAcked) || cur == int32(StateNacked) {
			return ErrAlreadySettled
		}
		if m.state.CompareAndSwap(cur, int32(to)) {
			break
		}
	}

	if m.settle == nil {
		return nil
	}
	return m.settle(s)
}

// Decode unmarshals the body into v. The body must be a JSON object.
func (m *Message) Decode(v any) error {
	trimmed := bytes.TrimSpace(m.Body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: body is not a JSON object", ErrMalformedEnvelope)
	}

	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}
