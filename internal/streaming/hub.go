package streaming

import (
	"context"

	"github.com/rendis/flowgraph/pkg/schema"
)

// Hub is the per-execution publish/subscribe bus for live execution frames.
type Hub interface {
	// Publish fans msg out to every current subscriber of executionID without blocking.
	Publish(executionID string, msg schema.Message)
	// Subscribe registers a subscriber that sees every message published from now on.
	Subscribe(executionID string) *Subscription
}

// Subscription is one subscriber's ordered view of an execution's messages.
// Its channel closes after a completion or error message, or on Close.
type Subscription struct {
	id          uint64
	executionID string
	ch          chan schema.Message
	hub         *MemoryHub
}

// C returns the message channel.
func (s *Subscription) C() <-chan schema.Message {
	return s.ch
}

// ExecutionID returns the execution this subscription follows.
func (s *Subscription) ExecutionID() string {
	return s.executionID
}

// Next blocks for the next message. ok is false once the subscription has
// ended or ctx is done.
func (s *Subscription) Next(ctx context.Context) (msg schema.Message, ok bool) {
	select {
	case msg, ok = <-s.ch:
		return msg, ok
	case <-ctx.Done():
		return schema.Message{}, false
	}
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.executionID, s.id)
}
