package streaming

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowgraph/pkg/schema"
)

const defaultChannelBuffer = 64

// MemoryHub is an in-memory Hub using one buffered channel per subscriber.
type MemoryHub struct {
	mu      sync.Mutex
	subs    map[string]map[uint64]*Subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
	buffer  int
	logger  *slog.Logger
}

// NewMemoryHub creates a MemoryHub. buffer <= 0 uses the default of 64.
func NewMemoryHub(buffer int, logger *slog.Logger) *MemoryHub {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryHub{
		subs:   make(map[string]map[uint64]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Publish sends a deep copy of msg to every subscriber of executionID.
// A full subscriber loses the message, except terminal messages, which evict
// the oldest queued one. Subscribers are closed after a terminal message.
func (h *MemoryHub) Publish(executionID string, msg schema.Message) {
	msg.Data = schema.CloneValue(msg.Data)
	terminal := msg.Type.IsTerminal()

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs[executionID] {
		select {
		case sub.ch <- msg:
		default:
			if !terminal {
				h.dropped.Add(1)
				h.logger.Warn("dropping stream message for slow subscriber",
					slog.String("execution_id", executionID),
					slog.String("type", string(msg.Type)),
					slog.Uint64("subscriber", id),
				)
				continue
			}
			// Terminal messages are never dropped.
			select {
			case <-sub.ch:
				h.dropped.Add(1)
			default:
			}
			sub.ch <- msg
		}
		if terminal {
			close(sub.ch)
			delete(h.subs[executionID], id)
		}
	}
	if len(h.subs[executionID]) == 0 {
		delete(h.subs, executionID)
	}
}

// Subscribe registers a new subscriber for executionID.
func (h *MemoryHub) Subscribe(executionID string) *Subscription {
	sub := &Subscription{
		id:          h.seq.Add(1),
		executionID: executionID,
		ch:          make(chan schema.Message, h.buffer),
		hub:         h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[executionID] == nil {
		h.subs[executionID] = make(map[uint64]*Subscription)
	}
	h.subs[executionID][sub.id] = sub
	return sub
}

// SubscriberCount returns the live subscribers of executionID.
func (h *MemoryHub) SubscriberCount(executionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[executionID])
}

// Dropped returns how many messages were discarded for slow subscribers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

// CloseAll ends every subscription.
func (h *MemoryHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for execID, subs := range h.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(h.subs, execID)
	}
}

func (h *MemoryHub) remove(executionID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[executionID]
	sub, ok := subs[id]
	if !ok {
		return
	}
	close(sub.ch)
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.subs, executionID)
	}
}

var _ Hub = (*MemoryHub)(nil)
