package bridge

import (
	"context"
	"sync"
)

const subscriberBufferSize = 16

// Hub fans messages out to every subscriber. Sends never block: a
// subscriber that falls behind loses messages rather than stalling the
// orchestrator, which is acceptable because durable queue/store state,
// not the message stream, is authoritative.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[int64]*subscriber)}
}

// Subscribe registers a message stream that lives until the context is
// done or the returned cancel function is called.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Message, func()) {
	sub := &subscriber{
		id:     h.nextSequence(),
		stream: make(chan Message, subscriberBufferSize),
	}
	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, sub.id)
		h.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.stream, cancel
}

// Publish delivers the message to all current subscribers.
func (h *Hub) Publish(message Message) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, target := range targets {
		select {
		case target.stream <- message:
		default:
		}
	}
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}
