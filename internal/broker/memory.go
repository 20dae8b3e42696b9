package broker

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryBus is an in-process broker for standalone mode and tests.
// Each (topic, group) pair gets a buffered channel; every group
// subscribed to a topic receives its own copy of each message, and
// within a group a single goroutine drains the channel, so per-key
// ordering holds trivially.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[string]chan Message // topic → group → channel
	closed bool
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[string]chan Message)}
}

const memoryBusBuffer = 256

// Produce delivers msg to every subscribed group on its topic.
// A full group channel drops the message for that group with a warning
// (the store-driven tick loop self-heals, mirroring broker loss).
func (b *MemoryBus) Produce(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBusClosed
	}
	for group, ch := range b.subs[msg.Topic] {
		select {
		case ch <- msg:
		default:
			slog.Warn("memory bus channel full, dropping message",
				"topic", msg.Topic, "group", group, "key", msg.Key)
		}
	}
	return nil
}

// Subscribe starts one delivery goroutine for the group.
func (b *MemoryBus) Subscribe(ctx context.Context, group string, topics []string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errBusClosed
	}
	ch := make(chan Message, memoryBusBuffer)
	for _, topic := range topics {
		if b.subs[topic] == nil {
			b.subs[topic] = make(map[string]chan Message)
		}
		b.subs[topic][group] = ch
	}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(msg); err != nil {
					slog.Warn("message handler failed",
						"topic", msg.Topic, "key", msg.Key, "error", err)
				}
			}
		}
	}()
	return nil
}

// Close tears the bus down; subsequent produces fail.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	seen := make(map[chan Message]bool)
	for _, groups := range b.subs {
		for _, ch := range groups {
			if !seen[ch] {
				close(ch)
				seen[ch] = true
			}
		}
	}
	return nil
}
