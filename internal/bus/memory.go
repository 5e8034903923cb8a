package bus

import "sync"

// MemoryBus is the in-process EventPublisher implementation.
// Handlers run synchronously in Broadcast order; handlers that need to do
// slow work (queue drains, chat posts) must hand off to their own goroutine.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers handler under id, replacing any prior registration.
func (b *MemoryBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MemoryBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers event to every subscriber.
func (b *MemoryBus) Broadcast(event Event) {
	b.mu.RLock()
	hs := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(event)
	}
}
