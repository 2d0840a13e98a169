package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus delivers events to in-process subscribers synchronously.
// Delivery doubles as the acknowledgment, so Publish never times out. It is
// the single-instance counterpart of the redis bus, mirroring its loopback
// behavior: the publishing instance receives its own events.
type MemoryBus struct {
	instanceUID string

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus(instanceUID string) *MemoryBus {
	return &MemoryBus{
		instanceUID: instanceUID,
		handlers:    make(map[string][]Handler),
	}
}

func (b *MemoryBus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Sender = b.instanceUID

	b.mu.RLock()
	handlers := b.handlers[ev.Name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil
	}
	for _, h := range handlers {
		h(ctx, ev)
	}
	return nil
}

func (b *MemoryBus) Listen(ctx context.Context) error {
	// Synchronous delivery needs no consumer loop.
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
