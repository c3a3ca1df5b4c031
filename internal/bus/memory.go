package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process, per-kind-ordered bus. It backs single-binary
// deployments without a broker and the engine's tests. Handlers for a kind
// run sequentially in publication order, mirroring a single AMQP consumer
// on a per-kind queue.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[LinkKind][]func(context.Context, LinkEvent) error

	// serializes delivery per kind so ordering matches the broker contract
	locks map[LinkKind]*sync.Mutex
}

func NewMemoryBus() *MemoryBus {
	locks := make(map[LinkKind]*sync.Mutex, len(Kinds()))
	for _, k := range Kinds() {
		locks[k] = &sync.Mutex{}
	}
	return &MemoryBus{
		handlers: make(map[LinkKind][]func(context.Context, LinkEvent) error),
		locks:    locks,
	}
}

// Subscribe registers a handler for one event kind.
func (b *MemoryBus) Subscribe(kind LinkKind, handler func(context.Context, LinkEvent) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// PublishLink delivers the event synchronously to all handlers of its kind.
// Handler errors are returned so tests can assert on them; the ingestion
// engine treats them as best-effort either way.
func (b *MemoryBus) PublishLink(ctx context.Context, ev LinkEvent) error {
	b.mu.RLock()
	handlers := b.handlers[ev.Kind]
	lock := b.locks[ev.Kind]
	b.mu.RUnlock()

	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
