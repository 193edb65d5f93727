package event

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/charadev96/invitecore/internal/server/domain"
	"github.com/charadev96/invitecore/internal/shared/log"
)

var _ domain.EventPublisher = (*MemoryBus)(nil)

// MemoryBus dispatches events in process. Handlers subscribed to the same
// kind run concurrently and Publish returns once all of them finished.
type MemoryBus struct {
	Logger *zerolog.Logger
	// Record keeps every published event for Published. Off by default so
	// a long-running bus does not grow without bound.
	Record bool

	mu        sync.RWMutex
	handlers  map[domain.EventKind][]domain.EventHandler
	published []domain.Event
}

func NewMemoryBus(logger *zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		Logger:   logger,
		handlers: make(map[domain.EventKind][]domain.EventHandler),
	}
}

func (b *MemoryBus) Subscribe(kind domain.EventKind, handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[domain.EventKind][]domain.EventHandler)
	}
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// Publish returns the first handler error, after every handler ran.
func (b *MemoryBus) Publish(ctx context.Context, ev domain.Event) error {
	b.mu.Lock()
	if b.Record {
		b.published = append(b.published, ev)
	}
	handlers := append([]domain.EventHandler(nil), b.handlers[ev.Kind()]...)
	b.mu.Unlock()

	logger := b.Logger
	if logger == nil {
		logger = log.Nop()
	}
	logger.Debug().
		Str("kind", string(ev.Kind())).
		Int("handlers", len(handlers)).
		Msg("dispatching event")

	var g errgroup.Group
	for _, h := range handlers {
		g.Go(func() error {
			return h(ctx, ev)
		})
	}
	return g.Wait()
}

// Published returns every event recorded so far, in publish order.
func (b *MemoryBus) Published() []domain.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]domain.Event(nil), b.published...)
}

func (b *MemoryBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = nil
}
