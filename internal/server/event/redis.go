package event

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/charadev96/invitecore/internal/server/domain"
	"github.com/charadev96/invitecore/internal/shared/log"
)

var _ domain.EventPublisher = (*RedisBus)(nil)

// RedisBus publishes encoded events on one Redis pub/sub channel per event
// kind, named "<prefix>:<kind>". Delivery is at most once: subscribers that
// are not connected when an event is published miss it.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	logger *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	handlers map[domain.EventKind][]domain.EventHandler
	subs     []*redis.PubSub
}

func NewRedisBus(client redis.UniversalClient, prefix string, logger *zerolog.Logger) *RedisBus {
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:   client,
		prefix:   prefix,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[domain.EventKind][]domain.EventHandler),
	}
}

func (b *RedisBus) Channel(kind domain.EventKind) string {
	return fmt.Sprintf("%s:%s", b.prefix, kind)
}

func (b *RedisBus) Publish(ctx context.Context, ev domain.Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.Channel(ev.Kind()), data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Kind(), err)
	}
	return nil
}

// Subscribe opens the Redis subscription for kind on its first handler and
// waits for the server to confirm it.
func (b *RedisBus) Subscribe(kind domain.EventKind, handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	first := len(b.handlers[kind]) == 0
	b.handlers[kind] = append(b.handlers[kind], handler)
	if !first {
		return
	}

	ps := b.client.Subscribe(b.ctx, b.Channel(kind))
	if _, err := ps.Receive(b.ctx); err != nil {
		b.logger.Warn().
			Err(err).
			Str("kind", string(kind)).
			Msg("failed to confirm subscription")
	}
	b.subs = append(b.subs, ps)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.listen(kind, ps)
	}()
}

func (b *RedisBus) listen(kind domain.EventKind, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		ev, err := Decode([]byte(msg.Payload))
		if err != nil {
			b.logger.Warn().
				Err(err).
				Str("channel", msg.Channel).
				Msg("dropping undecodable event")
			continue
		}

		b.mu.RLock()
		handlers := append([]domain.EventHandler(nil), b.handlers[kind]...)
		b.mu.RUnlock()

		for _, h := range handlers {
			if err := h(b.ctx, ev); err != nil {
				b.logger.Warn().
					Err(err).
					Str("kind", string(kind)).
					Msg("event handler failed")
			}
		}
	}
}

// Close stops every subscription and waits for in-flight handlers. The
// client itself is left open.
func (b *RedisBus) Close() error {
	b.cancel()
	b.mu.Lock()
	var errs []error
	for _, ps := range b.subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.subs = nil
	b.mu.Unlock()
	b.wg.Wait()
	return errors.Join(errs...)
}
