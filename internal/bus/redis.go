package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vjoke/chat-service/internal/errs"
)

const busChannel = "chatservice:bus"

func ackChannel(instanceUID string) string {
	return "chatservice:bus:ack:" + instanceUID
}

// RedisBus carries events over redis pub/sub. Every instance subscribes to
// the shared bus channel plus its own ack channel; handling an event
// publishes an ack back to the sender's channel, correlated by event id.
// The publisher's first received ack completes the publish.
type RedisBus struct {
	rdb         redis.UniversalClient
	instanceUID string
	ackTimeout  time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	handlers map[string][]Handler
	pending  map[string]chan struct{} // event id → ack signal
	pubsub   *redis.PubSub
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(rdb redis.UniversalClient, instanceUID string, ackTimeout time.Duration, log *slog.Logger) *RedisBus {
	return &RedisBus{
		rdb:         rdb,
		instanceUID: instanceUID,
		ackTimeout:  ackTimeout,
		log:         log,
		handlers:    make(map[string][]Handler),
		pending:     make(map[string]chan struct{}),
	}
}

func (b *RedisBus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Sender = b.instanceUID
	ev.ReplyTo = ackChannel(b.instanceUID)

	acked := make(chan struct{}, 1)
	b.mu.Lock()
	b.pending[ev.ID] = acked
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, ev.ID)
		b.mu.Unlock()
	}()

	data, err := json.Marshal(ev)
	if err != nil {
		return errs.Validationf("encode bus event: %v", err)
	}
	if err := b.rdb.Publish(ctx, busChannel, data).Err(); err != nil {
		return errs.Unavailablef("bus publish: %v", err)
	}

	timer := time.NewTimer(b.ackTimeout)
	defer timer.Stop()
	select {
	case <-acked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errs.Unavailablef("no acknowledgment for %q within %s", ev.Name, b.ackTimeout)
	}
}

// Listen subscribes to the bus and ack channels and starts the consumer
// loop. It returns once the subscription is confirmed.
func (b *RedisBus) Listen(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, busChannel, ackChannel(b.instanceUID))
	// Receive forces the SUBSCRIBE round trip so events published after
	// Listen returns are never missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return errs.Unavailablef("bus subscribe: %v", err)
	}
	b.mu.Lock()
	b.pubsub = pubsub
	b.mu.Unlock()

	go b.consume(ctx, pubsub.Channel())
	return nil
}

func (b *RedisBus) consume(ctx context.Context, ch <-chan *redis.Message) {
	for msg := range ch {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.log.Warn("bus: dropping undecodable event", "err", err)
			continue
		}
		if msg.Channel == ackChannel(b.instanceUID) && ev.Name == "ack" {
			b.mu.Lock()
			pending := b.pending[ev.ID]
			b.mu.Unlock()
			if pending != nil {
				select {
				case pending <- struct{}{}:
				default:
				}
			}
			continue
		}

		b.mu.Lock()
		handlers := append([]Handler(nil), b.handlers[ev.Name]...)
		b.mu.Unlock()
		// Receipt is acknowledged even with no handler registered, so a
		// publisher waiting on an event this instance does not act on is
		// not left to time out.
		// Handlers run off the consumer loop so a slow handler never
		// stalls ack delivery for this instance's own publishes.
		go func(ev Event) {
			for _, h := range handlers {
				h(ctx, ev)
			}
			b.ack(ctx, ev)
		}(ev)
	}
}

func (b *RedisBus) ack(ctx context.Context, ev Event) {
	if ev.ReplyTo == "" {
		return
	}
	data, err := json.Marshal(Event{Name: "ack", ID: ev.ID, Sender: b.instanceUID})
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, ev.ReplyTo, data).Err(); err != nil {
		b.log.Warn("bus: ack publish failed", "event", ev.Name, "err", err)
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	if pubsub != nil {
		return pubsub.Close()
	}
	return nil
}
