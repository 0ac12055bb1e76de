// Package bus implements the in-process topic broker connecting the
// orchestrator, metrics, and fan-out layers. Delivery per topic is
// priority-first and FIFO within a priority; failed handlers are retried on
// the shared backoff policy and dead-lettered after exhaustion. Durability
// is the event store's job, never the bus's.
package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/resilience"
)

// Handler consumes one message. A non-nil error triggers redelivery.
type Handler func(ctx context.Context, msg Message) error

// Config tunes the broker.
type Config struct {
	// MaxAttempts is the delivery attempt budget per subscriber before the
	// message dead-letters. Default 5.
	MaxAttempts int
	// PendingLimit bounds queued messages per topic; overflow rejects the
	// newest. Default 4096.
	PendingLimit int
	// Retry is the shared backoff policy.
	Retry resilience.RetryPolicy
}

// Stats are the broker's monotonic counters.
type Stats struct {
	Published    uint64 `json:"published"`
	Delivered    uint64 `json:"delivered"`
	Failed       uint64 `json:"failed"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"dead_lettered"`
	Expired      uint64 `json:"expired"`
	Rejected     uint64 `json:"rejected"`
	Unrouted     uint64 `json:"unrouted"`
}

// Bus is the broker. Create with New, stop with Close.
type Bus struct {
	cfg    Config
	clk    clock.Clock
	ids    clock.IdGen
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]*Subscription
	topics map[string]*topicQueue
	closed bool

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	published    atomic.Uint64
	delivered    atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	expired      atomic.Uint64
	rejected     atomic.Uint64
	unrouted     atomic.Uint64
}

type topicQueue struct {
	mu      sync.Mutex
	queues  [priorityLevels][]Message
	pending int
	signal  chan struct{}
}

// Subscription is the unsubscribe handle returned by Subscribe.
type Subscription struct {
	id    string
	topic string
	fn    Handler
	bus   *Bus
	once  sync.Once
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() string { return s.id }

// Unsubscribe detaches the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s) })
}

// New creates a broker. Zero config fields take their defaults.
func New(cfg Config, clk clock.Clock, ids clock.IdGen, logger *slog.Logger) *Bus {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 4096
	}
	if cfg.Retry == (resilience.RetryPolicy{}) {
		cfg.Retry = resilience.DefaultRetryPolicy()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if ids == nil {
		ids = clock.UUIDGen{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:     cfg,
		clk:     clk,
		ids:     ids,
		logger:  logger,
		subs:    make(map[string][]*Subscription),
		topics:  make(map[string]*topicQueue),
		rootCtx: ctx,
		cancel:  cancel,
	}
}

// Subscribe attaches fn to topic.
func (b *Bus) Subscribe(topic string, fn Handler) (*Subscription, error) {
	if topic == "" {
		return nil, errs.Validationf("topic", "topic is required")
	}
	if fn == nil {
		return nil, errs.Validationf("handler", "handler is required")
	}
	sub := &Subscription{id: b.ids.NewId("sub"), topic: topic, fn: fn, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.New(errs.Internal, "bus closed")
	}
	// Copy-on-write so in-flight deliveries keep their snapshot.
	next := make([]*Subscription, 0, len(b.subs[topic])+1)
	next = append(next, b.subs[topic]...)
	next = append(next, sub)
	b.subs[topic] = next
	return sub, nil
}

// Publish enqueues msg for delivery. Expired messages are counted and
// dropped; a full topic rejects with a Throttled error.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return errs.Validationf("topic", "topic is required")
	}
	if msg.Priority == "" {
		msg.Priority = PriorityMedium
	}
	if !msg.Priority.IsValid() {
		return errs.Validationf("priority", "unknown priority %q", msg.Priority)
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return errs.New(errs.Internal, "bus closed")
	}

	now := b.clk.Now()
	if msg.ID == "" {
		msg.ID = b.ids.NewId("msg")
	}
	msg.EnqueuedAt = now
	b.published.Add(1)

	if !msg.ExpiresAt.IsZero() && !now.Before(msg.ExpiresAt) {
		b.expired.Add(1)
		return nil
	}
	if !msg.NotBefore.IsZero() && msg.NotBefore.After(now) {
		// Held back until due; ordering among delayed messages follows
		// their due instants, not enqueue order.
		time.AfterFunc(msg.NotBefore.Sub(now), func() {
			if b.rootCtx.Err() != nil {
				return
			}
			if err := b.enqueue(msg); err != nil {
				b.logger.Warn("Delayed message dropped", "topic", msg.Topic, "error", err)
			}
		})
		return nil
	}
	return b.enqueue(msg)
}

func (b *Bus) enqueue(msg Message) error {
	tq := b.topicFor(msg.Topic)

	tq.mu.Lock()
	if tq.pending >= b.cfg.PendingLimit {
		tq.mu.Unlock()
		b.rejected.Add(1)
		return errs.Newf(errs.Throttled, "topic %s pending limit %d reached", msg.Topic, b.cfg.PendingLimit)
	}
	r := msg.Priority.rank()
	tq.queues[r] = append(tq.queues[r], msg)
	tq.pending++
	tq.mu.Unlock()

	select {
	case tq.signal <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bus) topicFor(topic string) *topicQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	tq, ok := b.topics[topic]
	if !ok {
		tq = &topicQueue{signal: make(chan struct{}, 1)}
		b.topics[topic] = tq
		b.wg.Add(1)
		go b.dispatch(topic, tq)
	}
	return tq
}

func (tq *topicQueue) pop() (Message, bool) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	for i := 0; i < priorityLevels; i++ {
		if len(tq.queues[i]) > 0 {
			msg := tq.queues[i][0]
			tq.queues[i] = tq.queues[i][1:]
			tq.pending--
			return msg, true
		}
	}
	return Message{}, false
}

// dispatch drains one topic in priority-then-FIFO order. One goroutine per
// topic keeps the per-topic ordering guarantee without a global lock.
func (b *Bus) dispatch(topic string, tq *topicQueue) {
	defer b.wg.Done()
	for {
		if b.rootCtx.Err() != nil {
			return
		}
		msg, ok := tq.pop()
		if !ok {
			select {
			case <-b.rootCtx.Done():
				return
			case <-tq.signal:
				continue
			}
		}
		now := b.clk.Now()
		if !msg.ExpiresAt.IsZero() && !now.Before(msg.ExpiresAt) {
			b.expired.Add(1)
			continue
		}
		b.deliver(topic, msg)
	}
}

func (b *Bus) deliver(topic string, msg Message) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.unrouted.Add(1)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			b.deliverTo(s, msg)
		}(sub)
	}
	wg.Wait()
}

func (b *Bus) deliverTo(s *Subscription, msg Message) {
	attempt := 0
	err := b.cfg.Retry.Do(b.rootCtx, b.cfg.MaxAttempts, nil, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			b.retried.Add(1)
		}
		m := msg
		m.Attempt = attempt
		return s.fn(ctx, m)
	})
	if err == nil {
		b.delivered.Add(1)
		return
	}

	b.failed.Add(1)
	if strings.HasPrefix(msg.Topic, DeadLetterPrefix) {
		// Never dead-letter a dead letter.
		b.logger.Warn("Dead-letter delivery failed, dropping",
			"topic", msg.Topic, "subscriber_id", s.id, "error", err)
		return
	}

	b.deadLettered.Add(1)
	b.logger.Warn("Delivery exhausted, dead-lettering",
		"topic", msg.Topic, "subscriber_id", s.id, "attempts", attempt, "error", err)
	dlq := Message{
		Topic:    DeadLetterTopic(msg.Topic),
		Priority: msg.Priority,
		Payload: DeadLetter{
			Original:     msg,
			SubscriberID: s.id,
			Reason:       err.Error(),
			FailedAt:     b.clk.Now(),
		},
	}
	if perr := b.Publish(b.rootCtx, dlq); perr != nil {
		b.logger.Warn("Dead-letter publish failed", "topic", dlq.Topic, "error", perr)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.subs[s.topic]
	next := make([]*Subscription, 0, len(current))
	for _, sub := range current {
		if sub != s {
			next = append(next, sub)
		}
	}
	if len(next) == 0 {
		delete(b.subs, s.topic)
	} else {
		b.subs[s.topic] = next
	}
}

// Stats returns a snapshot of the broker counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:    b.published.Load(),
		Delivered:    b.delivered.Load(),
		Failed:       b.failed.Load(),
		Retried:      b.retried.Load(),
		DeadLettered: b.deadLettered.Load(),
		Expired:      b.expired.Load(),
		Rejected:     b.rejected.Load(),
		Unrouted:     b.unrouted.Load(),
	}
}

// Close stops dispatching and waits for topic goroutines to exit. In-flight
// handler calls are cancelled through their context.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}
