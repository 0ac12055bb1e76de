// Package hub fans the incident event stream out to live subscribers
// (websockets, RPC streams, the metrics service). Producers never block on a
// slow consumer: every subscriber owns a bounded queue with an overflow
// policy, and deliveries are coalesced into small batches.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-microbatch"

	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/eventstore"
)

// SendFunc delivers one coalesced batch to the subscriber's transport. An
// error disconnects the subscriber.
type SendFunc func(ctx context.Context, batch []Envelope) error

// SubscriberStats is the per-connection health view exposed to metrics.
type SubscriberStats struct {
	ID                  string    `json:"id"`
	QueueLen            int       `json:"queue_len"`
	Enqueued            int64     `json:"enqueued"`
	Drops               int64     `json:"drops"`
	AvgEnqueueLatencyNs int64     `json:"avg_enqueue_latency_ns"`
	LastHeartbeat       time.Time `json:"last_heartbeat,omitzero"`
}

// Stats aggregates hub health.
type Stats struct {
	Subscribers int               `json:"subscribers"`
	TotalDrops  int64             `json:"total_drops"`
	Disconnects int64             `json:"disconnects"`
	PerSub      []SubscriberStats `json:"per_subscriber,omitempty"`
}

// Subscriber is one live consumer of the event stream.
type Subscriber struct {
	id     string
	filter Filter
	send   SendFunc
	hub    *Hub

	mu     sync.Mutex
	queue  []Envelope
	seen   map[string]uint64 // highest delivered sequence per incident
	closed bool

	wake chan struct{}
	done chan struct{}

	batcher *microbatch.Batcher[Envelope]

	enqueued    atomic.Int64
	drops       atomic.Int64
	latencySum  atomic.Int64
	latencyObs  atomic.Int64
	lastBeatNs  atomic.Int64
	closingOnce sync.Once
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id }

// Heartbeat records liveness; the API layer calls it on pong frames.
func (s *Subscriber) Heartbeat(now time.Time) {
	s.lastBeatNs.Store(now.UnixNano())
}

func (s *Subscriber) stats() SubscriberStats {
	s.mu.Lock()
	queueLen := len(s.queue)
	s.mu.Unlock()

	st := SubscriberStats{
		ID:       s.id,
		QueueLen: queueLen,
		Enqueued: s.enqueued.Load(),
		Drops:    s.drops.Load(),
	}
	if obs := s.latencyObs.Load(); obs > 0 {
		st.AvgEnqueueLatencyNs = s.latencySum.Load() / obs
	}
	if ns := s.lastBeatNs.Load(); ns > 0 {
		st.LastHeartbeat = time.Unix(0, ns).UTC()
	}
	return st
}

// enqueue places env on the subscriber queue without blocking. It reports
// whether the disconnect policy fired.
func (s *Subscriber) enqueue(env Envelope, depth int, policy config.OverflowPolicy) (disconnect bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if env.Type == EnvelopeEvent {
		if last, ok := s.seen[env.IncidentID]; ok && env.Sequence <= last {
			s.mu.Unlock()
			return false
		}
		s.seen[env.IncidentID] = env.Sequence
	}
	if len(s.queue) >= depth {
		if policy == config.OverflowDisconnect {
			s.mu.Unlock()
			return true
		}
		// drop-oldest: evict the head to admit the new frame.
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.drops.Add(1)
	}
	s.queue = append(s.queue, env)
	s.enqueued.Add(1)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return false
}

func (s *Subscriber) pop() (Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Envelope{}, false
	}
	env := s.queue[0]
	copy(s.queue, s.queue[1:])
	s.queue = s.queue[:len(s.queue)-1]
	return env, true
}

// drain moves frames from the queue into the batcher. Submit may block while
// a batch is in flight; only this subscriber's goroutine waits.
func (s *Subscriber) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			env, ok := s.pop()
			if !ok {
				break
			}
			if _, err := s.batcher.Submit(ctx, env); err != nil {
				return
			}
		}
	}
}

// Hub owns the subscriber set and the store tail feeding it.
type Hub struct {
	cfg    config.HubConfig
	store  eventstore.Store
	clk    clock.Clock
	ids    clock.IdGen
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool

	wg          sync.WaitGroup
	drops       atomic.Int64
	disconnects atomic.Int64
}

// New creates a hub over the given store. The store is used for catch-up
// replay and the live tail; it may be nil in tests that publish directly.
func New(cfg config.HubConfig, store eventstore.Store, clk clock.Clock, ids clock.IdGen, logger *slog.Logger) *Hub {
	if clk == nil {
		clk = clock.System{}
	}
	if ids == nil {
		ids = clock.UUIDGen{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		store:  store,
		clk:    clk,
		ids:    ids,
		logger: logger.With("component", "hub"),
		subs:   make(map[string]*Subscriber),
	}
}

// Run tails the store's global stream from its current head and publishes
// every new event to matching subscribers. Blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	head, err := h.store.GlobalSequence(ctx)
	if err != nil {
		return err
	}
	stream, err := h.store.Subscribe(ctx, eventstore.SubscribeOptions{FromGlobal: head})
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-stream:
			if !ok {
				return nil
			}
			h.Publish(FromStored(rec))
		}
	}
}

// Subscribe registers a live subscriber. The returned subscriber receives
// matching events from the moment of registration.
func (h *Hub) Subscribe(filter Filter, send SendFunc) (*Subscriber, error) {
	if send == nil {
		return nil, errs.Validationf("send", "send function is required")
	}

	sub := &Subscriber{
		id:     h.ids.NewId("sub"),
		filter: filter,
		send:   send,
		hub:    h,
		seen:   make(map[string]uint64),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	sub.batcher = microbatch.NewBatcher[Envelope](&microbatch.BatcherConfig{
		MaxSize:        h.cfg.Batch.MaxSize,
		FlushInterval:  h.cfg.Batch.MaxLatency,
		MaxConcurrency: 1, // single flight keeps per-incident order
	}, func(ctx context.Context, batch []Envelope) error {
		if err := sub.send(ctx, batch); err != nil {
			h.logger.Warn("Subscriber send failed, disconnecting",
				"subscriber_id", sub.id, "error", err)
			h.disconnect(sub)
			return err
		}
		return nil
	})

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.batcher.Close()
		return nil, errs.New(errs.Internal, "hub closed")
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		sub.drain(context.Background())
	}()

	h.logger.Info("Subscriber registered", "subscriber_id", sub.id)
	return sub, nil
}

// SubscribeFrom registers a subscriber and replays one incident's history
// from fromSeq before the live tail. Replay is capped at the configured
// catch-up limit; truncation is signaled with a catchup_overflow notice.
func (h *Hub) SubscribeFrom(ctx context.Context, filter Filter, send SendFunc, incidentID string, fromSeq uint64) (*Subscriber, error) {
	if h.store == nil {
		return nil, errs.New(errs.Internal, "hub has no store for catch-up")
	}
	sub, err := h.Subscribe(filter, send)
	if err != nil {
		return nil, err
	}

	limit := h.cfg.CatchupLimit
	if limit <= 0 {
		limit = 200
	}
	recs, err := h.store.Read(ctx, incidentID, fromSeq, limit+1)
	if err != nil {
		h.Unsubscribe(sub.id)
		return nil, err
	}

	truncated := len(recs) > limit
	if truncated {
		recs = recs[:limit]
	}
	for _, rec := range recs {
		h.deliver(sub, FromStored(rec))
	}
	if truncated {
		h.deliver(sub, Envelope{
			Type:       EnvelopeNotice,
			IncidentID: incidentID,
			Sequence:   recs[len(recs)-1].Sequence + 1,
			Timestamp:  h.clk.Now(),
			Notice:     NoticeCatchupOverflow,
		})
	}
	return sub, nil
}

// Publish routes env to every matching subscriber. Never blocks.
func (h *Hub) Publish(env Envelope) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		if s.filter.Matches(env) {
			subs = append(subs, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range subs {
		h.deliver(s, env)
	}
}

func (h *Hub) deliver(s *Subscriber, env Envelope) {
	depth := h.cfg.Queue.Depth
	if depth <= 0 {
		depth = 256
	}
	start := h.clk.Now()
	before := s.drops.Load()
	disconnect := s.enqueue(env, depth, h.cfg.Queue.OverflowPolicy)
	s.latencySum.Add(h.clk.Now().Sub(start).Nanoseconds())
	s.latencyObs.Add(1)
	if dropped := s.drops.Load() - before; dropped > 0 {
		h.drops.Add(dropped)
	}
	if disconnect {
		h.logger.Warn("Subscriber queue full, disconnecting",
			"subscriber_id", s.id)
		h.disconnect(s)
	}
}

// disconnect removes a subscriber after a policy or transport failure.
func (h *Hub) disconnect(s *Subscriber) {
	h.disconnects.Add(1)
	h.remove(s)
}

// Unsubscribe removes a subscriber; idempotent.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	h.mu.Unlock()
	if ok {
		h.remove(s)
	}
}

func (h *Hub) remove(s *Subscriber) {
	s.closingOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)

		h.mu.Lock()
		delete(h.subs, s.id)
		h.mu.Unlock()

		// Close releases batcher resources; done asynchronously because
		// remove may be called from inside the batch processor.
		go s.batcher.Close()

		h.logger.Info("Subscriber removed", "subscriber_id", s.id)
	})
}

// Stats returns the hub health snapshot.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	per := make([]SubscriberStats, 0, len(h.subs))
	for _, s := range h.subs {
		per = append(per, s.stats())
	}
	h.mu.RUnlock()

	return Stats{
		Subscribers: len(per),
		TotalDrops:  h.drops.Load(),
		Disconnects: h.disconnects.Load(),
		PerSub:      per,
	}
}

// Close removes every subscriber and rejects new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.remove(s)
	}
	h.wg.Wait()
}
