// Package metrics maintains the rolling operational aggregates: MTTR with a
// confidence interval, incident outcome counts, provider usage, and
// subscriber health. The service holds no authoritative state; everything is
// rebuilt from the event tail on restart.
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/beorn7/perks/quantile"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sentinelops/aegis/pkg/bus"
	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/eventstore"
	"github.com/sentinelops/aegis/pkg/hub"
	"github.com/sentinelops/aegis/pkg/models"
	"github.com/sentinelops/aegis/pkg/provider"
)

// ProviderStats is one provider's rolling usage.
type ProviderStats struct {
	Calls      int64   `json:"calls"`
	Errors     int64   `json:"errors"`
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	CostMicros int64   `json:"cost_micros"`
	P50Ms      float64 `json:"p50_ms"`
	P95Ms      float64 `json:"p95_ms"`
	P99Ms      float64 `json:"p99_ms"`
}

// Counts tracks incident outcomes since startup (or rebuild horizon).
type Counts struct {
	Opened    int64 `json:"opened"`
	Resolved  int64 `json:"resolved"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Cancelled int64 `json:"cancelled"`
}

// Snapshot is the pull-queryable aggregate, also published periodically on
// the metrics.snapshot topic.
type Snapshot struct {
	At          time.Time                `json:"at"`
	MTTR        MTTRStats                `json:"mttr"`
	Counts      Counts                   `json:"counts"`
	Providers   map[string]ProviderStats `json:"providers"`
	Subscribers hub.Stats                `json:"subscribers"`
}

type providerAgg struct {
	calls      int64
	errors     int64
	tokensIn   int64
	tokensOut  int64
	costMicros int64
	latency    *quantile.Stream
}

func newProviderAgg() *providerAgg {
	return &providerAgg{
		latency: quantile.NewTargeted(map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001}),
	}
}

// Service consumes the event tail and the provider.call topic. Create with
// NewService, then Run in its own goroutine.
type Service struct {
	cfg    config.MetricsConfig
	store  eventstore.Store
	broker *bus.Bus
	hubRef *hub.Hub
	clk    clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	mttr      *mttrWindow
	counts    Counts
	providers map[string]*providerAgg
	lastSeq   map[string]uint64

	registry     *prometheus.Registry
	promOpened   prometheus.Counter
	promClosed   *prometheus.CounterVec
	promMTTRMs   prometheus.Gauge
	promCalls    *prometheus.CounterVec
	promCostUSD  *prometheus.CounterVec
	promHubSubs  prometheus.GaugeFunc
	promHubDrops prometheus.GaugeFunc
}

// NewService wires the aggregates. hubRef may be nil (no subscriber health).
func NewService(cfg config.MetricsConfig, store eventstore.Store, broker *bus.Bus, hubRef *hub.Hub, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:       cfg,
		store:     store,
		broker:    broker,
		hubRef:    hubRef,
		clk:       clk,
		logger:    logger.With("component", "metrics"),
		mttr:      newMTTRWindow(cfg.MTTRWindow, cfg.MTTRMaxAge),
		providers: make(map[string]*providerAgg),
		lastSeq:   make(map[string]uint64),
		registry:  prometheus.NewRegistry(),
	}

	s.promOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_incidents_opened_total",
		Help: "Incidents opened.",
	})
	s.promClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_incidents_closed_total",
		Help: "Incidents closed, by outcome.",
	}, []string{"outcome"})
	s.promMTTRMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aegis_mttr_mean_ms",
		Help: "Windowed mean time to resolve, milliseconds.",
	})
	s.promCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_provider_calls_total",
		Help: "Provider calls, by provider and outcome.",
	}, []string{"provider", "outcome"})
	s.promCostUSD = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_provider_cost_micros_total",
		Help: "Provider spend in micro-dollars.",
	}, []string{"provider"})
	s.registry.MustRegister(s.promOpened, s.promClosed, s.promMTTRMs, s.promCalls, s.promCostUSD)

	if hubRef != nil {
		s.promHubSubs = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "aegis_hub_subscribers",
			Help: "Live stream subscribers.",
		}, func() float64 { return float64(hubRef.Stats().Subscribers) })
		s.promHubDrops = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "aegis_hub_dropped_frames_total",
			Help: "Frames dropped by subscriber backpressure.",
		}, func() float64 { return float64(hubRef.Stats().TotalDrops) })
		s.registry.MustRegister(s.promHubSubs, s.promHubDrops)
	}
	return s
}

// Registry exposes the Prometheus registry for the /metrics handler.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// Run rebuilds from the bounded event tail, then follows the live stream and
// the provider.call topic until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	head, err := s.store.GlobalSequence(ctx)
	if err != nil {
		return err
	}
	s.rebuild(ctx, head)

	if s.broker != nil {
		sub, err := s.broker.Subscribe(bus.TopicProviderCall, func(_ context.Context, msg bus.Message) error {
			s.handleProviderCall(msg)
			return nil
		})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	stream, err := s.store.Subscribe(ctx, eventstore.SubscribeOptions{FromGlobal: head})
	if err != nil {
		return err
	}

	interval := s.cfg.SnapshotInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-stream:
			if !ok {
				return nil
			}
			s.Observe(rec)
		case <-ticker.C:
			s.publishSnapshot(ctx)
		}
	}
}

// rebuild replays up to RebuildDepth trailing events.
func (s *Service) rebuild(ctx context.Context, head uint64) {
	depth := uint64(s.cfg.RebuildDepth)
	if depth == 0 {
		depth = 10000
	}
	from := uint64(0)
	if head > depth {
		from = head - depth
	}
	for from < head {
		recs, err := s.store.ReadGlobal(ctx, from, 512)
		if err != nil {
			s.logger.Warn("Metrics rebuild scan failed", "from", from, "error", err)
			return
		}
		if len(recs) == 0 {
			return
		}
		for _, rec := range recs {
			s.Observe(rec)
			from = rec.GlobalSeq + 1
		}
	}
}

// Observe folds one stored event into the aggregates. Duplicates from the
// at-least-once stream are suppressed by per-incident sequence.
func (s *Service) Observe(rec eventstore.StoredEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastSeq[rec.IncidentID]; ok && rec.Sequence <= last {
		return
	}
	s.lastSeq[rec.IncidentID] = rec.Sequence

	switch rec.Kind {
	case models.EventIncidentOpened:
		s.counts.Opened++
		s.promOpened.Inc()

	case models.EventIncidentResolved:
		var payload models.IncidentResolvedPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			s.logger.Warn("Unparseable resolved payload", "incident_id", rec.IncidentID, "error", err)
			return
		}
		s.counts.Resolved++
		s.promClosed.WithLabelValues(string(models.OutcomeResolved)).Inc()
		s.mttr.add(rec.Timestamp, float64(payload.DurationMs))

	case models.EventIncidentFailed:
		var payload models.IncidentFailedPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			s.logger.Warn("Unparseable failure payload", "incident_id", rec.IncidentID, "error", err)
			return
		}
		switch payload.Outcome {
		case models.OutcomeRejected:
			s.counts.Rejected++
		case models.OutcomeCancelled:
			s.counts.Cancelled++
		default:
			s.counts.Failed++
		}
		s.promClosed.WithLabelValues(string(payload.Outcome)).Inc()
	}
}

// handleProviderCall folds one provider.call record. Payloads arrive as the
// in-process struct; JSON is accepted for replayed messages.
func (s *Service) handleProviderCall(msg bus.Message) {
	var rec provider.CallRecord
	switch p := msg.Payload.(type) {
	case provider.CallRecord:
		rec = p
	case json.RawMessage:
		if err := json.Unmarshal(p, &rec); err != nil {
			s.logger.Warn("Unparseable provider call record", "error", err)
			return
		}
	default:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.providers[rec.Provider]
	if !ok {
		agg = newProviderAgg()
		s.providers[rec.Provider] = agg
	}
	agg.calls++
	if rec.Outcome != "ok" {
		agg.errors++
	}
	agg.tokensIn += rec.TokensIn
	agg.tokensOut += rec.TokensOut
	agg.costMicros += rec.CostMicros
	agg.latency.Insert(float64(rec.LatencyMs))

	s.promCalls.WithLabelValues(rec.Provider, rec.Outcome).Inc()
	s.promCostUSD.WithLabelValues(rec.Provider).Add(float64(rec.CostMicros))
}

// Snapshot returns the current aggregate view.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	snap := Snapshot{
		At:        now,
		MTTR:      s.mttr.stats(now),
		Counts:    s.counts,
		Providers: make(map[string]ProviderStats, len(s.providers)),
	}
	for id, agg := range s.providers {
		snap.Providers[id] = ProviderStats{
			Calls:      agg.calls,
			Errors:     agg.errors,
			TokensIn:   agg.tokensIn,
			TokensOut:  agg.tokensOut,
			CostMicros: agg.costMicros,
			P50Ms:      agg.latency.Query(0.5),
			P95Ms:      agg.latency.Query(0.95),
			P99Ms:      agg.latency.Query(0.99),
		}
	}
	if s.hubRef != nil {
		snap.Subscribers = s.hubRef.Stats()
	}
	s.promMTTRMs.Set(snap.MTTR.MeanMs)
	return snap
}

func (s *Service) publishSnapshot(ctx context.Context) {
	if s.broker == nil {
		return
	}
	err := s.broker.Publish(ctx, bus.Message{
		Topic:    bus.TopicMetricsSnapshot,
		Priority: bus.PriorityLow,
		Payload:  s.Snapshot(),
	})
	if err != nil {
		s.logger.Warn("Failed to publish metrics snapshot", "error", err)
	}
}
