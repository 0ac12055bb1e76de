package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/eventstore"
	"github.com/sentinelops/aegis/pkg/models"
)

func testHubConfig() config.HubConfig {
	return config.HubConfig{
		Batch:        config.HubBatchConfig{MaxSize: 10, MaxLatency: 10 * time.Millisecond},
		Queue:        config.HubQueueConfig{Depth: 256, OverflowPolicy: config.OverflowDropOldest},
		CatchupLimit: 5,
	}
}

func eventEnvelope(incidentID string, seq uint64, kind models.EventKind) Envelope {
	return Envelope{
		Type:       EnvelopeEvent,
		IncidentID: incidentID,
		Sequence:   seq,
		Kind:       kind,
		Timestamp:  time.Now().UTC(),
		Payload:    json.RawMessage(`{}`),
	}
}

// collector accumulates delivered envelopes behind a mutex.
type collector struct {
	mu    sync.Mutex
	got   []Envelope
	batch []int
}

func (c *collector) send(_ context.Context, batch []Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, batch...)
	c.batch = append(c.batch, len(batch))
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) envelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.got...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	h := New(testHubConfig(), nil, nil, nil, nil)
	defer h.Close()

	c := &collector{}
	sub, err := h.Subscribe(Filter{}, c.send)
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID())

	for i := uint64(0); i < 5; i++ {
		h.Publish(eventEnvelope("inc_a", i, models.EventPhaseEntered))
	}
	waitFor(t, func() bool { return c.count() == 5 })

	envs := c.envelopes()
	for i, env := range envs {
		assert.Equal(t, uint64(i), env.Sequence)
	}
}

func TestFilterByIncidentAndKind(t *testing.T) {
	h := New(testHubConfig(), nil, nil, nil, nil)
	defer h.Close()

	c := &collector{}
	_, err := h.Subscribe(Filter{
		IncidentIDs: []string{"inc_a"},
		Kinds:       []models.EventKind{models.EventPhaseEntered},
	}, c.send)
	require.NoError(t, err)

	h.Publish(eventEnvelope("inc_a", 0, models.EventPhaseEntered))
	h.Publish(eventEnvelope("inc_b", 0, models.EventPhaseEntered)) // wrong incident
	h.Publish(eventEnvelope("inc_a", 1, models.EventAgentStarted)) // wrong kind
	h.Publish(eventEnvelope("inc_a", 2, models.EventPhaseEntered))

	waitFor(t, func() bool { return c.count() == 2 })
	envs := c.envelopes()
	assert.Equal(t, uint64(0), envs[0].Sequence)
	assert.Equal(t, uint64(2), envs[1].Sequence)
}

func TestBatchesRespectMaxSize(t *testing.T) {
	cfg := testHubConfig()
	cfg.Batch.MaxSize = 4
	h := New(cfg, nil, nil, nil, nil)
	defer h.Close()

	c := &collector{}
	_, err := h.Subscribe(Filter{}, c.send)
	require.NoError(t, err)

	for i := uint64(0); i < 20; i++ {
		h.Publish(eventEnvelope("inc_a", i, models.EventPhaseEntered))
	}
	waitFor(t, func() bool { return c.count() == 20 })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.batch {
		assert.LessOrEqual(t, n, 4)
	}
}

func TestDuplicateSequencesSuppressed(t *testing.T) {
	h := New(testHubConfig(), nil, nil, nil, nil)
	defer h.Close()

	c := &collector{}
	_, err := h.Subscribe(Filter{}, c.send)
	require.NoError(t, err)

	h.Publish(eventEnvelope("inc_a", 0, models.EventPhaseEntered))
	h.Publish(eventEnvelope("inc_a", 0, models.EventPhaseEntered))
	h.Publish(eventEnvelope("inc_a", 1, models.EventPhaseEntered))

	waitFor(t, func() bool { return c.count() == 2 })
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, c.count())
}

func TestDropOldestUnderBackpressure(t *testing.T) {
	cfg := testHubConfig()
	cfg.Queue.Depth = 4
	cfg.Batch.MaxSize = 1
	h := New(cfg, nil, nil, nil, nil)
	defer h.Close()

	gate := make(chan struct{})
	entered := make(chan struct{}, 64)
	c := &collector{}
	blockingSend := func(ctx context.Context, batch []Envelope) error {
		entered <- struct{}{}
		<-gate
		return c.send(ctx, batch)
	}

	_, err := h.Subscribe(Filter{}, blockingSend)
	require.NoError(t, err)

	// First frame occupies the in-flight batch.
	h.Publish(eventEnvelope("inc_a", 0, models.EventPhaseEntered))
	<-entered

	for i := uint64(1); i <= 20; i++ {
		h.Publish(eventEnvelope("inc_a", i, models.EventPhaseEntered))
	}
	waitFor(t, func() bool { return h.Stats().TotalDrops > 0 })
	close(gate)

	waitFor(t, func() bool {
		st := h.Stats()
		return int64(c.count())+st.TotalDrops >= 20
	})

	// The newest frame survives a drop-oldest queue.
	waitFor(t, func() bool {
		for _, env := range c.envelopes() {
			if env.Sequence == 20 {
				return true
			}
		}
		return false
	})
	assert.Positive(t, h.Stats().TotalDrops)
}

func TestDisconnectPolicyRemovesSubscriber(t *testing.T) {
	cfg := testHubConfig()
	cfg.Queue.Depth = 1
	cfg.Batch.MaxSize = 1
	cfg.Queue.OverflowPolicy = config.OverflowDisconnect
	h := New(cfg, nil, nil, nil, nil)
	defer h.Close()

	gate := make(chan struct{})
	defer close(gate)
	blockingSend := func(_ context.Context, _ []Envelope) error {
		<-gate
		return nil
	}
	_, err := h.Subscribe(Filter{}, blockingSend)
	require.NoError(t, err)

	for i := uint64(0); i < 50; i++ {
		h.Publish(eventEnvelope("inc_a", i, models.EventPhaseEntered))
	}
	waitFor(t, func() bool {
		st := h.Stats()
		return st.Disconnects == 1 && st.Subscribers == 0
	})
}

func TestSendErrorDisconnects(t *testing.T) {
	h := New(testHubConfig(), nil, nil, nil, nil)
	defer h.Close()

	_, err := h.Subscribe(Filter{}, func(_ context.Context, _ []Envelope) error {
		return context.DeadlineExceeded
	})
	require.NoError(t, err)

	h.Publish(eventEnvelope("inc_a", 0, models.EventPhaseEntered))
	waitFor(t, func() bool { return h.Stats().Subscribers == 0 })
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := New(testHubConfig(), nil, nil, nil, nil)
	defer h.Close()

	c := &collector{}
	sub, err := h.Subscribe(Filter{}, c.send)
	require.NoError(t, err)

	h.Unsubscribe(sub.ID())
	h.Unsubscribe(sub.ID())
	assert.Equal(t, 0, h.Stats().Subscribers)

	// Frames published after removal go nowhere.
	h.Publish(eventEnvelope("inc_a", 0, models.EventPhaseEntered))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, c.count())
}

func TestSubscribeFromReplaysWithOverflowNotice(t *testing.T) {
	store := eventstore.NewMemoryStore(nil)
	defer store.Close()

	events := make([]models.Event, 8)
	for i := range events {
		ev, err := models.NewEvent("inc_a", models.EventPhaseEntered, time.Now().UTC(),
			models.PhaseEnteredPayload{Phase: models.PhaseDetecting})
		require.NoError(t, err)
		events[i] = ev
	}
	_, err := store.Append(context.Background(), "inc_a", 0, events)
	require.NoError(t, err)

	cfg := testHubConfig() // CatchupLimit 5
	h := New(cfg, store, nil, nil, nil)
	defer h.Close()

	c := &collector{}
	_, err = h.SubscribeFrom(context.Background(), Filter{}, c.send, "inc_a", 0)
	require.NoError(t, err)

	// 5 replayed events plus the overflow notice.
	waitFor(t, func() bool { return c.count() == 6 })
	envs := c.envelopes()
	last := envs[len(envs)-1]
	assert.Equal(t, EnvelopeNotice, last.Type)
	assert.Equal(t, NoticeCatchupOverflow, last.Notice)
	assert.Equal(t, uint64(5), last.Sequence)
}

func TestRunTailsStore(t *testing.T) {
	store := eventstore.NewMemoryStore(nil)
	defer store.Close()

	h := New(testHubConfig(), store, nil, nil, nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	c := &collector{}
	_, err := h.Subscribe(Filter{}, c.send)
	require.NoError(t, err)

	// Give the tail a moment to attach before appending.
	time.Sleep(20 * time.Millisecond)
	ev, err := models.NewEvent("inc_a", models.EventIncidentOpened, time.Now().UTC(),
		models.IncidentOpenedPayload{Severity: models.SeverityHigh, Fingerprint: "fp"})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), "inc_a", 0, []models.Event{ev})
	require.NoError(t, err)

	waitFor(t, func() bool { return c.count() == 1 })
	assert.Equal(t, models.EventIncidentOpened, c.envelopes()[0].Kind)
}
