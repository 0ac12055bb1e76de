package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinelops/aegis/pkg/agent"
	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/consensus"
	"github.com/sentinelops/aegis/pkg/eventstore"
	"github.com/sentinelops/aegis/pkg/hub"
	"github.com/sentinelops/aegis/pkg/metrics"
	"github.com/sentinelops/aegis/pkg/models"
	"github.com/sentinelops/aegis/pkg/orchestrator"
	"github.com/sentinelops/aegis/pkg/provider"
	"github.com/sentinelops/aegis/pkg/resilience"
)

type testStack struct {
	core    *Core
	hub     *hub.Hub
	store   *eventstore.MemoryStore
	orch    *orchestrator.Orchestrator
	metrics *metrics.Service
}

// agreeableStub answers every role with high confidence and an empty
// resolution plan, so incidents resolve without action execution.
func agreeableStub(_ context.Context, req provider.Request) (provider.Response, *provider.Usage, error) {
	var proposal any = map[string]string{"finding": "scripted"}
	if strings.Contains(req.System, "## Task: Resolution") {
		proposal = models.ResolutionPlan{Summary: "no action needed"}
	}
	body, _ := json.Marshal(map[string]any{
		"confidence": 0.9,
		"summary":    "analysis",
		"proposal":   proposal,
		"evidence":   []any{},
	})
	return provider.Response{Text: string(body)}, &provider.Usage{TokensIn: 20, TokensOut: 10}, nil
}

func newStack(t *testing.T) *testStack {
	t.Helper()

	store := eventstore.NewMemoryStore(nil)
	hubRef := hub.New(config.HubConfig{
		Batch:        config.HubBatchConfig{MaxSize: 8, MaxLatency: 5 * time.Millisecond},
		Queue:        config.HubQueueConfig{Depth: 128},
		CatchupLimit: 200,
	}, store, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hubRef.Run(ctx)
	t.Cleanup(hubRef.Close)

	providers := make(map[models.AgentRole]string)
	for _, role := range models.AllRoles() {
		providers[role] = "main"
	}
	cfg := &config.Config{
		Workers:  config.WorkersConfig{Max: 4, Stripes: 4},
		Incident: config.IncidentConfig{DedupWindow: 5 * time.Minute, RetentionGrace: time.Minute, DefaultSeverity: models.SeverityMedium},
		Agents:   config.AgentsConfig{Providers: providers, MaxTokens: 512},
	}

	facade := provider.NewFacade(nil, nil, nil)
	require.NoError(t, facade.Register(config.ProviderConfig{ID: "main", Type: config.TransportStub}, provider.StubFunc(agreeableStub)))

	breakers := resilience.NewBreakerGroup(resilience.DefaultBreakerConfig(), nil, nil, nil)
	limiter := resilience.NewRateLimiter(resilience.LimitConfig{Capacity: 100, RefillRate: 100}, nil, 0)
	t.Cleanup(limiter.Stop)

	retry := resilience.RetryPolicy{Base: time.Millisecond, Factor: 1.1, Jitter: 0, Cap: 2 * time.Millisecond, MaxAttempts: 3}
	runner := agent.NewRunner(cfg.Agents, facade, breakers, limiter, retry, nil, nil, clock.System{}, nil)

	engine, err := consensus.NewEngine(consensus.DefaultConfig(), nil, nil)
	require.NoError(t, err)

	orch := orchestrator.New(cfg, store, runner, engine, nil, nil, retry, clock.System{}, &clock.SeqIdGen{}, nil)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Stop)

	metricsSvc := metrics.NewService(config.MetricsConfig{}, store, nil, hubRef, nil, nil)

	return &testStack{
		core:    NewCore(orch, hubRef, metricsSvc, store),
		hub:     hubRef,
		store:   store,
		orch:    orch,
		metrics: metricsSvc,
	}
}

func testAlert(service string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"alertname":"HighErrorRate","service":%q,"severity":"high"}`, service))
}

func waitResolved(t *testing.T, st *testStack, incidentID string) *models.Incident {
	t.Helper()
	var inc *models.Incident
	require.Eventually(t, func() bool {
		got, err := st.core.GetIncident(context.Background(), incidentID)
		if err != nil {
			return false
		}
		inc = got
		return got.Closed()
	}, 10*time.Second, 5*time.Millisecond)
	return inc
}
