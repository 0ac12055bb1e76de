// Package e2e drives the full coordination kernel, in-memory store included,
// through its public surfaces: alert ingress, the agent pipeline, consensus,
// action execution and the subscriber stream.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinelops/aegis/pkg/agent"
	"github.com/sentinelops/aegis/pkg/api"
	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/consensus"
	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/eventstore"
	"github.com/sentinelops/aegis/pkg/hub"
	"github.com/sentinelops/aegis/pkg/metrics"
	"github.com/sentinelops/aegis/pkg/models"
	"github.com/sentinelops/aegis/pkg/orchestrator"
	"github.com/sentinelops/aegis/pkg/provider"
	"github.com/sentinelops/aegis/pkg/resilience"
)

// Kernel is one fully wired instance backed by the in-memory store.
type Kernel struct {
	Config   *config.Config
	Store    *eventstore.MemoryStore
	Hub      *hub.Hub
	Orch     *orchestrator.Orchestrator
	Core     *api.Core
	Metrics  *metrics.Service
	Breakers *resilience.BreakerGroup
	Executor *orchestrator.ScriptedExecutor

	t *testing.T
}

type kernelOptions struct {
	cfg       *config.Config
	stub      provider.StubFunc
	guardrail agent.Guardrail
	executor  *orchestrator.ScriptedExecutor
	consensus consensus.Config
	breakers  resilience.BreakerConfig
}

// KernelOption configures the test kernel.
type KernelOption func(*kernelOptions)

// WithConfig replaces the default kernel configuration.
func WithConfig(cfg *config.Config) KernelOption {
	return func(o *kernelOptions) { o.cfg = cfg }
}

// WithStub sets the scripted provider transport behind every role.
func WithStub(stub provider.StubFunc) KernelOption {
	return func(o *kernelOptions) { o.stub = stub }
}

// WithGuardrail replaces the built-in policy guardrail.
func WithGuardrail(g agent.Guardrail) KernelOption {
	return func(o *kernelOptions) { o.guardrail = g }
}

// WithExecutor sets the scripted action executor.
func WithExecutor(exec *orchestrator.ScriptedExecutor) KernelOption {
	return func(o *kernelOptions) { o.executor = exec }
}

// WithConsensus replaces the default consensus thresholds and weights.
func WithConsensus(cfg consensus.Config) KernelOption {
	return func(o *kernelOptions) { o.consensus = cfg }
}

// WithBreakers replaces the default circuit breaker settings.
func WithBreakers(cfg resilience.BreakerConfig) KernelOption {
	return func(o *kernelOptions) { o.breakers = cfg }
}

func defaultKernelConfig() *config.Config {
	providers := make(map[models.AgentRole]string)
	for _, role := range models.AllRoles() {
		providers[role] = "main"
	}
	return &config.Config{
		Workers: config.WorkersConfig{Max: 4, Stripes: 4},
		Incident: config.IncidentConfig{
			DedupWindow:     300 * time.Second,
			RetentionGrace:  time.Minute,
			DefaultSeverity: models.SeverityMedium,
		},
		Agents: config.AgentsConfig{Providers: providers, MaxTokens: 512},
		Hub: config.HubConfig{
			Batch:        config.HubBatchConfig{MaxSize: 8, MaxLatency: 5 * time.Millisecond},
			Queue:        config.HubQueueConfig{Depth: 128, OverflowPolicy: config.OverflowDropOldest},
			CatchupLimit: 200,
		},
	}
}

// NewKernel boots a kernel wired to the given options and registers shutdown
// with t.Cleanup. Components stop in reverse dependency order.
func NewKernel(t *testing.T, opts ...KernelOption) *Kernel {
	t.Helper()

	o := kernelOptions{
		cfg:       defaultKernelConfig(),
		stub:      RoleStub(nil, EmptyPlan()),
		consensus: consensus.DefaultConfig(),
		breakers:  resilience.DefaultBreakerConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	store := eventstore.NewMemoryStore(nil)
	hubRef := hub.New(o.cfg.Hub, store, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hubRef.Run(ctx)
	t.Cleanup(hubRef.Close)

	facade := provider.NewFacade(nil, nil, nil)
	require.NoError(t, facade.Register(config.ProviderConfig{ID: "main", Type: config.TransportStub}, o.stub))

	breakers := resilience.NewBreakerGroup(o.breakers, nil, nil, nil)
	limiter := resilience.NewRateLimiter(resilience.LimitConfig{Capacity: 1000, RefillRate: 1000}, nil, 0)
	t.Cleanup(limiter.Stop)

	retry := resilience.RetryPolicy{Base: time.Millisecond, Factor: 1.1, Jitter: 0, Cap: 2 * time.Millisecond, MaxAttempts: 3}
	runner := agent.NewRunner(o.cfg.Agents, facade, breakers, limiter, retry, o.guardrail, nil, clock.System{}, nil)

	engine, err := consensus.NewEngine(o.consensus, nil, nil)
	require.NoError(t, err)

	var exec orchestrator.ActionExecutor
	if o.executor != nil {
		exec = o.executor
	}
	orch := orchestrator.New(o.cfg, store, runner, engine, nil, exec, retry, clock.System{}, &clock.SeqIdGen{}, nil)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Stop)

	metricsSvc := metrics.NewService(config.MetricsConfig{}, store, nil, hubRef, nil, nil)

	return &Kernel{
		Config:   o.cfg,
		Store:    store,
		Hub:      hubRef,
		Orch:     orch,
		Core:     api.NewCore(orch, hubRef, metricsSvc, store),
		Metrics:  metricsSvc,
		Breakers: breakers,
		Executor: o.executor,
		t:        t,
	}
}

// Submit pushes one alert through the ingress path and returns the incident id.
func (k *Kernel) Submit(source string, payload json.RawMessage) (string, bool) {
	k.t.Helper()
	res, err := k.Core.SubmitAlert(context.Background(), api.SubmitAlertParams{Source: source, Payload: payload})
	require.NoError(k.t, err)
	return res.IncidentID, res.Created
}

// WaitClosed blocks until the incident reaches a terminal phase.
func (k *Kernel) WaitClosed(incidentID string) *models.Incident {
	k.t.Helper()
	var inc *models.Incident
	require.Eventually(k.t, func() bool {
		got, err := k.Core.GetIncident(context.Background(), incidentID)
		if err != nil {
			return false
		}
		inc = got
		return inc.Closed()
	}, 10*time.Second, 5*time.Millisecond)
	return inc
}

// EventKinds returns the stored event kinds for the incident, in sequence
// order, after checking the sequence is gap-free from zero.
func (k *Kernel) EventKinds(incidentID string) []models.EventKind {
	k.t.Helper()
	recs, err := k.Store.Read(context.Background(), incidentID, 0, 0)
	require.NoError(k.t, err)
	kinds := make([]models.EventKind, len(recs))
	for i, rec := range recs {
		require.Equal(k.t, uint64(i), rec.Sequence)
		kinds[i] = rec.Kind
	}
	return kinds
}

// monitoringAlert is the canonical test alert payload.
func monitoringAlert(service string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"service":%q,"metric":"conn_pool","value":99.2,"severity":"high"}`, service))
}

// roleOf recovers the role a stub call serves from the task marker in the
// system prompt.
func roleOf(system string) models.AgentRole {
	for _, role := range models.AllRoles() {
		marker := "## Task: " + strings.ToUpper(string(role)[:1]) + string(role)[1:]
		if strings.Contains(system, marker) {
			return role
		}
	}
	return ""
}

// RoleStub scripts per-role confidences (0.9 when absent); the resolution
// role proposes the given plan.
func RoleStub(confidences map[models.AgentRole]float64, plan models.ResolutionPlan) provider.StubFunc {
	return func(_ context.Context, req provider.Request) (provider.Response, *provider.Usage, error) {
		role := roleOf(req.System)
		conf, ok := confidences[role]
		if !ok {
			conf = 0.9
		}
		var proposal any = map[string]string{"finding": "scripted"}
		if role == models.RoleResolution {
			proposal = plan
		}
		body, _ := json.Marshal(map[string]any{
			"confidence": conf,
			"summary":    fmt.Sprintf("%s analysis", role),
			"proposal":   proposal,
			"evidence":   []any{},
		})
		return provider.Response{Text: string(body)}, &provider.Usage{TokensIn: 40, TokensOut: 20}, nil
	}
}

// FailingRoleStub wraps RoleStub but fails the named role with a timeout
// while the flag is set.
func FailingRoleStub(failRole models.AgentRole, failing *atomic.Bool, plan models.ResolutionPlan) provider.StubFunc {
	inner := RoleStub(nil, plan)
	return func(ctx context.Context, req provider.Request) (provider.Response, *provider.Usage, error) {
		if roleOf(req.System) == failRole && failing.Load() {
			return provider.Response{}, nil, errs.Newf(errs.Timeout, "scripted provider outage")
		}
		return inner(ctx, req)
	}
}

// EmptyPlan resolves without any executable actions.
func EmptyPlan() models.ResolutionPlan {
	return models.ResolutionPlan{Summary: "no action needed"}
}

// RestartPlan proposes a single rollbackable restart.
func RestartPlan() models.ResolutionPlan {
	return models.ResolutionPlan{
		Summary: "restart the affected service",
		Actions: []models.PlannedAction{{Kind: "restart_service", Rollbackable: true}},
	}
}
