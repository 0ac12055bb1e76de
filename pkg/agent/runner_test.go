package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/models"
	"github.com/sentinelops/aegis/pkg/provider"
	"github.com/sentinelops/aegis/pkg/resilience"
)

func testIncident() *models.Incident {
	return &models.Incident{
		ID:          "inc_test",
		Severity:    models.SeverityHigh,
		Fingerprint: "fp-1",
		Phase:       models.PhaseDetecting,
		Alerts: []models.Alert{{
			Source:  "prometheus",
			Payload: json.RawMessage(`{"alertname":"HighErrorRate","service":"checkout"}`),
		}},
	}
}

func agentsConfig() config.AgentsConfig {
	return config.AgentsConfig{
		Timeouts:  map[models.AgentRole]time.Duration{},
		Providers: map[models.AgentRole]string{
			models.RoleDetection:  "main",
			models.RoleDiagnosis:  "main",
			models.RoleResolution: "main",
		},
		MaxTokens: 512,
	}
}

// testRunner builds a runner around a scripted transport with fast retry and
// permissive limits.
func testRunner(t *testing.T, fn provider.StubFunc, guardrail Guardrail) *Runner {
	t.Helper()
	facade := provider.NewFacade(nil, nil, nil)
	require.NoError(t, facade.Register(config.ProviderConfig{ID: "main", Type: config.TransportStub}, provider.StubFunc(fn)))

	breakers := resilience.NewBreakerGroup(resilience.DefaultBreakerConfig(), nil, nil, nil)
	limiter := resilience.NewRateLimiter(resilience.LimitConfig{Capacity: 100, RefillRate: 100}, nil, 0)
	t.Cleanup(limiter.Stop)

	retry := resilience.RetryPolicy{Base: time.Millisecond, Factor: 1.1, Jitter: 0, Cap: 2 * time.Millisecond, MaxAttempts: 3}
	return NewRunner(agentsConfig(), facade, breakers, limiter, retry, guardrail, nil, clock.System{}, nil)
}

func wellFormed(confidence float64) string {
	body, _ := json.Marshal(map[string]any{
		"confidence": confidence,
		"summary":    "root cause identified",
		"proposal":   map[string]any{"root_cause": "connection pool exhaustion"},
		"evidence":   []map[string]any{{"source_id": "kb-17", "similarity": 0.92, "excerpt": "pool saturation"}},
	})
	return string(body)
}

func TestRunCompletes(t *testing.T) {
	r := testRunner(t, func(_ context.Context, _ provider.Request) (provider.Response, *provider.Usage, error) {
		return provider.Response{Text: wellFormed(0.91)}, &provider.Usage{TokensIn: 100, TokensOut: 50}, nil
	}, nil)

	out := r.Run(context.Background(), testIncident(), models.RoleDiagnosis)

	assert.Equal(t, models.AgentCompleted, out.Status)
	assert.Equal(t, 0.91, out.Confidence)
	assert.Equal(t, models.GuardrailPass, out.Guardrail.Verdict)
	assert.Equal(t, int64(100), out.TokensIn)
	require.NotEmpty(t, out.Proposal)
	assert.Len(t, out.Evidence, 1)
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	r := testRunner(t, func(_ context.Context, _ provider.Request) (provider.Response, *provider.Usage, error) {
		calls++
		if calls < 3 {
			return provider.Response{}, nil, errs.New(errs.Throttled, "429")
		}
		return provider.Response{Text: wellFormed(0.8)}, nil, nil
	}, nil)

	out := r.Run(context.Background(), testIncident(), models.RoleDiagnosis)
	assert.Equal(t, models.AgentCompleted, out.Status)
	assert.Equal(t, 3, calls)
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	calls := 0
	r := testRunner(t, func(_ context.Context, _ provider.Request) (provider.Response, *provider.Usage, error) {
		calls++
		return provider.Response{}, nil, errs.New(errs.Timeout, "upstream deadline")
	}, nil)

	out := r.Run(context.Background(), testIncident(), models.RoleDiagnosis)
	assert.Equal(t, models.AgentFailed, out.Status)
	assert.Zero(t, out.Confidence)
	assert.Equal(t, 3, calls)
}

func TestRunNonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	r := testRunner(t, func(_ context.Context, _ provider.Request) (provider.Response, *provider.Usage, error) {
		calls++
		return provider.Response{}, nil, errs.New(errs.Validation, "bad request")
	}, nil)

	out := r.Run(context.Background(), testIncident(), models.RoleDiagnosis)
	assert.Equal(t, models.AgentFailed, out.Status)
	assert.Equal(t, 1, calls)
}

func TestRunMalformedResponseIsValidationFailure(t *testing.T) {
	r := testRunner(t, func(_ context.Context, _ provider.Request) (provider.Response, *provider.Usage, error) {
		return provider.Response{Text: "I could not produce JSON, sorry."}, nil, nil
	}, nil)

	out := r.Run(context.Background(), testIncident(), models.RoleDiagnosis)
	assert.Equal(t, models.AgentFailed, out.Status)
	assert.Contains(t, out.Error, "validation")
}

func TestRunGuardrailBlockCoercesToFailed(t *testing.T) {
	blocked := ScriptedGuardrail{
		models.RoleResolution: {Verdict: models.GuardrailBlock, Reason: "touches production database"},
	}
	r := testRunner(t, func(_ context.Context, _ provider.Request) (provider.Response, *provider.Usage, error) {
		return provider.Response{Text: wellFormed(0.95)}, nil, nil
	}, blocked)

	out := r.Run(context.Background(), testIncident(), models.RoleResolution)
	assert.Equal(t, models.AgentFailed, out.Status)
	assert.Zero(t, out.Confidence)
	assert.Equal(t, models.GuardrailBlock, out.Guardrail.Verdict)
	assert.Contains(t, out.Error, "touches production database")
}

func TestRunCancelledContext(t *testing.T) {
	started := make(chan struct{})
	r := testRunner(t, func(ctx context.Context, _ provider.Request) (provider.Response, *provider.Usage, error) {
		close(started)
		<-ctx.Done()
		return provider.Response{}, nil, ctx.Err()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out := r.Run(ctx, testIncident(), models.RoleDiagnosis)
	assert.Equal(t, models.AgentCancelled, out.Status)
}

func TestRunUnconfiguredRole(t *testing.T) {
	r := testRunner(t, func(_ context.Context, _ provider.Request) (provider.Response, *provider.Usage, error) {
		return provider.Response{Text: wellFormed(0.9)}, nil, nil
	}, nil)

	out := r.Run(context.Background(), testIncident(), models.RoleCommunication)
	assert.Equal(t, models.AgentFailed, out.Status)
	assert.Contains(t, out.Error, "no provider configured")
}

func TestBuildPromptIncludesPriorFindings(t *testing.T) {
	inc := testIncident()
	inc.AgentOutputs = map[models.AgentRole]models.AgentOutput{
		models.RoleDetection: {
			Role:       models.RoleDetection,
			Status:     models.AgentCompleted,
			Confidence: 0.9,
			Proposal:   json.RawMessage(`{"classification":"real"}`),
		},
	}

	system, user := BuildPrompt(inc, models.RoleDiagnosis)
	assert.Contains(t, system, "Diagnosis")
	assert.Contains(t, user, inc.ID)
	assert.Contains(t, user, "HighErrorRate")
	assert.Contains(t, user, "Prior Agent Findings")
	assert.Contains(t, user, `"classification":"real"`)

	// Detection runs first and must not see later-phase output.
	_, first := BuildPrompt(inc, models.RoleDetection)
	assert.NotContains(t, first, "Prior Agent Findings")
}
