// Package agent runs a single specialist role against an incident snapshot:
// prompt construction, the guarded provider call, response parsing, and the
// guardrail verdict. The orchestrator sequences roles; this package knows
// nothing about phases.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sentinelops/aegis/pkg/bus"
	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/models"
	"github.com/sentinelops/aegis/pkg/provider"
	"github.com/sentinelops/aegis/pkg/resilience"
)

// maxProviderAttempts caps one role run at 3 provider calls total.
const maxProviderAttempts = 3

// Update is the payload published on the agent.update topic around each run.
type Update struct {
	IncidentID string             `json:"incident_id"`
	Role       models.AgentRole   `json:"role"`
	Status     models.AgentStatus `json:"status"`
	Confidence float64            `json:"confidence,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Runner invokes one role at a time. Safe for concurrent use; all state lives
// in the injected dependencies.
type Runner struct {
	cfg       config.AgentsConfig
	facade    *provider.Facade
	breakers  *resilience.BreakerGroup
	limiter   *resilience.RateLimiter
	retry     resilience.RetryPolicy
	guardrail Guardrail
	broker    *bus.Bus
	clk       clock.Clock
	logger    *slog.Logger
}

// NewRunner wires a runner. broker may be nil; a nil guardrail uses the
// built-in policy.
func NewRunner(
	cfg config.AgentsConfig,
	facade *provider.Facade,
	breakers *resilience.BreakerGroup,
	limiter *resilience.RateLimiter,
	retry resilience.RetryPolicy,
	guardrail Guardrail,
	broker *bus.Bus,
	clk clock.Clock,
	logger *slog.Logger,
) *Runner {
	if guardrail == nil {
		guardrail = DefaultPolicyGuardrail()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		facade:    facade,
		breakers:  breakers,
		limiter:   limiter,
		retry:     retry,
		guardrail: guardrail,
		broker:    broker,
		clk:       clk,
		logger:    logger.With("component", "agent_runner"),
	}
}

// Run executes one role against an incident snapshot and always returns a
// terminal AgentOutput; failures are encoded in the output, never panicked or
// swallowed.
func (r *Runner) Run(ctx context.Context, incident *models.Incident, role models.AgentRole) models.AgentOutput {
	started := r.clk.Now()
	out := models.AgentOutput{Role: role, Status: models.AgentRunning}
	logger := r.logger.With("incident_id", incident.ID, "role", role)

	r.publishUpdate(ctx, incident.ID, out)

	providerID := r.cfg.ProviderFor(role)
	if providerID == "" {
		return r.finish(ctx, incident.ID, started, r.fail(out, models.AgentFailed,
			errs.Validationf("role", "no provider configured for role %s", role)))
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.TimeoutFor(role))
	defer cancel()

	if err := r.limiter.Acquire(ctx, providerID, 1); err != nil {
		return r.finish(ctx, incident.ID, started, r.failFromErr(out, err))
	}

	system, prompt := BuildPrompt(incident, role)
	req := provider.Request{System: system, Prompt: prompt, MaxTokens: r.cfg.MaxTokens}
	breaker := r.breakers.Get(string(role))

	var resp provider.Response
	err := r.retry.Do(ctx, maxProviderAttempts, provider.IsRetryable, func(ctx context.Context) error {
		v, callErr := breaker.Call(ctx, func(ctx context.Context) (any, error) {
			res, usage, invokeErr := r.facade.Invoke(ctx, providerID, req)
			if usage != nil {
				out.TokensIn += usage.TokensIn
				out.TokensOut += usage.TokensOut
				out.CostMicros += usage.CostMicros
			}
			return res, invokeErr
		})
		if callErr != nil {
			return callErr
		}
		resp = v.(provider.Response)
		return nil
	})
	if err != nil {
		logger.Warn("Provider call failed", "provider", providerID, "error", err)
		return r.finish(ctx, incident.ID, started, r.failFromErr(out, err))
	}

	parsed, err := parseResponse(resp.Text)
	if err != nil {
		logger.Warn("Provider response rejected", "provider", providerID, "error", err)
		return r.finish(ctx, incident.ID, started, r.fail(out, models.AgentFailed, err))
	}
	out.Proposal = parsed.Proposal
	out.Evidence = parsed.Evidence

	verdict, err := r.guardrail.Check(ctx, role, parsed.Proposal)
	if err != nil {
		return r.finish(ctx, incident.ID, started, r.fail(out, models.AgentFailed,
			errs.Wrap(errs.Internal, "guardrail check failed", err)))
	}
	out.Guardrail = verdict
	if verdict.Verdict == models.GuardrailBlock {
		logger.Info("Guardrail blocked proposal", "reason", verdict.Reason)
		out.Status = models.AgentFailed
		out.Confidence = 0
		out.Error = errs.Newf(errs.GuardrailBlock, "guardrail blocked: %s", verdict.Reason).Error()
		return r.finish(ctx, incident.ID, started, out)
	}

	out.Status = models.AgentCompleted
	out.Confidence = parsed.Confidence
	return r.finish(ctx, incident.ID, started, out)
}

// fail stamps a terminal failure status onto the output.
func (r *Runner) fail(out models.AgentOutput, status models.AgentStatus, err error) models.AgentOutput {
	out.Status = status
	out.Confidence = 0
	out.Error = err.Error()
	return out
}

// failFromErr classifies an infrastructure error: caller cancellation yields
// CANCELLED, everything else FAILED.
func (r *Runner) failFromErr(out models.AgentOutput, err error) models.AgentOutput {
	status := models.AgentFailed
	if errs.KindOf(err) == errs.Cancelled || errors.Is(err, context.Canceled) {
		status = models.AgentCancelled
	}
	return r.fail(out, status, err)
}

// finish records latency and publishes the terminal update.
func (r *Runner) finish(ctx context.Context, incidentID string, started time.Time, out models.AgentOutput) models.AgentOutput {
	out.LatencyMs = r.clk.Now().Sub(started).Milliseconds()
	r.publishUpdate(ctx, incidentID, out)
	return out
}

func (r *Runner) publishUpdate(ctx context.Context, incidentID string, out models.AgentOutput) {
	if r.broker == nil {
		return
	}
	err := r.broker.Publish(ctx, bus.Message{
		Topic:    bus.TopicAgentUpdate,
		Priority: bus.PriorityMedium,
		Payload: Update{
			IncidentID: incidentID,
			Role:       out.Role,
			Status:     out.Status,
			Confidence: out.Confidence,
			Error:      out.Error,
		},
	})
	if err != nil {
		r.logger.Warn("Failed to publish agent update",
			"incident_id", incidentID, "role", out.Role, "error", err)
	}
}
