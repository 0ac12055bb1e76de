// Package provider is the uniform contract over external AI providers. The
// facade selects a transport per provider id, translates transport failures
// into the shared error taxonomy, accounts tokens and spend, and publishes a
// provider.call record for every invocation.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sentinelops/aegis/pkg/bus"
	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/secrets"
)

// Request is one model invocation. Payload semantics belong to the caller;
// the facade only routes and accounts.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int64
}

// Response is the raw model output.
type Response struct {
	Text string
}

// Usage is the structured counters a transport reports, or nil when the
// provider exposes none.
type Usage struct {
	TokensIn   int64 `json:"tokens_in"`
	TokensOut  int64 `json:"tokens_out"`
	CostMicros int64 `json:"cost_micros"`
	LatencyMs  int64 `json:"latency_ms"`
}

// Transport is one concrete provider integration.
type Transport interface {
	Invoke(ctx context.Context, req Request) (Response, *Usage, error)
}

// TransportError carries the HTTP status of a failed provider call so the
// retry layer can distinguish transient server failures from caller bugs.
type TransportError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CallRecord is the payload published on the provider.call topic.
type CallRecord struct {
	Provider   string `json:"provider"`
	Outcome    string `json:"outcome"` // "ok" or the error kind
	LatencyMs  int64  `json:"latency_ms"`
	TokensIn   int64  `json:"tokens_in"`
	TokensOut  int64  `json:"tokens_out"`
	CostMicros int64  `json:"cost_micros"`
}

type registered struct {
	cfg       config.ProviderConfig
	transport Transport
}

// Facade routes Invoke calls to registered transports.
type Facade struct {
	providers map[string]registered
	budgets   *BudgetTracker
	clk       clock.Clock
	broker    *bus.Bus
	logger    *slog.Logger
}

// NewFacade creates an empty facade; register transports with Register.
// broker may be nil (no call records published).
func NewFacade(clk clock.Clock, broker *bus.Bus, logger *slog.Logger) *Facade {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		providers: make(map[string]registered),
		budgets:   NewBudgetTracker(clk),
		clk:       clk,
		broker:    broker,
		logger:    logger,
	}
}

// Register binds a transport to a provider id.
func (f *Facade) Register(cfg config.ProviderConfig, t Transport) error {
	if cfg.ID == "" {
		return errs.Validationf("id", "provider id is required")
	}
	if t == nil {
		return errs.Validationf("transport", "transport is required")
	}
	if _, exists := f.providers[cfg.ID]; exists {
		return errs.Validationf("id", "provider %q already registered", cfg.ID)
	}
	f.providers[cfg.ID] = registered{cfg: cfg, transport: t}
	return nil
}

// RegisterFromConfig builds and registers the transport each config entry
// declares, resolving API keys through src.
func (f *Facade) RegisterFromConfig(cfgs []config.ProviderConfig, src secrets.Source) error {
	for _, pc := range cfgs {
		t, err := buildTransport(pc, src)
		if err != nil {
			return fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		if err := f.Register(pc, t); err != nil {
			return err
		}
	}
	return nil
}

func buildTransport(pc config.ProviderConfig, src secrets.Source) (Transport, error) {
	switch pc.Type {
	case config.TransportStub:
		return NewStubTransport(nil), nil
	case config.TransportAnthropic, config.TransportOpenAI:
		key, err := src.GetSecret(pc.SecretName)
		if err != nil {
			return nil, fmt.Errorf("resolving secret: %w", err)
		}
		if pc.Type == config.TransportAnthropic {
			return NewAnthropicTransport(pc, key), nil
		}
		return NewOpenAITransport(pc, key)
	default:
		return nil, errs.Validationf("type", "unknown transport type %q", pc.Type)
	}
}

// Invoke calls the named provider. Spend is checked against the monthly
// budget before the call and recorded after it; every call, failed or not,
// publishes a provider.call record.
func (f *Facade) Invoke(ctx context.Context, providerID string, req Request) (Response, *Usage, error) {
	reg, ok := f.providers[providerID]
	if !ok {
		return Response{}, nil, errs.Newf(errs.NotFound, "provider %q is not registered", providerID)
	}

	if budget := reg.cfg.MonthlyBudgetMicros; budget > 0 {
		if spent := f.budgets.Spent(providerID); spent >= budget {
			f.publishRecord(ctx, CallRecord{Provider: providerID, Outcome: errs.BudgetExceeded.String()})
			return Response{}, nil, errs.Newf(errs.BudgetExceeded,
				"provider %s monthly budget exhausted (%d of %d micros)", providerID, spent, budget)
		}
	}

	if req.MaxTokens <= 0 {
		req.MaxTokens = reg.cfg.MaxTokens
	}

	started := f.clk.Now()
	resp, usage, err := reg.transport.Invoke(ctx, req)
	latency := f.clk.Now().Sub(started).Milliseconds()

	if usage == nil {
		usage = &Usage{}
	}
	usage.LatencyMs = latency
	if usage.CostMicros == 0 {
		usage.CostMicros = costMicros(reg.cfg, usage.TokensIn, usage.TokensOut)
	}
	f.budgets.Record(providerID, usage.CostMicros)

	rec := CallRecord{
		Provider:   providerID,
		Outcome:    "ok",
		LatencyMs:  latency,
		TokensIn:   usage.TokensIn,
		TokensOut:  usage.TokensOut,
		CostMicros: usage.CostMicros,
	}
	if err != nil {
		rec.Outcome = errs.KindOf(err).String()
	}
	f.publishRecord(ctx, rec)

	if err != nil {
		return Response{}, usage, err
	}
	return resp, usage, nil
}

// Spent returns the provider's spend for the current month, in micros.
func (f *Facade) Spent(providerID string) int64 {
	return f.budgets.Spent(providerID)
}

func (f *Facade) publishRecord(ctx context.Context, rec CallRecord) {
	if f.broker == nil {
		return
	}
	err := f.broker.Publish(ctx, bus.Message{
		Topic:    bus.TopicProviderCall,
		Priority: bus.PriorityLow,
		Payload:  rec,
	})
	if err != nil {
		f.logger.Warn("Failed to publish provider call record",
			"provider", rec.Provider, "error", err)
	}
}

// costMicros prices a call from the per-1000-token rates.
func costMicros(cfg config.ProviderConfig, in, out int64) int64 {
	return (in*cfg.InputCostMicros + out*cfg.OutputCostMicros) / 1000
}

// IsRetryable reports whether a provider error is worth another attempt:
// timeouts, throttling, and 5xx server failures are; everything else
// (validation, guardrail, budget, cancellation) is not.
func IsRetryable(err error) bool {
	switch errs.KindOf(err) {
	case errs.Timeout, errs.Throttled:
		return true
	}
	var te *TransportError
	if AsTransportError(err, &te) {
		return te.StatusCode >= 500
	}
	return false
}

// AsTransportError extracts a TransportError from the chain.
func AsTransportError(err error, target **TransportError) bool {
	for err != nil {
		if te, ok := err.(*TransportError); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
