package provider

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
	"github.com/sentinelops/aegis/pkg/secrets"
)

func stubConfig(id string) config.ProviderConfig {
	return config.ProviderConfig{
		ID:               id,
		Type:             config.TransportStub,
		MaxTokens:        1024,
		InputCostMicros:  3000,
		OutputCostMicros: 15000,
	}
}

func TestInvokeRoutesAndAccounts(t *testing.T) {
	f := NewFacade(clock.NewFake(time.Now()), nil, nil)
	cfg := stubConfig("main")
	require.NoError(t, f.Register(cfg, StubFunc(func(_ context.Context, _ Request) (Response, *Usage, error) {
		return Response{Text: "ok"}, &Usage{TokensIn: 1000, TokensOut: 2000}, nil
	})))

	resp, usage, err := f.Invoke(context.Background(), "main", Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	// 1000 in at 3000/1k plus 2000 out at 15000/1k.
	assert.Equal(t, int64(3000+30000), usage.CostMicros)
	assert.Equal(t, int64(33000), f.Spent("main"))
}

func TestInvokeUnknownProvider(t *testing.T) {
	f := NewFacade(nil, nil, nil)
	_, _, err := f.Invoke(context.Background(), "ghost", Request{Prompt: "x"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestBudgetExceededBlocksCall(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	f := NewFacade(clk, nil, nil)

	cfg := stubConfig("main")
	cfg.MonthlyBudgetMicros = 30000
	calls := 0
	require.NoError(t, f.Register(cfg, StubFunc(func(_ context.Context, _ Request) (Response, *Usage, error) {
		calls++
		return Response{Text: "ok"}, &Usage{TokensIn: 10000, TokensOut: 0}, nil
	})))

	// First call succeeds and burns through the budget.
	_, _, err := f.Invoke(context.Background(), "main", Request{Prompt: "a"})
	require.NoError(t, err)

	_, _, err = f.Invoke(context.Background(), "main", Request{Prompt: "b"})
	assert.ErrorIs(t, err, errs.ErrBudgetExceeded)
	assert.Equal(t, 1, calls)
}

func TestBudgetResetsNextMonth(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC))
	b := NewBudgetTracker(clk)
	b.Record("main", 500)
	assert.Equal(t, int64(500), b.Spent("main"))

	clk.Set(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, int64(0), b.Spent("main"))
}

func TestInvokeAppliesDefaultMaxTokens(t *testing.T) {
	f := NewFacade(nil, nil, nil)
	var seen int64
	require.NoError(t, f.Register(stubConfig("main"), StubFunc(func(_ context.Context, req Request) (Response, *Usage, error) {
		seen = req.MaxTokens
		return Response{}, nil, nil
	})))

	_, _, err := f.Invoke(context.Background(), "main", Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), seen)
}

func TestStubTransportDeterministic(t *testing.T) {
	s := NewStubTransport(nil)
	req := Request{Prompt: "disk pressure on node-7"}

	first, _, err := s.Invoke(context.Background(), req)
	require.NoError(t, err)
	second, _, err := s.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)

	var parsed struct {
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal([]byte(first.Text), &parsed))
	assert.GreaterOrEqual(t, parsed.Confidence, 0.80)
	assert.LessOrEqual(t, parsed.Confidence, 0.95)
}

func TestRegisterFromConfigResolvesSecrets(t *testing.T) {
	f := NewFacade(nil, nil, nil)
	cfgs := []config.ProviderConfig{
		{ID: "offline", Type: config.TransportStub},
	}
	require.NoError(t, f.RegisterFromConfig(cfgs, secrets.Static{}))

	cfgs = []config.ProviderConfig{
		{ID: "claude", Type: config.TransportAnthropic, Model: "claude-sonnet-4-5", SecretName: "ANTHROPIC_API_KEY"},
	}
	err := f.RegisterFromConfig(cfgs, secrets.Static{})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, f.RegisterFromConfig(cfgs, secrets.Static{"ANTHROPIC_API_KEY": "sk-test"}))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", errs.New(errs.Timeout, "deadline"), true},
		{"throttled", errs.New(errs.Throttled, "429"), true},
		{"server error", errs.Wrap(errs.Internal, "boom", &TransportError{StatusCode: 503}), true},
		{"client error", errs.Wrap(errs.Validation, "bad", &TransportError{StatusCode: 400}), false},
		{"circuit open", errs.New(errs.CircuitOpen, "open"), false},
		{"budget", errs.New(errs.BudgetExceeded, "spent"), false},
		{"plain", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
