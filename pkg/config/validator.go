package config

import (
	"fmt"

	"github.com/sentinelops/aegis/pkg/consensus"
)

// ConfigValidator validates configuration comprehensively with clear error
// messages.
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast, stops at the
// first error). Providers validate before agents so role bindings can be
// checked against a known-good provider set.
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateLogging(); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}
	if err := v.validateWorkers(); err != nil {
		return fmt.Errorf("workers validation failed: %w", err)
	}
	if err := v.validateProviders(); err != nil {
		return fmt.Errorf("provider validation failed: %w", err)
	}
	if err := v.validateAgents(); err != nil {
		return fmt.Errorf("agents validation failed: %w", err)
	}
	if err := v.validateConsensus(); err != nil {
		return fmt.Errorf("consensus validation failed: %w", err)
	}
	if err := v.validateBus(); err != nil {
		return fmt.Errorf("bus validation failed: %w", err)
	}
	if err := v.validateHub(); err != nil {
		return fmt.Errorf("hub validation failed: %w", err)
	}
	if err := v.validateStore(); err != nil {
		return fmt.Errorf("store validation failed: %w", err)
	}
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateLogging() error {
	switch v.cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return NewValidationError("logging", "", "level",
			fmt.Errorf("%w: %q", ErrInvalidValue, v.cfg.Logging.Level))
	}
	switch v.cfg.Logging.Format {
	case "json", "text":
	default:
		return NewValidationError("logging", "", "format",
			fmt.Errorf("%w: %q", ErrInvalidValue, v.cfg.Logging.Format))
	}
	return nil
}

func (v *ConfigValidator) validateWorkers() error {
	if v.cfg.Workers.Max < 1 {
		return NewValidationError("workers", "", "max", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.Workers.Stripes < 1 {
		return NewValidationError("workers", "", "stripes", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *ConfigValidator) validateProviders() error {
	seen := make(map[string]bool, len(v.cfg.Providers))
	for _, p := range v.cfg.Providers {
		if p.ID == "" {
			return NewValidationError("providers", "", "id", ErrMissingRequiredField)
		}
		if seen[p.ID] {
			return NewValidationError("providers", p.ID, "id", fmt.Errorf("duplicate provider id"))
		}
		seen[p.ID] = true
		if !p.Type.IsValid() {
			return NewValidationError("providers", p.ID, "type",
				fmt.Errorf("%w: %q", ErrInvalidValue, p.Type))
		}
		if p.Type != TransportStub && p.Model == "" {
			return NewValidationError("providers", p.ID, "model", ErrMissingRequiredField)
		}
		if p.Type != TransportStub && p.SecretName == "" {
			return NewValidationError("providers", p.ID, "secret_name", ErrMissingRequiredField)
		}
		if p.MonthlyBudgetMicros < 0 {
			return NewValidationError("providers", p.ID, "monthly_budget_micros",
				fmt.Errorf("must not be negative"))
		}
	}
	return nil
}

func (v *ConfigValidator) validateAgents() error {
	for role, d := range v.cfg.Agents.Timeouts {
		if !role.IsValid() {
			return NewValidationError("agents", string(role), "timeouts",
				fmt.Errorf("%w: unknown role", ErrInvalidValue))
		}
		if d <= 0 {
			return NewValidationError("agents", string(role), "timeouts",
				fmt.Errorf("must be positive"))
		}
	}
	for role, id := range v.cfg.Agents.Providers {
		if !role.IsValid() {
			return NewValidationError("agents", string(role), "providers",
				fmt.Errorf("%w: unknown role", ErrInvalidValue))
		}
		if _, ok := v.cfg.Provider(id); !ok {
			return NewValidationError("agents", string(role), "providers",
				fmt.Errorf("%w: provider '%s' not declared", ErrInvalidReference, id))
		}
	}
	if err := consensus.ValidateWeights(v.cfg.Agents.Weights); err != nil {
		return NewValidationError("agents", "", "weights", err)
	}
	return nil
}

func (v *ConfigValidator) validateConsensus() error {
	if t := v.cfg.Consensus.Threshold; t < 0 || t > 1 {
		return NewValidationError("consensus", "", "threshold",
			fmt.Errorf("%w: %v outside [0,1]", ErrInvalidValue, t))
	}
	if t := v.cfg.Consensus.AgreeThreshold; t < 0 || t > 1 {
		return NewValidationError("consensus", "", "agree_threshold",
			fmt.Errorf("%w: %v outside [0,1]", ErrInvalidValue, t))
	}
	return nil
}

func (v *ConfigValidator) validateBus() error {
	if v.cfg.Bus.MaxAttempts < 1 {
		return NewValidationError("bus", "", "max_attempts", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.Bus.PendingLimit < 1 {
		return NewValidationError("bus", "", "pending_limit", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *ConfigValidator) validateHub() error {
	if v.cfg.Hub.Batch.MaxSize < 1 {
		return NewValidationError("hub", "", "batch.max_size", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.Hub.Batch.MaxLatency <= 0 {
		return NewValidationError("hub", "", "batch.max_latency", fmt.Errorf("must be positive"))
	}
	if v.cfg.Hub.Queue.Depth < 1 {
		return NewValidationError("hub", "", "queue.depth", fmt.Errorf("must be at least 1"))
	}
	if !v.cfg.Hub.Queue.OverflowPolicy.IsValid() {
		return NewValidationError("hub", "", "queue.overflow_policy",
			fmt.Errorf("%w: %q", ErrInvalidValue, v.cfg.Hub.Queue.OverflowPolicy))
	}
	if v.cfg.Hub.CatchupLimit < 0 {
		return NewValidationError("hub", "", "catchup_limit", fmt.Errorf("must not be negative"))
	}
	return nil
}

func (v *ConfigValidator) validateStore() error {
	if !v.cfg.Store.Backend.IsValid() {
		return NewValidationError("store", "", "backend",
			fmt.Errorf("%w: %q", ErrInvalidValue, v.cfg.Store.Backend))
	}
	if v.cfg.Store.Backend == StoreLevelDB && v.cfg.Store.Path == "" {
		return NewValidationError("store", "", "path", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	if v.cfg.Server.RPCAddr == "" {
		return NewValidationError("server", "", "rpc_addr", ErrMissingRequiredField)
	}
	if v.cfg.Server.HTTPAddr == "" {
		return NewValidationError("server", "", "http_addr", ErrMissingRequiredField)
	}
	cert, key := v.cfg.Server.TLSCertFile, v.cfg.Server.TLSKeyFile
	if (cert == "") != (key == "") {
		return NewValidationError("server", "", "tls_cert_file",
			fmt.Errorf("tls_cert_file and tls_key_file must be set together"))
	}
	return nil
}
