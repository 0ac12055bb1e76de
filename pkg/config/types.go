package config

import (
	"time"

	"github.com/sentinelops/aegis/pkg/models"
	"github.com/sentinelops/aegis/pkg/resilience"
)

// Config is the fully resolved runtime configuration. Built by Initialize;
// read-only afterwards.
type Config struct {
	configDir string

	Logging   LoggingConfig   `yaml:"logging"`
	Workers   WorkersConfig   `yaml:"workers"`
	Incident  IncidentConfig  `yaml:"incident"`
	Agents    AgentsConfig    `yaml:"agents"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Breakers  BreakersConfig  `yaml:"breakers"`
	// RateLimits maps provider id to its token bucket; the "default" key
	// applies to providers without an entry.
	RateLimits map[string]RateLimitConfig `yaml:"ratelimits"`
	Bus        BusConfig                  `yaml:"bus"`
	Hub        HubConfig                  `yaml:"hub"`
	Store      StoreConfig                `yaml:"store"`
	Providers  []ProviderConfig           `yaml:"providers"`
	Metrics    MetricsConfig              `yaml:"metrics"`
	Server     ServerConfig               `yaml:"server"`
	Masking    MaskingConfig              `yaml:"masking"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// Provider returns the provider entry with the given id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// LoggingConfig controls the slog handler installed in main.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// WorkersConfig sizes the orchestrator's worker pool.
type WorkersConfig struct {
	// Max bounds concurrently processed incidents across all stripes.
	Max int `yaml:"max"`
	// Stripes is the number of serialization stripes incidents hash onto.
	Stripes int `yaml:"stripes"`
}

// IncidentConfig tunes incident lifecycle behavior.
type IncidentConfig struct {
	// DedupWindow is how long a fingerprint coalesces repeat alerts onto the
	// same open incident.
	DedupWindow time.Duration `yaml:"dedup_window"`
	// RetentionGrace keeps closed incidents in memory for late subscribers.
	RetentionGrace time.Duration `yaml:"retention_grace"`
	// DefaultSeverity applies when an alert carries no severity hint.
	DefaultSeverity models.Severity `yaml:"default_severity"`
}

// AgentsConfig wires roles to providers and bounds their runs.
type AgentsConfig struct {
	Timeouts map[models.AgentRole]time.Duration `yaml:"timeouts"`
	// Weights feed the consensus engine; voting weights must sum to 1.
	Weights map[models.AgentRole]float64 `yaml:"weights"`
	// Providers names the provider id backing each role.
	Providers map[models.AgentRole]string `yaml:"providers"`
	// MaxTokens bounds a single agent call; 0 uses the provider default.
	MaxTokens int64 `yaml:"max_tokens"`
}

// TimeoutFor returns the configured timeout for role, or the default.
func (a AgentsConfig) TimeoutFor(role models.AgentRole) time.Duration {
	if d, ok := a.Timeouts[role]; ok && d > 0 {
		return d
	}
	return DefaultAgentTimeout
}

// ProviderFor returns the provider id backing role.
func (a AgentsConfig) ProviderFor(role models.AgentRole) string {
	return a.Providers[role]
}

// ConsensusConfig carries the decision thresholds.
type ConsensusConfig struct {
	Threshold      float64 `yaml:"threshold"`
	AgreeThreshold float64 `yaml:"agree_threshold"`
}

// BreakersConfig holds the default circuit breaker settings plus per-dependency
// overrides keyed by dependency name.
type BreakersConfig struct {
	Defaults  BreakerConfig            `yaml:"defaults"`
	Overrides map[string]BreakerConfig `yaml:"overrides"`
}

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// RateLimitConfig is one provider's token bucket.
type RateLimitConfig struct {
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"` // tokens per second
	IdleTTL    time.Duration `yaml:"idle_ttl"`
}

// BusConfig tunes the in-process message broker.
type BusConfig struct {
	MaxAttempts  int                    `yaml:"max_attempts"`
	PendingLimit int                    `yaml:"pending_limit"`
	Retry        resilience.RetryPolicy `yaml:"retry"`
}

// HubConfig tunes subscriber fan-out.
type HubConfig struct {
	Batch        HubBatchConfig `yaml:"batch"`
	Queue        HubQueueConfig `yaml:"queue"`
	CatchupLimit int            `yaml:"catchup_limit"`
}

// HubBatchConfig controls per-subscriber coalescing.
type HubBatchConfig struct {
	MaxSize    int           `yaml:"max_size"`
	MaxLatency time.Duration `yaml:"max_latency"`
}

// HubQueueConfig bounds per-subscriber queues.
type HubQueueConfig struct {
	Depth          int            `yaml:"depth"`
	OverflowPolicy OverflowPolicy `yaml:"overflow_policy"`
}

// StoreConfig selects and tunes the event store backend. Postgres connection
// parameters come from the environment (pkg/database), never from YAML.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend"`
	// Path is the on-disk location for the leveldb backend.
	Path string `yaml:"path"`
}

// ProviderConfig declares one external AI provider.
type ProviderConfig struct {
	ID        string        `yaml:"id"`
	Type      TransportType `yaml:"type"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	// SecretName is resolved through the secrets source; the key never
	// appears in YAML.
	SecretName string `yaml:"secret_name"`
	MaxTokens  int64  `yaml:"max_tokens"`
	// Pricing in micro-dollars per 1000 tokens.
	InputCostMicros  int64 `yaml:"input_cost_micros"`
	OutputCostMicros int64 `yaml:"output_cost_micros"`
	// MonthlyBudgetMicros caps spend per calendar month; 0 means unlimited.
	MonthlyBudgetMicros int64 `yaml:"monthly_budget_micros"`
}

// MetricsConfig tunes the metrics service.
type MetricsConfig struct {
	// MTTRWindow is the sample size for the resolution-time aggregate.
	MTTRWindow int `yaml:"mttr_window"`
	// MTTRMaxAge drops samples older than this from the window.
	MTTRMaxAge time.Duration `yaml:"mttr_max_age"`
	// SnapshotInterval paces metrics.snapshot publications on the bus.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// RebuildDepth bounds the event-tail scan on restart.
	RebuildDepth int `yaml:"rebuild_depth"`
}

// ServerConfig binds the two listeners.
type ServerConfig struct {
	RPCAddr  string `yaml:"rpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
	// TLS material for the RPC listener; both empty disables TLS (tests,
	// local runs behind a terminating proxy).
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	// AllowedWSOrigins is the origin allowlist for dashboard WebSockets.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// MaskingConfig controls alert payload scrubbing.
type MaskingConfig struct {
	Enabled      *bool  `yaml:"enabled"`
	PatternGroup string `yaml:"pattern_group"`
}
