package config

import (
	"runtime"
	"time"

	"github.com/sentinelops/aegis/pkg/models"
	"github.com/sentinelops/aegis/pkg/resilience"
)

// DefaultAgentTimeout bounds a role's run when no per-role timeout is set.
const DefaultAgentTimeout = 2 * time.Minute

// Defaults returns the built-in configuration. User YAML merges over this, so
// every field here must be a sensible production value.
func Defaults() *Config {
	enabled := true
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Workers: WorkersConfig{
			Max:     runtime.NumCPU() * 2,
			Stripes: 16,
		},
		Incident: IncidentConfig{
			DedupWindow:     5 * time.Minute,
			RetentionGrace:  5 * time.Minute,
			DefaultSeverity: models.SeverityMedium,
		},
		Agents: AgentsConfig{
			Timeouts: map[models.AgentRole]time.Duration{
				models.RoleDetection:     DefaultAgentTimeout,
				models.RoleDiagnosis:     DefaultAgentTimeout,
				models.RolePrediction:    DefaultAgentTimeout,
				models.RoleResolution:    DefaultAgentTimeout,
				models.RoleCommunication: DefaultAgentTimeout,
			},
			Weights: map[models.AgentRole]float64{
				models.RoleDetection:     0.2,
				models.RoleDiagnosis:     0.4,
				models.RolePrediction:    0.3,
				models.RoleResolution:    0.1,
				models.RoleCommunication: 0,
			},
			Providers: map[models.AgentRole]string{},
			MaxTokens: 4096,
		},
		Consensus: ConsensusConfig{
			Threshold:      0.85,
			AgreeThreshold: 0.6,
		},
		Breakers: BreakersConfig{
			Defaults: BreakerConfig{
				FailureThreshold: 5,
				Window:           60 * time.Second,
				Cooldown:         30 * time.Second,
			},
		},
		RateLimits: map[string]RateLimitConfig{
			"default": {
				Capacity:   10,
				RefillRate: 2,
				IdleTTL:    10 * time.Minute,
			},
		},
		Bus: BusConfig{
			MaxAttempts:  5,
			PendingLimit: 4096,
			Retry:        resilience.DefaultRetryPolicy(),
		},
		Hub: HubConfig{
			Batch: HubBatchConfig{
				MaxSize:    10,
				MaxLatency: 100 * time.Millisecond,
			},
			Queue: HubQueueConfig{
				Depth:          256,
				OverflowPolicy: OverflowDropOldest,
			},
			CatchupLimit: 200,
		},
		Store: StoreConfig{
			Backend: StoreMemory,
			Path:    "./data/events",
		},
		Metrics: MetricsConfig{
			MTTRWindow:       1000,
			MTTRMaxAge:       7 * 24 * time.Hour,
			SnapshotInterval: 30 * time.Second,
			RebuildDepth:     10000,
		},
		Server: ServerConfig{
			RPCAddr:  ":9090",
			HTTPAddr: ":8080",
		},
		Masking: MaskingConfig{
			Enabled:      &enabled,
			PatternGroup: "security",
		},
	}
}
