// Package consensus turns the per-role agent outputs of an incident into a
// single weighted approve/reject decision.
package consensus

import (
	"log/slog"
	"math"

	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/models"
)

// weightTolerance bounds float drift in weight sums and threshold
// comparisons, so a threshold is reachable by exact equality.
const weightTolerance = 1e-9

// Config carries the voting weights and thresholds.
//
// Roles with weight > 0 vote; weight 0 marks a role informational (recorded,
// excluded from the arithmetic). Roles absent from the map take no part.
type Config struct {
	Weights           map[models.AgentRole]float64 `yaml:"weights"`
	AgreeThreshold    float64                      `yaml:"agree_threshold"`
	DecisionThreshold float64                      `yaml:"decision_threshold"`
}

// DefaultConfig returns the standard four-voter split with the COMMUNICATION
// role informational.
func DefaultConfig() Config {
	return Config{
		Weights: map[models.AgentRole]float64{
			models.RoleDetection:     0.2,
			models.RoleDiagnosis:     0.4,
			models.RolePrediction:    0.3,
			models.RoleResolution:    0.1,
			models.RoleCommunication: 0,
		},
		AgreeThreshold:    0.6,
		DecisionThreshold: 0.85,
	}
}

// ValidateWeights checks that every weight is in [0,1], every role is known,
// and the voting weights sum to 1 within tolerance.
func ValidateWeights(weights map[models.AgentRole]float64) error {
	if len(weights) == 0 {
		return errs.New(errs.Validation, "consensus weights are empty")
	}
	var sum float64
	voting := 0
	for role, w := range weights {
		if !role.IsValid() {
			return errs.Validationf("weights", "unknown role %q", role)
		}
		if w < 0 || w > 1 {
			return errs.Validationf("weights", "role %s weight %v outside [0,1]", role, w)
		}
		if w > 0 {
			voting++
			sum += w
		}
	}
	if voting == 0 {
		return errs.New(errs.Validation, "no voting roles: every weight is zero")
	}
	if math.Abs(sum-1) > weightTolerance {
		return errs.Validationf("weights", "voting weights sum to %v, want 1", sum)
	}
	return nil
}

// FaultBudget returns the number of faulty or silent voting roles the
// decision tolerates: floor((n-1)/3).
func FaultBudget(votingRoles int) int {
	if votingRoles <= 0 {
		return 0
	}
	return (votingRoles - 1) / 3
}

// Engine computes decisions. It is stateless apart from configuration and
// safe for concurrent use.
type Engine struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger
}

// NewEngine validates the weight map and returns a ready engine.
func NewEngine(cfg Config, clk clock.Clock, logger *slog.Logger) (*Engine, error) {
	if err := ValidateWeights(cfg.Weights); err != nil {
		return nil, err
	}
	if cfg.AgreeThreshold < 0 || cfg.AgreeThreshold > 1 {
		return nil, errs.Validationf("agree_threshold", "value %v outside [0,1]", cfg.AgreeThreshold)
	}
	if cfg.DecisionThreshold < 0 || cfg.DecisionThreshold > 1 {
		return nil, errs.Validationf("decision_threshold", "value %v outside [0,1]", cfg.DecisionThreshold)
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, clk: clk, logger: logger}, nil
}

// Decide folds the outputs into a ConsensusResult.
//
// A role agrees iff its output is COMPLETED, its confidence clears the agree
// threshold and its guardrail passed. FAILED, CANCELLED or absent outputs are
// non-agreements, never blocks. A guardrail BLOCK on the RESOLUTION output
// rejects the decision regardless of the numeric score.
func (e *Engine) Decide(outputs map[models.AgentRole]models.AgentOutput) models.ConsensusResult {
	result := models.ConsensusResult{
		Threshold: e.cfg.DecisionThreshold,
		DecidedAt: e.clk.Now(),
	}

	voting := 0
	for _, role := range models.AllRoles() {
		weight, ok := e.cfg.Weights[role]
		if !ok {
			continue
		}
		out, present := outputs[role]

		agreed := present &&
			out.Status == models.AgentCompleted &&
			out.Confidence >= e.cfg.AgreeThreshold &&
			out.Guardrail.Passed()

		vote := models.Vote{
			Role:          role,
			Weight:        weight,
			Confidence:    out.Confidence,
			Agreed:        agreed,
			Informational: weight == 0,
		}
		result.Votes = append(result.Votes, vote)

		if weight > 0 {
			voting++
			if agreed {
				result.WeightedScore += weight
			}
		}

		if role == models.RoleResolution && present && out.Guardrail.Verdict == models.GuardrailBlock {
			result.BlockReason = out.Guardrail.Reason
		}
	}

	result.Approved = result.WeightedScore >= e.cfg.DecisionThreshold-weightTolerance &&
		result.BlockReason == ""

	e.logger.Info("consensus decided",
		"weighted_score", result.WeightedScore,
		"threshold", result.Threshold,
		"approved", result.Approved,
		"voting_roles", voting,
		"fault_budget", FaultBudget(voting),
		"block_reason", result.BlockReason)

	return result
}
