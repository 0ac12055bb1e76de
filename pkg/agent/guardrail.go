package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sentinelops/aegis/pkg/models"
)

// Guardrail validates an agent proposal before it enters consensus. A BLOCK
// verdict coerces the run to failed; an error from the check itself is an
// infrastructure failure, not a verdict.
type Guardrail interface {
	Check(ctx context.Context, role models.AgentRole, proposal json.RawMessage) (models.GuardrailResult, error)
}

// PolicyGuardrail is the built-in rule set. Non-resolution proposals pass;
// resolution plans are screened for forbidden action kinds and unbounded
// size.
type PolicyGuardrail struct {
	// BlockedKinds are action kinds never authorized for autonomous
	// execution (kind match is exact, case-insensitive).
	BlockedKinds []string
	// MaxPlanActions bounds a resolution plan; 0 means no bound.
	MaxPlanActions int
}

// DefaultPolicyGuardrail blocks the irreversible infrastructure actions and
// caps plans at 10 steps.
func DefaultPolicyGuardrail() *PolicyGuardrail {
	return &PolicyGuardrail{
		BlockedKinds: []string{
			"delete_database",
			"delete_volume",
			"drop_table",
			"terminate_cluster",
			"revoke_all_access",
		},
		MaxPlanActions: 10,
	}
}

func (g *PolicyGuardrail) Check(_ context.Context, role models.AgentRole, proposal json.RawMessage) (models.GuardrailResult, error) {
	if role != models.RoleResolution || len(proposal) == 0 {
		return models.GuardrailResult{Verdict: models.GuardrailPass}, nil
	}

	var plan models.ResolutionPlan
	if err := json.Unmarshal(proposal, &plan); err != nil {
		return models.GuardrailResult{
			Verdict: models.GuardrailBlock,
			Reason:  fmt.Sprintf("resolution proposal is not a valid plan: %v", err),
		}, nil
	}

	if g.MaxPlanActions > 0 && len(plan.Actions) > g.MaxPlanActions {
		return models.GuardrailResult{
			Verdict: models.GuardrailBlock,
			Reason:  fmt.Sprintf("plan has %d actions, limit is %d", len(plan.Actions), g.MaxPlanActions),
		}, nil
	}

	for _, action := range plan.Actions {
		for _, blocked := range g.BlockedKinds {
			if strings.EqualFold(action.Kind, blocked) {
				return models.GuardrailResult{
					Verdict: models.GuardrailBlock,
					Reason:  fmt.Sprintf("action kind %q is not authorized for autonomous execution", action.Kind),
				}, nil
			}
		}
	}
	return models.GuardrailResult{Verdict: models.GuardrailPass}, nil
}

// ScriptedGuardrail returns a fixed verdict per role; used in tests.
type ScriptedGuardrail map[models.AgentRole]models.GuardrailResult

func (s ScriptedGuardrail) Check(_ context.Context, role models.AgentRole, _ json.RawMessage) (models.GuardrailResult, error) {
	if res, ok := s[role]; ok {
		return res, nil
	}
	return models.GuardrailResult{Verdict: models.GuardrailPass}, nil
}
