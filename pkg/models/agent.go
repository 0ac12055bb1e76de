package models

import "encoding/json"

// EvidenceRef points at supporting material an agent cited.
type EvidenceRef struct {
	SourceID   string  `json:"source_id"`
	Similarity float64 `json:"similarity"` // in [0,1]
	Excerpt    string  `json:"excerpt"`
}

// GuardrailResult is the policy verdict over a proposal.
type GuardrailResult struct {
	Verdict GuardrailVerdict `json:"verdict"`
	Reason  string           `json:"reason,omitempty"`
}

// Passed reports whether the verdict is pass. The zero value (no check run)
// does not count as passed.
func (g GuardrailResult) Passed() bool {
	return g.Verdict == GuardrailPass
}

// AgentOutput is the result of one agent run. A guardrail block coerces
// Status to failed and Confidence to 0; the orchestrator relies on that.
type AgentOutput struct {
	Role       AgentRole       `json:"role"`
	Status     AgentStatus     `json:"status"`
	Confidence float64         `json:"confidence"` // in [0,1]; failed ⇒ 0
	Proposal   json.RawMessage `json:"proposal,omitempty"`
	Evidence   []EvidenceRef   `json:"evidence,omitempty"`
	Guardrail  GuardrailResult `json:"guardrail"`
	Error      string          `json:"error,omitempty"`

	LatencyMs  int64 `json:"latency_ms"`
	TokensIn   int64 `json:"tokens_in"`
	TokensOut  int64 `json:"tokens_out"`
	CostMicros int64 `json:"cost_micros"`
}

func (o AgentOutput) clone() AgentOutput {
	cp := o
	cp.Proposal = append(json.RawMessage(nil), o.Proposal...)
	cp.Evidence = append([]EvidenceRef(nil), o.Evidence...)
	return cp
}

// ResolutionPlan is the structured payload of a RESOLUTION proposal: the
// ordered actions the vote authorizes.
type ResolutionPlan struct {
	Summary string          `json:"summary,omitempty"`
	Actions []PlannedAction `json:"actions"`
}

// PlannedAction is one step of a resolution plan.
type PlannedAction struct {
	Kind         string          `json:"kind"`
	Params       json.RawMessage `json:"params,omitempty"`
	Rollbackable bool            `json:"rollbackable,omitempty"`
	RetryBudget  int             `json:"retry_budget,omitempty"` // 0 means executor default
}
