package models

import "time"

// Vote is the per-role line of a consensus breakdown.
type Vote struct {
	Role       AgentRole `json:"role"`
	Weight     float64   `json:"weight"`
	Confidence float64   `json:"confidence"`
	Agreed     bool      `json:"agreed"`
	// Informational roles (weight 0) are recorded but excluded from the
	// weighted arithmetic.
	Informational bool `json:"informational,omitempty"`
}

// ConsensusResult is the outcome of one weighted vote. BlockReason is set
// when a resolution guardrail block forced rejection regardless of score.
type ConsensusResult struct {
	WeightedScore float64   `json:"weighted_score"` // in [0,1]
	Threshold     float64   `json:"threshold"`
	Approved      bool      `json:"approved"`
	Votes         []Vote    `json:"votes"`
	BlockReason   string    `json:"block_reason,omitempty"`
	DecidedAt     time.Time `json:"decided_at"`
}

func (r ConsensusResult) clone() ConsensusResult {
	cp := r
	cp.Votes = append([]Vote(nil), r.Votes...)
	return cp
}
