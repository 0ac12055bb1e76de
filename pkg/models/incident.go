// Package models holds the incident aggregate and the value types exchanged
// between the orchestrator, agents, consensus, and the event stream. The
// orchestrator is the only writer of Incident; everything else works from
// Snapshot copies.
package models

import (
	"encoding/json"
	"time"
)

// Alert is one monitoring signal. Immutable after receipt.
type Alert struct {
	Source     string          `json:"source"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
	Signature  string          `json:"signature,omitempty"`
}

// Incident is the root aggregate: one correlated operational problem tracked
// from alert to resolution.
type Incident struct {
	ID          string    `json:"id"`
	Severity    Severity  `json:"severity"`
	Fingerprint string    `json:"fingerprint"`
	Phase       Phase     `json:"phase"`
	Outcome     Outcome   `json:"outcome,omitempty"` // set when Phase is closed
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitzero"`

	Alerts            []Alert                   `json:"alerts"`
	AgentOutputs      map[AgentRole]AgentOutput `json:"agent_outputs,omitempty"`
	ConsensusDecision *ConsensusResult          `json:"consensus_decision,omitempty"`
	Actions           []ExecutedAction          `json:"actions"`

	// Version counts applied events and doubles as the next expected
	// event-store sequence.
	Version uint64 `json:"version"`
}

// Closed reports whether the incident reached a terminal state.
func (in *Incident) Closed() bool {
	return in.Phase == PhaseClosed
}

// Snapshot returns a deep copy safe to hand to agents and subscribers.
func (in *Incident) Snapshot() *Incident {
	cp := *in

	cp.Alerts = make([]Alert, len(in.Alerts))
	copy(cp.Alerts, in.Alerts)
	for i := range cp.Alerts {
		cp.Alerts[i].Payload = append(json.RawMessage(nil), in.Alerts[i].Payload...)
	}

	if in.AgentOutputs != nil {
		cp.AgentOutputs = make(map[AgentRole]AgentOutput, len(in.AgentOutputs))
		for role, out := range in.AgentOutputs {
			cp.AgentOutputs[role] = out.clone()
		}
	}

	if in.ConsensusDecision != nil {
		dec := in.ConsensusDecision.clone()
		cp.ConsensusDecision = &dec
	}

	cp.Actions = make([]ExecutedAction, len(in.Actions))
	copy(cp.Actions, in.Actions)
	for i := range cp.Actions {
		cp.Actions[i].Params = append(json.RawMessage(nil), in.Actions[i].Params...)
	}

	return &cp
}

// LatestOutput returns the most recent output for role, if any.
func (in *Incident) LatestOutput(role AgentRole) (AgentOutput, bool) {
	out, ok := in.AgentOutputs[role]
	return out, ok
}
