package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names one variant of the incident event union. The wire names
// are stable; new variants may be added but existing ones never change.
type EventKind string

const (
	EventIncidentOpened   EventKind = "incident.opened"
	EventAlertAttached    EventKind = "alert.attached"
	EventPhaseEntered     EventKind = "phase.entered"
	EventAgentStarted     EventKind = "agent.started"
	EventAgentCompleted   EventKind = "agent.completed"
	EventConsensusReached EventKind = "consensus.reached"
	EventActionStarted    EventKind = "action.started"
	EventActionFinished   EventKind = "action.finished"
	EventIncidentResolved EventKind = "incident.resolved"
	EventIncidentFailed   EventKind = "incident.failed"
)

// IsValid checks if the kind is a known value.
func (k EventKind) IsValid() bool {
	switch k {
	case EventIncidentOpened, EventAlertAttached, EventPhaseEntered,
		EventAgentStarted, EventAgentCompleted, EventConsensusReached,
		EventActionStarted, EventActionFinished,
		EventIncidentResolved, EventIncidentFailed:
		return true
	}
	return false
}

// Event is one immutable record of an incident state transition. Sequence is
// per-incident monotonic starting at 0; it is assigned by the event store on
// append and zero until then.
type Event struct {
	IncidentID string          `json:"incident_id"`
	Sequence   uint64          `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Kind       EventKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEvent builds an Event, marshaling the typed payload.
func NewEvent(incidentID string, kind EventKind, ts time.Time, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{
		IncidentID: incidentID,
		Timestamp:  ts,
		Kind:       kind,
		Payload:    raw,
	}, nil
}

// UnmarshalPayload decodes the event payload into out.
func UnmarshalPayload(e Event, out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Kind, err)
	}
	return nil
}

// Per-variant payloads. Field names are part of the wire contract.

type IncidentOpenedPayload struct {
	Alert       Alert    `json:"alert"`
	Severity    Severity `json:"severity"`
	Fingerprint string   `json:"fingerprint"`
}

type AlertAttachedPayload struct {
	Alert Alert `json:"alert"`
	// Total alerts on the incident after the attach.
	AlertCount int `json:"alert_count"`
}

type PhaseEnteredPayload struct {
	Phase Phase `json:"phase"`
}

type AgentStartedPayload struct {
	Role     AgentRole `json:"role"`
	Provider string    `json:"provider,omitempty"`
	Attempt  int       `json:"attempt"`
}

type AgentCompletedPayload struct {
	Output AgentOutput `json:"output"`
}

type ConsensusReachedPayload struct {
	Result ConsensusResult `json:"result"`
}

type ActionStartedPayload struct {
	ActionID string          `json:"action_id"`
	Kind     string          `json:"kind"`
	Params   json.RawMessage `json:"params,omitempty"`
}

type ActionFinishedPayload struct {
	ActionID string        `json:"action_id"`
	Kind     string        `json:"kind"`
	Outcome  ActionOutcome `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

type IncidentResolvedPayload struct {
	ResolvedAt time.Time `json:"resolved_at"`
	DurationMs int64     `json:"duration_ms"`
}

// IncidentFailedPayload closes every non-resolved terminal path; Outcome
// discriminates failed, rejected, and cancelled.
type IncidentFailedPayload struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Code    int     `json:"code,omitempty"`
}
