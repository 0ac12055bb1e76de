package models

// Severity grades an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AgentRole identifies one pipeline specialist.
type AgentRole string

const (
	RoleDetection     AgentRole = "detection"
	RoleDiagnosis     AgentRole = "diagnosis"
	RolePrediction    AgentRole = "prediction"
	RoleResolution    AgentRole = "resolution"
	RoleCommunication AgentRole = "communication"
)

// IsValid checks if the role is a known value.
func (r AgentRole) IsValid() bool {
	switch r {
	case RoleDetection, RoleDiagnosis, RolePrediction, RoleResolution, RoleCommunication:
		return true
	}
	return false
}

// AllRoles lists every role in pipeline order.
func AllRoles() []AgentRole {
	return []AgentRole{RoleDetection, RoleDiagnosis, RolePrediction, RoleResolution, RoleCommunication}
}

// AgentStatus is the lifecycle state of a single agent run.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentCancelled AgentStatus = "cancelled"
)

// IsValid checks if the status is a known value.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentPending, AgentRunning, AgentCompleted, AgentFailed, AgentCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is final.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentCancelled:
		return true
	}
	return false
}

// Phase is a node in the incident state machine.
type Phase string

const (
	PhaseOpen          Phase = "open"
	PhaseDetecting     Phase = "detecting"
	PhaseDiagnosing    Phase = "diagnosing"
	PhasePredicting    Phase = "predicting"
	PhaseConsensus     Phase = "consensus"
	PhaseResolving     Phase = "resolving"
	PhaseCommunicating Phase = "communicating"
	PhaseAwaitingHuman Phase = "awaiting_human"
	PhaseClosed        Phase = "closed"
)

// IsValid checks if the phase is a known value.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseOpen, PhaseDetecting, PhaseDiagnosing, PhasePredicting, PhaseConsensus,
		PhaseResolving, PhaseCommunicating, PhaseAwaitingHuman, PhaseClosed:
		return true
	}
	return false
}

// phaseEdges declares the legal forward transitions. Closing is additionally
// allowed from every non-closed phase (failure and cancellation paths).
var phaseEdges = map[Phase][]Phase{
	PhaseOpen:          {PhaseDetecting},
	PhaseDetecting:     {PhaseDiagnosing},
	PhaseDiagnosing:    {PhasePredicting},
	PhasePredicting:    {PhaseConsensus},
	PhaseConsensus:     {PhaseResolving, PhaseAwaitingHuman},
	PhaseResolving:     {PhaseCommunicating},
	PhaseCommunicating: {},
	PhaseAwaitingHuman: {},
	PhaseClosed:        {},
}

// CanAdvanceTo reports whether next is a legal transition from p.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if p == PhaseClosed {
		return false
	}
	if next == PhaseClosed {
		return true
	}
	for _, n := range phaseEdges[p] {
		if n == next {
			return true
		}
	}
	return false
}

// Role returns the agent role whose run defines the phase, or "" when the
// phase runs no agent of its own.
func (p Phase) Role() AgentRole {
	switch p {
	case PhaseDetecting:
		return RoleDetection
	case PhaseDiagnosing:
		return RoleDiagnosis
	case PhasePredicting:
		return RolePrediction
	default:
		return ""
	}
}

// Outcome distinguishes the terminal closed states.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// IsValid checks if the outcome is a known value.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeResolved, OutcomeRejected, OutcomeFailed, OutcomeCancelled:
		return true
	}
	return false
}

// GuardrailVerdict is the result of a policy check over an agent proposal.
type GuardrailVerdict string

const (
	GuardrailPass  GuardrailVerdict = "pass"
	GuardrailBlock GuardrailVerdict = "block"
)

// ActionOutcome is the lifecycle state of one executed action.
type ActionOutcome string

const (
	ActionPending    ActionOutcome = "pending"
	ActionSucceeded  ActionOutcome = "succeeded"
	ActionFailed     ActionOutcome = "failed"
	ActionRolledBack ActionOutcome = "rolled_back"
)

// IsValid checks if the action outcome is a known value.
func (o ActionOutcome) IsValid() bool {
	switch o {
	case ActionPending, ActionSucceeded, ActionFailed, ActionRolledBack:
		return true
	}
	return false
}
