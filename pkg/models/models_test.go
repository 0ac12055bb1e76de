package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTransitions(t *testing.T) {
	// Forward edges
	assert.True(t, PhaseOpen.CanAdvanceTo(PhaseDetecting))
	assert.True(t, PhaseDetecting.CanAdvanceTo(PhaseDiagnosing))
	assert.True(t, PhaseDiagnosing.CanAdvanceTo(PhasePredicting))
	assert.True(t, PhasePredicting.CanAdvanceTo(PhaseConsensus))
	assert.True(t, PhaseConsensus.CanAdvanceTo(PhaseResolving))
	assert.True(t, PhaseConsensus.CanAdvanceTo(PhaseAwaitingHuman))
	assert.True(t, PhaseResolving.CanAdvanceTo(PhaseCommunicating))

	// Closing is legal from everywhere except closed
	assert.True(t, PhaseOpen.CanAdvanceTo(PhaseClosed))
	assert.True(t, PhaseCommunicating.CanAdvanceTo(PhaseClosed))
	assert.True(t, PhaseAwaitingHuman.CanAdvanceTo(PhaseClosed))
	assert.False(t, PhaseClosed.CanAdvanceTo(PhaseDetecting))
	assert.False(t, PhaseClosed.CanAdvanceTo(PhaseClosed))

	// No skipping or going backwards
	assert.False(t, PhaseOpen.CanAdvanceTo(PhaseConsensus))
	assert.False(t, PhaseDiagnosing.CanAdvanceTo(PhaseDetecting))
	assert.False(t, PhaseAwaitingHuman.CanAdvanceTo(PhaseResolving))
}

func TestPhaseRole(t *testing.T) {
	assert.Equal(t, RoleDetection, PhaseDetecting.Role())
	assert.Equal(t, RoleDiagnosis, PhaseDiagnosing.Role())
	assert.Equal(t, RolePrediction, PhasePredicting.Role())
	assert.Equal(t, AgentRole(""), PhaseConsensus.Role())
	assert.Equal(t, AgentRole(""), PhaseClosed.Role())
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, SeverityCritical.IsValid())
	assert.False(t, Severity("urgent").IsValid())

	assert.True(t, RoleResolution.IsValid())
	assert.False(t, AgentRole("observer").IsValid())

	assert.True(t, AgentCompleted.Terminal())
	assert.True(t, AgentCancelled.Terminal())
	assert.False(t, AgentRunning.Terminal())

	assert.True(t, OutcomeRejected.IsValid())
	assert.False(t, Outcome("ignored").IsValid())

	assert.True(t, EventConsensusReached.IsValid())
	assert.False(t, EventKind("incident.reopened").IsValid())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	in := &Incident{
		ID:          "inc_1",
		Severity:    SeverityHigh,
		Fingerprint: "fp",
		Phase:       PhaseDiagnosing,
		Alerts: []Alert{
			{Source: "monitoring", Payload: json.RawMessage(`{"a":1}`)},
		},
		AgentOutputs: map[AgentRole]AgentOutput{
			RoleDetection: {
				Role:       RoleDetection,
				Status:     AgentCompleted,
				Confidence: 0.93,
				Proposal:   json.RawMessage(`{"cause":"x"}`),
				Evidence:   []EvidenceRef{{SourceID: "kb-1", Similarity: 0.8}},
			},
		},
		ConsensusDecision: &ConsensusResult{
			WeightedScore: 0.9,
			Votes:         []Vote{{Role: RoleDetection, Weight: 0.2, Agreed: true}},
		},
		Actions: []ExecutedAction{
			{ID: "act_1", Kind: "restart_pod", Params: json.RawMessage(`{"pod":"db-0"}`)},
		},
		Version: 7,
	}

	snap := in.Snapshot()
	require.Equal(t, in.ID, snap.ID)
	require.Equal(t, in.Version, snap.Version)

	// Mutating the snapshot must not leak into the original.
	snap.Alerts[0].Payload[2] = 'z'
	snap.AgentOutputs[RoleDetection] = AgentOutput{Role: RoleDetection, Status: AgentFailed}
	snap.ConsensusDecision.Votes[0].Agreed = false
	snap.Actions[0].Params[2] = 'z'

	assert.Equal(t, json.RawMessage(`{"a":1}`), in.Alerts[0].Payload)
	assert.Equal(t, AgentCompleted, in.AgentOutputs[RoleDetection].Status)
	assert.True(t, in.ConsensusDecision.Votes[0].Agreed)
	assert.Equal(t, json.RawMessage(`{"pod":"db-0"}`), in.Actions[0].Params)
}

func TestEventRoundTrip(t *testing.T) {
	ts := time.Date(2025, 10, 25, 12, 0, 0, 0, time.UTC)
	ev, err := NewEvent("inc_1", EventPhaseEntered, ts, PhaseEnteredPayload{Phase: PhaseDetecting})
	require.NoError(t, err)

	assert.Equal(t, "inc_1", ev.IncidentID)
	assert.Equal(t, uint64(0), ev.Sequence)
	assert.Equal(t, ts, ev.Timestamp)

	var p PhaseEnteredPayload
	require.NoError(t, UnmarshalPayload(ev, &p))
	assert.Equal(t, PhaseDetecting, p.Phase)
}

func TestFingerprintDeterministic(t *testing.T) {
	payload := json.RawMessage(`{"service":"db","metric":"conn_pool","value":99.2}`)

	fp1 := Fingerprint("monitoring", payload)
	fp2 := Fingerprint("monitoring", payload)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)

	// Whitespace and source casing do not change the fingerprint.
	spaced := json.RawMessage("{ \"service\": \"db\", \"metric\": \"conn_pool\", \"value\": 99.2 }")
	assert.Equal(t, fp1, Fingerprint("  Monitoring ", spaced))

	// Different payloads do.
	other := json.RawMessage(`{"service":"db","metric":"conn_pool","value":99.3}`)
	assert.NotEqual(t, fp1, Fingerprint("monitoring", other))

	// Non-JSON payloads still fingerprint.
	assert.NotEmpty(t, Fingerprint("monitoring", json.RawMessage("plain text alert")))
}

func TestGuardrailPassed(t *testing.T) {
	assert.True(t, GuardrailResult{Verdict: GuardrailPass}.Passed())
	assert.False(t, GuardrailResult{Verdict: GuardrailBlock, Reason: "nope"}.Passed())
	assert.False(t, GuardrailResult{}.Passed(), "zero value is not a pass")
}
