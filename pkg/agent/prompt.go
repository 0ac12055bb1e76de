package agent

import (
	"fmt"
	"strings"

	"github.com/sentinelops/aegis/pkg/models"
)

// Role instructions. Each role sees the same incident context block but gets
// its own task framing and output contract.
const baseInstructions = `## Incident Response Agent Instructions

You are an expert Site Reliability Engineer (SRE) with deep knowledge of:
- Distributed systems and service topologies
- Incident response and troubleshooting
- System monitoring and alerting

Analyze the incident thoroughly and ground every claim in the alert data
provided. Always be specific and reference actual payload fields.`

const responseContract = `## Response Format

Respond with a single JSON object and nothing else:
{
  "confidence": <float in [0,1]>,
  "summary": "<one-paragraph analysis>",
  "proposal": <role-specific object, see task>,
  "evidence": [{"source_id": "<id>", "similarity": <float>, "excerpt": "<text>"}]
}`

var roleTasks = map[models.AgentRole]string{
	models.RoleDetection: `## Task: Detection

Classify the incident: is this a real operational problem or noise? Identify
the affected service and failure symptom. Your proposal is
{"classification": "...", "affected_service": "..."}.`,

	models.RoleDiagnosis: `## Task: Diagnosis

Determine the most likely root cause from the alert payloads and the
detection output. Your proposal is {"root_cause": "...", "component": "..."}.`,

	models.RolePrediction: `## Task: Prediction

Project the blast radius if the incident is left unresolved: affected
services, time to user impact, escalation risk. Your proposal is
{"impact": "...", "time_to_impact_minutes": <int>}.`,

	models.RoleResolution: `## Task: Resolution

Propose the remediation plan as ordered, reversible-where-possible actions.
Your proposal is {"summary": "...", "actions": [{"kind": "...",
"params": {...}, "rollbackable": <bool>}]}. Prefer the smallest intervention
that resolves the root cause.`,

	models.RoleCommunication: `## Task: Communication

Draft the stakeholder notification for this incident: what happened, impact,
remediation taken, and current status. Your proposal is
{"channel": "statuspage", "message": "..."}.`,
}

// BuildPrompt renders the system and user messages for one role run against
// an incident snapshot. Later roles see the outputs of the roles before them.
func BuildPrompt(incident *models.Incident, role models.AgentRole) (system, user string) {
	system = baseInstructions + "\n\n" + roleTasks[role] + "\n\n" + responseContract

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Incident %s\n\nSeverity: %s\nFingerprint: %s\n\n", incident.ID, incident.Severity, incident.Fingerprint)

	sb.WriteString("## Alerts\n\n")
	for i, alert := range incident.Alerts {
		fmt.Fprintf(&sb, "### Alert %d (source: %s, received: %s)\n```json\n%s\n```\n\n",
			i+1, alert.Source, alert.ReceivedAt.Format("2006-01-02T15:04:05Z07:00"), string(alert.Payload))
	}

	prior := priorOutputs(incident, role)
	if len(prior) > 0 {
		sb.WriteString("## Prior Agent Findings\n\n")
		for _, out := range prior {
			fmt.Fprintf(&sb, "### %s (confidence %.2f)\n", out.Role, out.Confidence)
			if len(out.Proposal) > 0 {
				fmt.Fprintf(&sb, "```json\n%s\n```\n", string(out.Proposal))
			}
			sb.WriteString("\n")
		}
	}

	return system, sb.String()
}

// priorOutputs returns completed outputs of roles that run before the given
// role, in pipeline order.
func priorOutputs(incident *models.Incident, role models.AgentRole) []models.AgentOutput {
	var outs []models.AgentOutput
	for _, r := range models.AllRoles() {
		if r == role {
			break
		}
		if out, ok := incident.LatestOutput(r); ok && out.Status == models.AgentCompleted {
			outs = append(outs, out)
		}
	}
	return outs
}
