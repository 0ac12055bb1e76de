package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/eventstore"
	"github.com/sentinelops/aegis/pkg/models"
)

// applyEvent folds one event into the in-memory incident. Events are the only
// way incident state changes; the same fold runs during live processing,
// conflict recovery, and startup rebuild.
func applyEvent(inc *models.Incident, ev models.Event) error {
	switch ev.Kind {
	case models.EventIncidentOpened:
		var p models.IncidentOpenedPayload
		if err := models.UnmarshalPayload(ev, &p); err != nil {
			return err
		}
		inc.ID = ev.IncidentID
		inc.Severity = p.Severity
		inc.Fingerprint = p.Fingerprint
		inc.Phase = models.PhaseOpen
		inc.CreatedAt = ev.Timestamp
		inc.Alerts = []models.Alert{p.Alert}

	case models.EventAlertAttached:
		var p models.AlertAttachedPayload
		if err := models.UnmarshalPayload(ev, &p); err != nil {
			return err
		}
		inc.Alerts = append(inc.Alerts, p.Alert)

	case models.EventPhaseEntered:
		var p models.PhaseEnteredPayload
		if err := models.UnmarshalPayload(ev, &p); err != nil {
			return err
		}
		inc.Phase = p.Phase

	case models.EventAgentStarted:
		// Recorded for the audit trail; no state folds out of it.

	case models.EventAgentCompleted:
		var p models.AgentCompletedPayload
		if err := models.UnmarshalPayload(ev, &p); err != nil {
			return err
		}
		if inc.AgentOutputs == nil {
			inc.AgentOutputs = make(map[models.AgentRole]models.AgentOutput)
		}
		inc.AgentOutputs[p.Output.Role] = p.Output

	case models.EventConsensusReached:
		var p models.ConsensusReachedPayload
		if err := models.UnmarshalPayload(ev, &p); err != nil {
			return err
		}
		result := p.Result
		inc.ConsensusDecision = &result

	case models.EventActionStarted:
		var p models.ActionStartedPayload
		if err := models.UnmarshalPayload(ev, &p); err != nil {
			return err
		}
		inc.Actions = append(inc.Actions, models.ExecutedAction{
			ID:        p.ActionID,
			Kind:      p.Kind,
			Params:    p.Params,
			StartedAt: ev.Timestamp,
			Outcome:   models.ActionPending,
		})

	case models.EventActionFinished:
		var p models.ActionFinishedPayload
		if err := models.UnmarshalPayload(ev, &p); err != nil {
			return err
		}
		for i := range inc.Actions {
			if inc.Actions[i].ID == p.ActionID {
				inc.Actions[i].Outcome = p.Outcome
				inc.Actions[i].FinishedAt = ev.Timestamp
				inc.Actions[i].Error = p.Error
				break
			}
		}

	case models.EventIncidentResolved:
		var p models.IncidentResolvedPayload
		if err := models.UnmarshalPayload(ev, &p); err != nil {
			return err
		}
		inc.Phase = models.PhaseClosed
		inc.Outcome = models.OutcomeResolved
		inc.ResolvedAt = p.ResolvedAt

	case models.EventIncidentFailed:
		var p models.IncidentFailedPayload
		if err := models.UnmarshalPayload(ev, &p); err != nil {
			return err
		}
		inc.Phase = models.PhaseClosed
		inc.Outcome = p.Outcome

	default:
		return errs.Newf(errs.Validation, "unknown event kind %q", ev.Kind)
	}

	inc.UpdatedAt = ev.Timestamp
	inc.Version++
	return nil
}

// rebuildIncident replays an incident's full stream from the store.
func rebuildIncident(ctx context.Context, store eventstore.Store, incidentID string) (*models.Incident, error) {
	inc := &models.Incident{ID: incidentID}
	from := uint64(0)
	for {
		recs, err := store.Read(ctx, incidentID, from, 512)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			if err := applyEvent(inc, rec.AsEvent()); err != nil {
				return nil, err
			}
			from = rec.Sequence + 1
		}
		if len(recs) < 512 {
			break
		}
	}
	if inc.Version == 0 {
		return nil, errs.Newf(errs.NotFound, "incident %s has no events", incidentID)
	}
	return inc, nil
}

// alertSeverity extracts a severity hint from the alert payload, falling back
// to the configured default.
func alertSeverity(payload json.RawMessage, fallback models.Severity) models.Severity {
	var probe struct {
		Severity models.Severity `json:"severity"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.Severity.IsValid() {
		return probe.Severity
	}
	return fallback
}
