package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/eventstore"
	"github.com/sentinelops/aegis/pkg/hub"
	"github.com/sentinelops/aegis/pkg/metrics"
	"github.com/sentinelops/aegis/pkg/models"
	"github.com/sentinelops/aegis/pkg/orchestrator"
)

// Core is the service facade shared by both listeners. It owns no state of
// its own; every call delegates to the kernel components.
type Core struct {
	orch    *orchestrator.Orchestrator
	hubRef  *hub.Hub
	metrics *metrics.Service
	store   eventstore.Store
}

// NewCore wires the facade. metrics may be nil (no snapshot surface).
func NewCore(orch *orchestrator.Orchestrator, hubRef *hub.Hub, metricsSvc *metrics.Service, store eventstore.Store) *Core {
	return &Core{orch: orch, hubRef: hubRef, metrics: metricsSvc, store: store}
}

// SubmitAlert validates and enqueues one alert, returning the incident ack.
func (c *Core) SubmitAlert(ctx context.Context, params SubmitAlertParams) (SubmitAlertResult, error) {
	id, created, err := c.orch.HandleAlert(ctx, params.Source, params.Payload)
	if err != nil {
		return SubmitAlertResult{}, err
	}
	return SubmitAlertResult{IncidentID: id, Created: created}, nil
}

// GetIncident returns a snapshot of one incident.
func (c *Core) GetIncident(ctx context.Context, incidentID string) (*models.Incident, error) {
	if incidentID == "" {
		return nil, errs.Validationf("incident_id", "incident id is required")
	}
	return c.orch.Get(ctx, incidentID)
}

// ListIncidents returns snapshots of all tracked incidents.
func (c *Core) ListIncidents() []*models.Incident {
	return c.orch.List()
}

// CancelIncident requests cancellation of an open incident.
func (c *Core) CancelIncident(ctx context.Context, incidentID string) error {
	if incidentID == "" {
		return errs.Validationf("incident_id", "incident id is required")
	}
	return c.orch.Cancel(ctx, incidentID)
}

// Metrics returns the current aggregate snapshot.
func (c *Core) Metrics() (metrics.Snapshot, error) {
	if c.metrics == nil {
		return metrics.Snapshot{}, errs.New(errs.NotFound, "metrics service is not enabled")
	}
	return c.metrics.Snapshot(), nil
}

// HealthStatus is the liveness and per-dependency readiness report.
type HealthStatus struct {
	Status string            `json:"status"` // ok or degraded
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every dependency check passed.
func (h HealthStatus) Healthy() bool { return h.Status == "ok" }

// Health probes each dependency.
func (c *Core) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "ok", Checks: make(map[string]string)}

	if _, err := c.store.GlobalSequence(ctx); err != nil {
		status.Status = "degraded"
		status.Checks["store"] = err.Error()
	} else {
		status.Checks["store"] = "ok"
	}

	if c.hubRef != nil {
		status.Checks["hub"] = "ok"
	}

	stripes := c.orch.Health()
	processing := 0
	for _, s := range stripes {
		if s.IncidentID != "" {
			processing++
		}
	}
	status.Checks["workers"] = fmt.Sprintf("%d/%d stripes processing", processing, len(stripes))
	return status
}

// dispatch routes one unary RPC method. Both listeners share the method
// table through this entry point.
func (c *Core) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "alert.submit":
		var p SubmitAlertParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errs.Wrap(errs.Validation, "malformed alert.submit params", err)
		}
		return c.SubmitAlert(ctx, p)

	case "incident.get":
		var p IncidentParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errs.Wrap(errs.Validation, "malformed incident.get params", err)
		}
		return c.GetIncident(ctx, p.IncidentID)

	case "incident.list":
		return c.ListIncidents(), nil

	case "incident.cancel":
		var p IncidentParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errs.Wrap(errs.Validation, "malformed incident.cancel params", err)
		}
		if err := c.CancelIncident(ctx, p.IncidentID); err != nil {
			return nil, err
		}
		return AckResult{Status: "cancelled"}, nil

	case "metrics.get":
		return c.Metrics()

	case "health":
		return c.Health(ctx), nil

	default:
		return nil, errs.Newf(errs.NotFound, "unknown method %q", method)
	}
}
