package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/models"
)

// ActionExecutor carries out one planned remediation step against external
// systems. Execute returns an opaque rollback token when the action can be
// undone; Rollback consumes it.
type ActionExecutor interface {
	Execute(ctx context.Context, incidentID string, action models.PlannedAction) (rollbackToken string, err error)
	Rollback(ctx context.Context, incidentID string, action models.ExecutedAction) error
}

// LogExecutor is the shipped no-op executor: it records what would run and
// succeeds. Deployments plug in real executors (kubectl drivers, runbooks,
// ticketing) behind the same interface.
type LogExecutor struct {
	ids    clock.IdGen
	logger *slog.Logger
}

// NewLogExecutor returns an executor that only logs.
func NewLogExecutor(ids clock.IdGen, logger *slog.Logger) *LogExecutor {
	if ids == nil {
		ids = clock.UUIDGen{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExecutor{ids: ids, logger: logger.With("component", "action_executor")}
}

func (e *LogExecutor) Execute(_ context.Context, incidentID string, action models.PlannedAction) (string, error) {
	e.logger.Info("Executing action",
		"incident_id", incidentID,
		"kind", action.Kind,
		"rollbackable", action.Rollbackable)
	if action.Rollbackable {
		return e.ids.NewId("rb"), nil
	}
	return "", nil
}

func (e *LogExecutor) Rollback(_ context.Context, incidentID string, action models.ExecutedAction) error {
	e.logger.Info("Rolling back action",
		"incident_id", incidentID,
		"action_id", action.ID,
		"kind", action.Kind)
	return nil
}

// ScriptedExecutor fails the action kinds it is told to; tests drive the
// failure and rollback paths with it.
type ScriptedExecutor struct {
	mu         sync.Mutex
	failKinds  map[string]int // remaining failures per kind
	Executed   []string
	RolledBack []string
}

// NewScriptedExecutor fails each named kind the given number of times before
// succeeding. failures < 0 fails forever.
func NewScriptedExecutor(failures map[string]int) *ScriptedExecutor {
	fk := make(map[string]int, len(failures))
	for k, v := range failures {
		fk[k] = v
	}
	return &ScriptedExecutor{failKinds: fk}
}

func (e *ScriptedExecutor) Execute(_ context.Context, _ string, action models.PlannedAction) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.failKinds[action.Kind]; ok && n != 0 {
		if n > 0 {
			e.failKinds[action.Kind] = n - 1
		}
		return "", errs.Newf(errs.Timeout, "action %s failed", action.Kind)
	}
	e.Executed = append(e.Executed, action.Kind)
	if action.Rollbackable {
		return "rb_" + action.Kind, nil
	}
	return "", nil
}

func (e *ScriptedExecutor) Rollback(_ context.Context, _ string, action models.ExecutedAction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RolledBack = append(e.RolledBack, action.Kind)
	return nil
}
