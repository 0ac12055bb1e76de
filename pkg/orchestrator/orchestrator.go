// Package orchestrator owns the incident state machine: alert ingress and
// deduplication, the five-role agent pipeline, consensus branching, action
// execution, and terminal bookkeeping. All state changes are events appended
// to the store; the in-memory incident is a fold of its stream.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sentinelops/aegis/pkg/agent"
	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/consensus"
	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/eventstore"
	"github.com/sentinelops/aegis/pkg/masking"
	"github.com/sentinelops/aegis/pkg/models"
	"github.com/sentinelops/aegis/pkg/resilience"
)

const (
	stripeQueueDepth     = 64
	appendRetryLimit     = 3
	defaultActionRetries = 2
	janitorInterval      = time.Minute
)

// state is one tracked incident: the folded aggregate plus its pipeline
// cancel hook. All mutation goes through appendAndApply under mu.
type state struct {
	mu       sync.Mutex
	inc      *models.Incident
	cancel   context.CancelFunc
	closedAt time.Time
}

func (s *state) snapshot() *models.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inc.Snapshot()
}

func (s *state) setCancel(fn context.CancelFunc) {
	s.mu.Lock()
	s.cancel = fn
	s.mu.Unlock()
}

// stripeTask is one unit of serialized per-incident work.
type stripeTask struct {
	incidentID string
	fn         func(context.Context)
}

// StripeStatus is one worker stripe's occupancy; an empty incident id means
// the stripe is idle.
type StripeStatus struct {
	Stripe     int    `json:"stripe"`
	IncidentID string `json:"incident_id,omitempty"`
}

// Orchestrator drives incidents from alert to terminal state.
type Orchestrator struct {
	cfg      *config.Config
	store    eventstore.Store
	runner   *agent.Runner
	engine   *consensus.Engine
	masker   *masking.Masker
	executor ActionExecutor
	retry    resilience.RetryPolicy
	clk      clock.Clock
	ids      clock.IdGen
	logger   *slog.Logger

	sem     *semaphore.Weighted
	stripes []chan stripeTask
	busy    []atomic.Value // string: incident id currently on the stripe

	rootCtx    context.Context
	rootCancel context.CancelFunc
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	mu            sync.Mutex
	started       bool
	incidents     map[string]*state
	byFingerprint map[string]*state
}

// New wires an orchestrator. executor may be nil (the logging executor is
// used); masker may be nil (no payload scrubbing).
func New(
	cfg *config.Config,
	store eventstore.Store,
	runner *agent.Runner,
	engine *consensus.Engine,
	masker *masking.Masker,
	executor ActionExecutor,
	retry resilience.RetryPolicy,
	clk clock.Clock,
	ids clock.IdGen,
	logger *slog.Logger,
) *Orchestrator {
	if clk == nil {
		clk = clock.System{}
	}
	if ids == nil {
		ids = clock.UUIDGen{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if executor == nil {
		executor = NewLogExecutor(ids, logger)
	}
	if masker == nil {
		masker = masking.NewMasker(masking.Config{Enabled: false}, logger)
	}

	workers := cfg.Workers.Max
	if workers <= 0 {
		workers = 8
	}
	stripeCount := cfg.Workers.Stripes
	if stripeCount <= 0 {
		stripeCount = 16
	}

	o := &Orchestrator{
		cfg:           cfg,
		store:         store,
		runner:        runner,
		engine:        engine,
		masker:        masker,
		executor:      executor,
		retry:         retry,
		clk:           clk,
		ids:           ids,
		logger:        logger.With("component", "orchestrator"),
		sem:           semaphore.NewWeighted(int64(workers)),
		stripes:       make([]chan stripeTask, stripeCount),
		busy:          make([]atomic.Value, stripeCount),
		stopCh:        make(chan struct{}),
		incidents:     make(map[string]*state),
		byFingerprint: make(map[string]*state),
	}
	for i := range o.stripes {
		o.stripes[i] = make(chan stripeTask, stripeQueueDepth)
		o.busy[i].Store("")
	}
	return o
}

// Start recovers orphaned incidents and launches the stripe workers.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errs.New(errs.Validation, "orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	o.rootCtx, o.rootCancel = context.WithCancel(ctx)

	if err := o.recoverOrphans(o.rootCtx); err != nil {
		return err
	}

	for i := range o.stripes {
		o.wg.Add(1)
		go o.worker(i)
	}
	o.wg.Add(1)
	go o.janitor()

	o.logger.Info("Orchestrator started",
		"workers", o.cfg.Workers.Max,
		"stripes", len(o.stripes))
	return nil
}

// Stop cancels all in-flight pipelines and waits for the workers.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		if o.rootCancel != nil {
			o.rootCancel()
		}
	})
	o.wg.Wait()
}

func (o *Orchestrator) worker(i int) {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case task := <-o.stripes[i]:
			if err := o.sem.Acquire(o.rootCtx, 1); err != nil {
				return
			}
			o.busy[i].Store(task.incidentID)
			task.fn(o.rootCtx)
			o.busy[i].Store("")
			o.sem.Release(1)
		}
	}
}

// submit queues work on the incident's stripe so per-incident processing is
// serialized while incidents proceed in parallel.
func (o *Orchestrator) submit(incidentID string, fn func(context.Context)) {
	h := fnv.New32a()
	h.Write([]byte(incidentID))
	stripe := o.stripes[int(h.Sum32())%len(o.stripes)]
	select {
	case stripe <- stripeTask{incidentID: incidentID, fn: fn}:
	case <-o.stopCh:
	}
}

// Health reports per-stripe occupancy.
func (o *Orchestrator) Health() []StripeStatus {
	out := make([]StripeStatus, len(o.busy))
	for i := range o.busy {
		id, _ := o.busy[i].Load().(string)
		out[i] = StripeStatus{Stripe: i, IncidentID: id}
	}
	return out
}

// HandleAlert is the ingress point. A fingerprint matching an open incident
// inside the dedup window attaches the alert; otherwise a new incident opens
// and its pipeline is scheduled. Returns the incident id and whether it was
// newly created.
func (o *Orchestrator) HandleAlert(ctx context.Context, source string, payload json.RawMessage) (string, bool, error) {
	if source == "" {
		return "", false, errs.Validationf("source", "alert source is required")
	}
	if len(payload) == 0 {
		return "", false, errs.Validationf("payload", "alert payload is required")
	}

	masked := o.masker.MaskPayload(payload)
	fingerprint := models.Fingerprint(source, masked)
	now := o.clk.Now()
	alert := models.Alert{
		Source:     source,
		ReceivedAt: now,
		Payload:    masked,
		Signature:  fingerprint,
	}

	// Creation is serialized under o.mu so two concurrent duplicates cannot
	// open two incidents for one fingerprint. Attach appends run unlocked.
	o.mu.Lock()
	st, found := o.byFingerprint[fingerprint]
	if found {
		snap := st.snapshot()
		if snap.Closed() || now.Sub(snap.CreatedAt) > o.cfg.Incident.DedupWindow {
			found = false
		}
	}
	if found {
		o.mu.Unlock()
		ev, err := models.NewEvent(st.snapshot().ID, models.EventAlertAttached, now, models.AlertAttachedPayload{
			Alert:      alert,
			AlertCount: len(st.snapshot().Alerts) + 1,
		})
		if err != nil {
			return "", false, err
		}
		if err := o.appendAndApply(ctx, st, ev); err != nil {
			return "", false, err
		}
		id := st.snapshot().ID
		o.logger.Info("Alert attached to open incident",
			"incident_id", id, "fingerprint", fingerprint)
		return id, false, nil
	}

	incidentID := o.ids.NewId("inc")
	severity := alertSeverity(masked, o.cfg.Incident.DefaultSeverity)
	ev, err := models.NewEvent(incidentID, models.EventIncidentOpened, now, models.IncidentOpenedPayload{
		Alert:       alert,
		Severity:    severity,
		Fingerprint: fingerprint,
	})
	if err != nil {
		o.mu.Unlock()
		return "", false, err
	}

	st = &state{inc: &models.Incident{ID: incidentID}}
	if err := o.appendAndApply(ctx, st, ev); err != nil {
		o.mu.Unlock()
		return "", false, err
	}
	o.byFingerprint[fingerprint] = st
	o.incidents[incidentID] = st
	o.mu.Unlock()

	o.logger.Info("Incident opened",
		"incident_id", incidentID,
		"severity", severity,
		"fingerprint", fingerprint)

	o.submit(incidentID, func(ctx context.Context) {
		o.pipeline(ctx, st)
	})
	return incidentID, true, nil
}

// Get returns a snapshot of the incident, reading through to the store for
// incidents no longer in memory.
func (o *Orchestrator) Get(ctx context.Context, incidentID string) (*models.Incident, error) {
	o.mu.Lock()
	st, ok := o.incidents[incidentID]
	o.mu.Unlock()
	if ok {
		return st.snapshot(), nil
	}
	return rebuildIncident(ctx, o.store, incidentID)
}

// List returns snapshots of every incident currently tracked in memory.
func (o *Orchestrator) List() []*models.Incident {
	o.mu.Lock()
	states := make([]*state, 0, len(o.incidents))
	for _, st := range o.incidents {
		states = append(states, st)
	}
	o.mu.Unlock()

	out := make([]*models.Incident, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	return out
}

// Cancel requests external cancellation of an open incident. The pipeline
// observes it and closes the incident as cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, incidentID string) error {
	o.mu.Lock()
	st, ok := o.incidents[incidentID]
	o.mu.Unlock()
	if !ok {
		return errs.Newf(errs.NotFound, "incident %s is not tracked", incidentID)
	}
	if st.snapshot().Closed() {
		return errs.Newf(errs.Validation, "incident %s is already closed", incidentID)
	}

	st.mu.Lock()
	cancel := st.cancel
	st.mu.Unlock()
	if cancel != nil {
		cancel()
		return nil
	}
	// Pipeline not yet running; close directly.
	return o.closeIncident(ctx, st, models.OutcomeCancelled, "cancelled before processing")
}

// pipeline drives one incident to a terminal state.
func (o *Orchestrator) pipeline(ctx context.Context, st *state) {
	ctx, cancel := context.WithCancel(ctx)
	st.setCancel(cancel)
	defer cancel()

	incidentID := st.snapshot().ID
	logger := o.logger.With("incident_id", incidentID)

	err := o.runPipeline(ctx, st)
	closeCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
	case errs.KindOf(err) == errs.Cancelled:
		logger.Info("Incident cancelled")
		if cerr := o.closeIncident(closeCtx, st, models.OutcomeCancelled, "externally cancelled"); cerr != nil {
			logger.Error("Failed to close cancelled incident", "error", cerr)
		}
	default:
		logger.Error("Pipeline failed", "error", err)
		if cerr := o.closeIncident(closeCtx, st, models.OutcomeFailed, err.Error()); cerr != nil {
			logger.Error("Failed to close failed incident", "error", cerr)
		}
	}

	st.mu.Lock()
	st.closedAt = o.clk.Now()
	st.mu.Unlock()
}

func (o *Orchestrator) runPipeline(ctx context.Context, st *state) error {
	// Investigation phases feed each other and run in order.
	for _, phase := range []models.Phase{models.PhaseDetecting, models.PhaseDiagnosing, models.PhasePredicting} {
		if err := o.enterPhase(ctx, st, phase); err != nil {
			return err
		}
		if err := o.runRole(ctx, st, phase.Role()); err != nil {
			return err
		}
	}

	// The resolution proposal is what the vote authorizes, so the RESOLUTION
	// agent runs at consensus entry, before the decision.
	if err := o.enterPhase(ctx, st, models.PhaseConsensus); err != nil {
		return err
	}
	if err := o.runRole(ctx, st, models.RoleResolution); err != nil {
		return err
	}

	decision := o.engine.Decide(st.snapshot().AgentOutputs)
	now := o.clk.Now()
	ev, err := models.NewEvent(st.snapshot().ID, models.EventConsensusReached, now,
		models.ConsensusReachedPayload{Result: decision})
	if err != nil {
		return err
	}
	if err := o.appendAndApply(ctx, st, ev); err != nil {
		return err
	}

	if !decision.Approved {
		if err := o.enterPhase(ctx, st, models.PhaseAwaitingHuman); err != nil {
			return err
		}
		reason := "consensus score below threshold"
		if decision.BlockReason != "" {
			reason = "resolution guardrail block: " + decision.BlockReason
		}
		return o.closeIncident(ctx, st, models.OutcomeRejected, reason)
	}

	return o.resolve(ctx, st)
}

// resolve executes the approved plan while the COMMUNICATION agent drafts the
// notification concurrently.
func (o *Orchestrator) resolve(ctx context.Context, st *state) error {
	if err := o.enterPhase(ctx, st, models.PhaseResolving); err != nil {
		return err
	}

	if err := o.appendAgentStarted(ctx, st, models.RoleCommunication, 1); err != nil {
		return err
	}
	commCh := make(chan models.AgentOutput, 1)
	go func() {
		commCh <- o.runner.Run(ctx, st.snapshot(), models.RoleCommunication)
	}()

	if err := o.executeActions(ctx, st); err != nil {
		// Drain the communication run before surfacing the failure.
		<-commCh
		return err
	}

	if err := o.enterPhase(ctx, st, models.PhaseCommunicating); err != nil {
		return err
	}
	commOut := <-commCh
	if err := o.appendAgentCompleted(ctx, st, commOut); err != nil {
		return err
	}

	snap := st.snapshot()
	now := o.clk.Now()
	ev, err := models.NewEvent(snap.ID, models.EventIncidentResolved, now, models.IncidentResolvedPayload{
		ResolvedAt: now,
		DurationMs: now.Sub(snap.CreatedAt).Milliseconds(),
	})
	if err != nil {
		return err
	}
	return o.appendAndApply(ctx, st, ev)
}

// runRole runs one role, recording start and completion. A circuit-open
// degradation earns a single immediate rerun while the phase is still open;
// other failures stand and the consensus arithmetic absorbs them.
func (o *Orchestrator) runRole(ctx context.Context, st *state, role models.AgentRole) error {
	if err := o.appendAgentStarted(ctx, st, role, 1); err != nil {
		return err
	}
	out := o.runner.Run(ctx, st.snapshot(), role)

	if out.Status == models.AgentFailed && ctx.Err() == nil &&
		strings.HasPrefix(out.Error, errs.CircuitOpen.String()+":") {
		if err := o.appendAgentStarted(ctx, st, role, 2); err != nil {
			return err
		}
		out = o.runner.Run(ctx, st.snapshot(), role)
	}

	if err := o.appendAgentCompleted(ctx, st, out); err != nil {
		return err
	}
	if out.Status == models.AgentCancelled || ctx.Err() != nil {
		return errs.FromContext(context.Canceled)
	}
	return nil
}

func (o *Orchestrator) appendAgentStarted(ctx context.Context, st *state, role models.AgentRole, attempt int) error {
	snap := st.snapshot()
	ev, err := models.NewEvent(snap.ID, models.EventAgentStarted, o.clk.Now(), models.AgentStartedPayload{
		Role:     role,
		Provider: o.cfg.Agents.ProviderFor(role),
		Attempt:  attempt,
	})
	if err != nil {
		return err
	}
	return o.appendAndApply(ctx, st, ev)
}

func (o *Orchestrator) appendAgentCompleted(ctx context.Context, st *state, out models.AgentOutput) error {
	ev, err := models.NewEvent(st.snapshot().ID, models.EventAgentCompleted, o.clk.Now(),
		models.AgentCompletedPayload{Output: out})
	if err != nil {
		return err
	}
	// Terminal agent records persist even when the pipeline is cancelled.
	return o.appendAndApply(context.WithoutCancel(ctx), st, ev)
}

func (o *Orchestrator) enterPhase(ctx context.Context, st *state, phase models.Phase) error {
	snap := st.snapshot()
	if !snap.Phase.CanAdvanceTo(phase) {
		return errs.Newf(errs.Internal, "illegal phase transition %s -> %s", snap.Phase, phase)
	}
	ev, err := models.NewEvent(snap.ID, models.EventPhaseEntered, o.clk.Now(),
		models.PhaseEnteredPayload{Phase: phase})
	if err != nil {
		return err
	}
	return o.appendAndApply(ctx, st, ev)
}

// executeActions runs the approved resolution plan in order. A failed action
// exhausts its retry budget, triggers best-effort rollback of everything that
// succeeded, and fails the incident.
func (o *Orchestrator) executeActions(ctx context.Context, st *state) error {
	snap := st.snapshot()
	out, ok := snap.LatestOutput(models.RoleResolution)
	if !ok || len(out.Proposal) == 0 {
		return nil
	}
	var plan models.ResolutionPlan
	if err := json.Unmarshal(out.Proposal, &plan); err != nil {
		return errs.Wrap(errs.Validation, "resolution proposal is not a plan", err)
	}

	var undoable []models.ExecutedAction
	for _, planned := range plan.Actions {
		actionID := o.ids.NewId("act")
		started, err := models.NewEvent(snap.ID, models.EventActionStarted, o.clk.Now(), models.ActionStartedPayload{
			ActionID: actionID,
			Kind:     planned.Kind,
			Params:   planned.Params,
		})
		if err != nil {
			return err
		}
		if err := o.appendAndApply(ctx, st, started); err != nil {
			return err
		}

		budget := planned.RetryBudget
		if budget <= 0 {
			budget = defaultActionRetries
		}
		var token string
		execErr := o.retry.Do(ctx, budget+1, nil, func(ctx context.Context) error {
			t, err := o.executor.Execute(ctx, snap.ID, planned)
			token = t
			return err
		})

		outcome := models.ActionSucceeded
		errText := ""
		if execErr != nil {
			outcome = models.ActionFailed
			errText = execErr.Error()
		}
		finished, err := models.NewEvent(snap.ID, models.EventActionFinished, o.clk.Now(), models.ActionFinishedPayload{
			ActionID: actionID,
			Kind:     planned.Kind,
			Outcome:  outcome,
			Error:    errText,
		})
		if err != nil {
			return err
		}
		if err := o.appendAndApply(ctx, st, finished); err != nil {
			return err
		}

		if execErr != nil {
			o.rollback(context.WithoutCancel(ctx), st, undoable)
			return errs.Wrap(errs.Internal, "action "+planned.Kind+" failed after retries", execErr)
		}
		if token != "" {
			undoable = append(undoable, models.ExecutedAction{
				ID:            actionID,
				Kind:          planned.Kind,
				RollbackToken: token,
			})
		}
	}
	return nil
}

// rollback undoes succeeded actions in reverse order. Failures are logged,
// never propagated.
func (o *Orchestrator) rollback(ctx context.Context, st *state, actions []models.ExecutedAction) {
	snap := st.snapshot()
	for i := len(actions) - 1; i >= 0; i-- {
		action := actions[i]
		if err := o.executor.Rollback(ctx, snap.ID, action); err != nil {
			o.logger.Warn("Rollback failed",
				"incident_id", snap.ID, "action_id", action.ID, "error", err)
			continue
		}
		ev, err := models.NewEvent(snap.ID, models.EventActionFinished, o.clk.Now(), models.ActionFinishedPayload{
			ActionID: action.ID,
			Kind:     action.Kind,
			Outcome:  models.ActionRolledBack,
		})
		if err == nil {
			if aerr := o.appendAndApply(ctx, st, ev); aerr != nil {
				o.logger.Warn("Failed to record rollback",
					"incident_id", snap.ID, "action_id", action.ID, "error", aerr)
			}
		}
	}
}

// closeIncident appends the terminal event. Closing an already-closed
// incident is a no-op so concurrent close paths cannot double-fire.
func (o *Orchestrator) closeIncident(ctx context.Context, st *state, outcome models.Outcome, reason string) error {
	snap := st.snapshot()
	if snap.Closed() {
		return nil
	}

	var (
		ev  models.Event
		err error
	)
	now := o.clk.Now()
	if outcome == models.OutcomeResolved {
		ev, err = models.NewEvent(snap.ID, models.EventIncidentResolved, now, models.IncidentResolvedPayload{
			ResolvedAt: now,
			DurationMs: now.Sub(snap.CreatedAt).Milliseconds(),
		})
	} else {
		ev, err = models.NewEvent(snap.ID, models.EventIncidentFailed, now, models.IncidentFailedPayload{
			Outcome: outcome,
			Reason:  reason,
		})
	}
	if err != nil {
		return err
	}
	if err := o.appendAndApply(ctx, st, ev); err != nil {
		// A conflict close usually means the other path won the race.
		if st.snapshot().Closed() {
			return nil
		}
		return err
	}
	return nil
}

// appendAndApply writes events at the incident's current version and folds
// them into memory. A sequence conflict re-reads the missed events, applies
// them, and retries; persistent conflict is fatal.
func (o *Orchestrator) appendAndApply(ctx context.Context, st *state, events ...models.Event) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	for attempt := 0; attempt < appendRetryLimit; attempt++ {
		_, err := o.store.Append(ctx, st.inc.ID, st.inc.Version, events)
		if err == nil {
			for _, ev := range events {
				if aerr := applyEvent(st.inc, ev); aerr != nil {
					return aerr
				}
			}
			return nil
		}
		if !errors.Is(err, errs.ErrConflict) {
			return err
		}

		// Someone else appended first; fold in what we missed.
		recs, rerr := o.store.Read(ctx, st.inc.ID, st.inc.Version, 512)
		if rerr != nil {
			return rerr
		}
		for _, rec := range recs {
			if aerr := applyEvent(st.inc, rec.AsEvent()); aerr != nil {
				return aerr
			}
		}
	}
	return errs.Newf(errs.Conflict, "incident %s: append conflicted %d times", st.inc.ID, appendRetryLimit)
}

// recoverOrphans closes every incident the previous process left
// non-terminal.
func (o *Orchestrator) recoverOrphans(ctx context.Context) error {
	ids, err := o.store.Incidents(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		inc, err := rebuildIncident(ctx, o.store, id)
		if err != nil {
			o.logger.Error("Failed to rebuild incident during recovery", "incident_id", id, "error", err)
			continue
		}
		if inc.Closed() {
			continue
		}
		ev, err := models.NewEvent(id, models.EventIncidentFailed, o.clk.Now(), models.IncidentFailedPayload{
			Outcome: models.OutcomeFailed,
			Reason:  "orphaned by process restart",
		})
		if err != nil {
			return err
		}
		if _, err := o.store.Append(ctx, id, inc.Version, []models.Event{ev}); err != nil {
			o.logger.Error("Failed to close orphaned incident", "incident_id", id, "error", err)
			continue
		}
		o.logger.Warn("Closed orphaned incident", "incident_id", id, "phase", inc.Phase)
	}
	return nil
}

// janitor evicts closed incidents from memory after the retention grace.
func (o *Orchestrator) janitor() {
	defer o.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.sweep()
		}
	}
}

func (o *Orchestrator) sweep() {
	grace := o.cfg.Incident.RetentionGrace
	now := o.clk.Now()

	o.mu.Lock()
	defer o.mu.Unlock()
	for id, st := range o.incidents {
		st.mu.Lock()
		expired := st.inc.Closed() && !st.closedAt.IsZero() && now.Sub(st.closedAt) > grace
		fingerprint := st.inc.Fingerprint
		st.mu.Unlock()
		if expired {
			delete(o.incidents, id)
			if cur, ok := o.byFingerprint[fingerprint]; ok && cur == st {
				delete(o.byFingerprint, fingerprint)
			}
		}
	}
}
