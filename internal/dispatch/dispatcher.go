package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/outpost/internal/catalog"
	"github.com/mattjoyce/outpost/internal/config"
	"github.com/mattjoyce/outpost/internal/events"
	"github.com/mattjoyce/outpost/internal/log"
	"github.com/mattjoyce/outpost/internal/pool"
	"github.com/mattjoyce/outpost/internal/substrate"
	"github.com/mattjoyce/outpost/internal/tenant"
	"github.com/mattjoyce/outpost/internal/workspace"
)

// Ledger receives cost and audit events for dispatch lifecycle actions. The
// billing emitter implements it.
type Ledger interface {
	EmitCost(ctx context.Context, d Dispatch, placement catalog.Placement, usage Usage) error
	RecordAction(ctx context.Context, tenantID, action, resource string, metadata map[string]any) error
}

// Request is one inbound dispatch request.
type Request struct {
	TenantID       string         `json:"tenant_id"`
	AgentType      string         `json:"agent_type"`
	Task           string         `json:"task"`
	ModelID        string         `json:"model_id,omitempty"`
	WorkspaceMode  workspace.Mode `json:"workspace_mode,omitempty"`
	WorkspaceName  string         `json:"workspace_name,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// Dispatcher orchestrates a dispatch from request to terminal state:
// validation, tenant and secret resolution, unit acquisition, workspace
// attach, execution, and finalization.
type Dispatcher struct {
	store      *Store
	catalog    *catalog.Catalog
	tenants    *tenant.Resolver
	secrets    tenant.SecretStore
	pool       *pool.Manager
	workspaces *workspace.Manager
	ledger     Ledger
	hub        *events.Hub
	cfg        config.DispatchConfig
	logger     *slog.Logger

	mu         sync.Mutex
	live       map[string]*pool.ComputeUnit
	wg         sync.WaitGroup
	now        func() time.Time
	background context.Context
}

func NewDispatcher(store *Store, cat *catalog.Catalog, tenants *tenant.Resolver,
	secrets tenant.SecretStore, pm *pool.Manager, wm *workspace.Manager,
	ledger Ledger, hub *events.Hub, cfg config.DispatchConfig) *Dispatcher {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Dispatcher{
		store:      store,
		catalog:    cat,
		tenants:    tenants,
		secrets:    secrets,
		pool:       pm,
		workspaces: wm,
		ledger:     ledger,
		hub:        hub,
		cfg:        cfg,
		logger:     log.WithComponent("dispatcher"),
		live:       make(map[string]*pool.ComputeUnit),
		now:        time.Now,
		background: context.Background(),
	}
}

// Dispatch validates and places one request. It returns once the dispatch is
// persisted and execution has been handed to the unit; execution itself is
// asynchronous and observed via status polling.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Dispatch, error) {
	placement, err := d.validate(&req)
	if err != nil {
		return Dispatch{}, err
	}

	if _, err := d.tenants.Resolve(req.TenantID); err != nil {
		switch {
		case errors.Is(err, tenant.ErrSuspended):
			return Dispatch{}, fmt.Errorf("%w: %s", ErrTenantSuspended, req.TenantID)
		default:
			return Dispatch{}, fmt.Errorf("%w: %s", ErrTenantNotFound, req.TenantID)
		}
	}

	// Resolve every required secret before any capacity is consumed.
	env := make(map[string]string, len(placement.RequiredSecrets))
	for _, name := range placement.RequiredSecrets {
		value, err := d.secrets.Get(ctx, tenant.SecretKeyPath(req.TenantID, name))
		if err != nil {
			return Dispatch{}, fmt.Errorf("%w: %s", ErrSecretMissing, name)
		}
		env[name] = value
	}

	cu, err := d.pool.Acquire(ctx, req.AgentType)
	if err != nil {
		if errors.Is(err, pool.ErrCapacityExhausted) {
			return Dispatch{}, fmt.Errorf("%w: %v", ErrCapacityExhausted, err)
		}
		return Dispatch{}, err
	}

	ws, err := d.workspaces.Attach(ctx, req.TenantID, req.WorkspaceMode, req.WorkspaceName)
	if err != nil {
		d.rollback(ctx, cu, workspace.Workspace{})
		return Dispatch{}, fmt.Errorf("attach workspace: %w", err)
	}

	rec := Dispatch{
		ID:             NewID(d.now()),
		TenantID:       req.TenantID,
		AgentType:      req.AgentType,
		ModelID:        placement.Model.ID,
		Task:           req.Task,
		Status:         StatusQueued,
		TimeoutSeconds: req.TimeoutSeconds,
		WorkspaceMode:  req.WorkspaceMode,
		CreatedAt:      d.now().UTC(),
	}
	if err := d.store.Create(ctx, rec); err != nil {
		d.rollback(ctx, cu, ws)
		return Dispatch{}, err
	}
	if err := d.store.MarkProvisioning(ctx, rec.ID, cu.ID, ws.ID); err != nil {
		d.rollback(ctx, cu, ws)
		return Dispatch{}, err
	}
	rec.Status = StatusProvisioning
	rec.UnitRef = cu.ID
	rec.WorkspaceID = ws.ID

	d.mu.Lock()
	d.live[rec.ID] = cu
	d.mu.Unlock()

	d.hub.Publish(events.TypeDispatchQueued, map[string]any{
		"dispatch_id": rec.ID,
		"tenant_id":   rec.TenantID,
		"agent_type":  rec.AgentType,
	})
	d.audit(rec.TenantID, "SUBMIT", rec.ID, map[string]any{"agent_type": rec.AgentType})

	d.wg.Add(1)
	go d.execute(rec, cu, ws, placement, env)

	return rec, nil
}

// validate normalizes the request in place and resolves its placement.
func (d *Dispatcher) validate(req *Request) (catalog.Placement, error) {
	if req.TenantID == "" {
		return catalog.Placement{}, fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if req.Task == "" {
		return catalog.Placement{}, fmt.Errorf("%w: task is required", ErrValidation)
	}
	if req.AgentType == "" {
		return catalog.Placement{}, fmt.Errorf("%w: agent_type is required", ErrValidation)
	}

	placement, err := d.catalog.Resolve(req.AgentType, req.ModelID)
	if err != nil {
		return catalog.Placement{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch req.WorkspaceMode {
	case "":
		req.WorkspaceMode = workspace.ModeEphemeral
	case workspace.ModeEphemeral, workspace.ModePersistent:
	default:
		return catalog.Placement{}, fmt.Errorf("%w: unknown workspace mode %q", ErrValidation, req.WorkspaceMode)
	}

	maxTimeout := int(d.cfg.MaxTimeout.Std().Seconds())
	switch {
	case req.TimeoutSeconds == 0:
		req.TimeoutSeconds = int(d.cfg.DefaultTimeout.Std().Seconds())
	case req.TimeoutSeconds < 0:
		return catalog.Placement{}, fmt.Errorf("%w: timeout_seconds must be positive", ErrValidation)
	}
	if req.TimeoutSeconds < 1 {
		req.TimeoutSeconds = 1
	}
	if maxTimeout > 0 && req.TimeoutSeconds > maxTimeout {
		req.TimeoutSeconds = maxTimeout
	}

	return placement, nil
}

// execute starts the task on the unit and supervises it to a terminal state.
func (d *Dispatcher) execute(rec Dispatch, cu *pool.ComputeUnit, ws workspace.Workspace,
	placement catalog.Placement, env map[string]string) {
	defer d.wg.Done()

	ctx := d.background
	logger := d.logger.With("dispatch_id", rec.ID, "unit_id", cu.ID)

	spec := substrate.ExecSpec{
		Task:           rec.Task,
		ModelID:        rec.ModelID,
		TimeoutSeconds: rec.TimeoutSeconds,
		WorkspaceDir:   ws.Dir,
		Env:            env,
	}
	if err := cu.Unit().Exec(ctx, spec); err != nil {
		logger.Error("execution start failed", "error", err)
		markErr := d.store.MarkTerminal(ctx, rec.ID, StatusFailed, nil, err.Error())
		switch {
		case errors.Is(markErr, ErrAlreadyTerminal):
			// Cancelled before the start; the cancel already audited.
		case markErr != nil:
			logger.Error("failed to record start failure", "error", markErr)
		default:
			d.audit(rec.TenantID, "FAILED", rec.ID, map[string]any{"error": err.Error()})
		}
		d.finalize(ctx, rec.ID, cu, ws, placement, false)
		return
	}

	if err := d.pool.ConfirmBusy(cu.ID); err != nil {
		logger.Warn("confirm busy failed", "error", err)
	}
	if err := d.store.MarkRunning(ctx, rec.ID); err != nil {
		// A cancel can land between provisioning and here; the unit is
		// already being drained, just wait for it below.
		logger.Debug("mark running skipped", "error", err)
	} else {
		d.hub.Publish(events.TypeDispatchStarted, map[string]any{
			"dispatch_id": rec.ID,
			"tenant_id":   rec.TenantID,
		})
		d.audit(rec.TenantID, "START", rec.ID, nil)
	}

	start := d.now()
	deadline := start.Add(time.Duration(rec.TimeoutSeconds) * time.Second)

	// The unit enforces the timeout itself; the timer is the control
	// plane's independent verification with bounded grace.
	grace := d.cfg.TimeoutGrace.Std()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	backstop := time.NewTimer(time.Until(deadline) + grace)
	defer backstop.Stop()

	healthy := false
	select {
	case <-cu.Unit().Done():
		healthy = d.recordOutcome(ctx, rec, cu, start, deadline, logger)
	case <-backstop.C:
		logger.Warn("unit missed its deadline, forcing termination")
		if err := d.store.MarkTerminal(ctx, rec.ID, StatusTimedOut, nil, "timeout enforced by control plane"); err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			logger.Error("failed to record forced timeout", "error", err)
		}
		d.audit(rec.TenantID, "TIMEOUT", rec.ID, nil)
	}

	d.finalize(ctx, rec.ID, cu, ws, placement, healthy)
}

// recordOutcome maps the unit's terminal description onto the dispatch
// record. It reports whether the unit can be returned to the pool.
func (d *Dispatcher) recordOutcome(ctx context.Context, rec Dispatch, cu *pool.ComputeUnit,
	start, deadline time.Time, logger *slog.Logger) bool {
	desc, err := cu.Unit().Describe(ctx)
	if err != nil {
		logger.Error("describe after completion failed", "error", err)
		if markErr := d.store.MarkTerminal(ctx, rec.ID, StatusFailed, nil, err.Error()); markErr != nil && !errors.Is(markErr, ErrAlreadyTerminal) {
			logger.Error("failed to record failure", "error", markErr)
		}
		return false
	}

	var status Status
	var lastError string
	switch {
	case desc.State == substrate.StateStopped:
		// Stopped by a cancel; the record was already marked.
		status = StatusCancelled
	case desc.ExitCode != nil && *desc.ExitCode == 0:
		status = StatusCompleted
	case !d.now().Before(deadline):
		status = StatusTimedOut
		lastError = fmt.Sprintf("exceeded timeout of %ds", rec.TimeoutSeconds)
	default:
		status = StatusFailed
		if desc.ExitCode != nil {
			lastError = fmt.Sprintf("exit code %d", *desc.ExitCode)
		} else {
			lastError = "unit failed without exit code"
		}
	}

	err = d.store.MarkTerminal(ctx, rec.ID, status, desc.ExitCode, lastError)
	switch {
	case errors.Is(err, ErrAlreadyTerminal):
		// Lost the race to a cancel or forced timeout.
	case err != nil:
		logger.Error("failed to record outcome", "error", err)
	default:
		action := map[Status]string{
			StatusCompleted: "SUCCESS",
			StatusFailed:    "FAILED",
			StatusTimedOut:  "TIMEOUT",
			StatusCancelled: "CANCEL",
		}[status]
		d.audit(rec.TenantID, action, rec.ID, map[string]any{"duration_seconds": d.now().Sub(start).Seconds()})
	}

	return status == StatusCompleted
}

// finalize releases the unit and ephemeral workspace, emits the cost event,
// and publishes the finished notification. It runs exactly once per dispatch.
func (d *Dispatcher) finalize(ctx context.Context, dispatchID string, cu *pool.ComputeUnit,
	ws workspace.Workspace, placement catalog.Placement, healthy bool) {
	d.mu.Lock()
	delete(d.live, dispatchID)
	d.mu.Unlock()

	// Persist the output before the unit can be re-armed by another
	// dispatch, so terminal log reads stay stable.
	if lines, _, err := cu.Unit().Logs(ctx, 0); err == nil {
		if err := d.store.SetOutput(ctx, dispatchID, lines); err != nil {
			d.logger.Warn("failed to persist output", "dispatch_id", dispatchID, "error", err)
		}
	}

	if err := d.pool.Release(ctx, cu.ID, healthy); err != nil && !errors.Is(err, pool.ErrUnknownUnit) {
		d.logger.Warn("release failed", "dispatch_id", dispatchID, "unit_id", cu.ID, "error", err)
	}

	if ws.Mode == workspace.ModeEphemeral && ws.ID != "" {
		if err := d.workspaces.ReleaseEphemeral(ctx, ws.TenantID, ws.ID); err != nil {
			d.logger.Warn("ephemeral workspace reclamation failed", "workspace_id", ws.ID, "error", err)
		}
	}

	final, err := d.store.Get(ctx, "", dispatchID)
	if err != nil {
		d.logger.Error("finalized dispatch not readable", "dispatch_id", dispatchID, "error", err)
		return
	}

	if d.ledger != nil {
		if err := d.ledger.EmitCost(ctx, final, placement, Usage{}); err != nil {
			d.logger.Warn("cost emission failed", "dispatch_id", dispatchID, "error", err)
		}
	}

	d.hub.Publish(events.TypeDispatchFinished, map[string]any{
		"dispatch_id": final.ID,
		"tenant_id":   final.TenantID,
		"status":      final.Status,
	})
}

// rollback is the compensating release for failures between unit acquisition
// and execution start: the reservation is returned and any fresh ephemeral
// workspace removed.
func (d *Dispatcher) rollback(ctx context.Context, cu *pool.ComputeUnit, ws workspace.Workspace) {
	if err := d.pool.Release(ctx, cu.ID, true); err != nil {
		d.logger.Warn("compensating release failed", "unit_id", cu.ID, "error", err)
	}
	if ws.ID != "" && ws.Mode == workspace.ModeEphemeral {
		if err := d.workspaces.ReleaseEphemeral(ctx, ws.TenantID, ws.ID); err != nil {
			d.logger.Warn("compensating workspace release failed", "workspace_id", ws.ID, "error", err)
		}
	}
}

// Cancel requests termination of a non-terminal dispatch. A dispatch that
// finished before the cancel arrived keeps its true outcome and the caller
// gets ErrAlreadyTerminal.
func (d *Dispatcher) Cancel(ctx context.Context, tenantID, dispatchID string) (Dispatch, error) {
	rec, err := d.store.Get(ctx, tenantID, dispatchID)
	if err != nil {
		return Dispatch{}, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, dispatchID, rec.Status)
	}

	if err := d.store.MarkTerminal(ctx, dispatchID, StatusCancelled, nil, "cancelled by caller"); err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			rec, _ = d.store.Get(ctx, tenantID, dispatchID)
			return rec, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, dispatchID, rec.Status)
		}
		return Dispatch{}, err
	}

	d.mu.Lock()
	cu := d.live[dispatchID]
	d.mu.Unlock()

	// Draining wakes the supervising goroutine, which handles release and
	// workspace reclamation.
	if cu != nil {
		if err := d.pool.Drain(ctx, cu.ID); err != nil && !errors.Is(err, pool.ErrUnknownUnit) {
			d.logger.Warn("drain on cancel failed", "dispatch_id", dispatchID, "error", err)
		}
	}

	d.hub.Publish(events.TypeDispatchCancelled, map[string]any{
		"dispatch_id": dispatchID,
		"tenant_id":   rec.TenantID,
	})
	d.audit(rec.TenantID, "CANCEL", dispatchID, nil)

	rec, err = d.store.Get(ctx, tenantID, dispatchID)
	return rec, err
}

// Get returns one dispatch scoped to the tenant.
func (d *Dispatcher) Get(ctx context.Context, tenantID, dispatchID string) (Dispatch, error) {
	return d.store.Get(ctx, tenantID, dispatchID)
}

// List returns the tenant's dispatches, newest first.
func (d *Dispatcher) List(ctx context.Context, tenantID string, limit int) ([]Dispatch, error) {
	return d.store.List(ctx, tenantID, limit)
}

// Unit returns the live compute unit backing a dispatch, if it is still
// executing.
func (d *Dispatcher) Unit(dispatchID string) (substrate.Unit, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cu, ok := d.live[dispatchID]
	if !ok {
		return nil, false
	}
	return cu.Unit(), true
}

// Wait blocks until all supervising goroutines have finished. Used on
// shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) audit(tenantID, action, resource string, metadata map[string]any) {
	if d.ledger == nil {
		return
	}
	if err := d.ledger.RecordAction(d.background, tenantID, action, resource, metadata); err != nil {
		d.logger.Warn("audit record failed", "action", action, "resource", resource, "error", err)
	}
}
