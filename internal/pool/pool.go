// Package pool maintains per-agent-type warm pools of pre-started compute
// units. Acquire/Release/Reconcile are the only mutation paths; the free
// lists are never touched directly.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/outpost/internal/catalog"
	"github.com/mattjoyce/outpost/internal/config"
	"github.com/mattjoyce/outpost/internal/events"
	"github.com/mattjoyce/outpost/internal/log"
	"github.com/mattjoyce/outpost/internal/substrate"
)

// idleRecheckInterval is how often a blocked Acquire re-checks the free list
// for units released by other dispatches.
const idleRecheckInterval = 50 * time.Millisecond

// agentPool is the owned, lock-guarded state for one agent type. All access
// goes through Manager.mu.
type agentPool struct {
	target        int
	idle          []*ComputeUnit
	units         map[string]*ComputeUnit
	waiting       int
	lastScaleUp   time.Time
	lastScaleDown time.Time
}

// Manager owns all agent-type pools.
type Manager struct {
	launcher substrate.Launcher
	catalog  *catalog.Catalog
	cfg      config.PoolConfig
	hub      *events.Hub
	logger   *slog.Logger

	limiter  *rate.Limiter
	inflight chan struct{}

	mu    sync.Mutex
	pools map[string]*agentPool

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewManager creates a pool manager covering every agent type in the catalog.
func NewManager(launcher substrate.Launcher, cat *catalog.Catalog, cfg config.PoolConfig, hub *events.Hub) *Manager {
	if hub == nil {
		hub = events.NewHub(128)
	}
	ratePerSec := cfg.LaunchRatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 2
	}
	burst := cfg.LaunchBurst
	if burst <= 0 {
		burst = 1
	}

	m := &Manager{
		launcher: launcher,
		catalog:  cat,
		cfg:      cfg,
		hub:      hub,
		logger:   log.WithComponent("pool"),
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), burst),
		inflight: make(chan struct{}, cfg.MaxInflightLaunch),
		pools:    make(map[string]*agentPool),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}

	for _, agentType := range cat.AgentTypes() {
		m.pools[agentType] = &agentPool{
			target: cfg.TargetSize,
			units:  make(map[string]*ComputeUnit),
		}
	}
	return m
}

// Start launches the background reconciliation loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.reconcileLoop(ctx)
}

// Stop halts the reconciliation loop and terminates all idle units.
func (m *Manager) Stop(ctx context.Context) {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	var toStop []*ComputeUnit
	for _, p := range m.pools {
		for _, cu := range p.units {
			if cu.State == StateIdle {
				cu.State = StateTerminated
				toStop = append(toStop, cu)
			}
		}
		p.idle = nil
	}
	m.mu.Unlock()

	for _, cu := range toStop {
		if err := cu.unit.Stop(ctx); err != nil {
			m.logger.Warn("failed to stop unit on shutdown", "unit_id", cu.ID, "error", err)
		}
	}
}

// Acquire returns a Reserved unit for agentType: a warm-pool hit when one is
// idle, otherwise a cold launch. It blocks up to the configured acquire wait,
// re-checking the free list so units released by finishing dispatches are
// reused, then fails with ErrCapacityExhausted.
func (m *Manager) Acquire(ctx context.Context, agentType string) (*ComputeUnit, error) {
	if !m.catalog.Has(agentType) {
		return nil, fmt.Errorf("%w: %q", catalog.ErrUnknownAgent, agentType)
	}

	m.addWaiting(agentType, 1)
	defer m.addWaiting(agentType, -1)

	deadline := m.now().Add(m.cfg.AcquireWait.Std())
	for {
		if cu := m.popIdle(agentType); cu != nil {
			m.logger.Debug("warm pool hit", "agent_type", agentType, "unit_id", cu.ID)
			return cu, nil
		}

		// No idle unit: try to claim a cold-launch slot without
		// blocking so released units stay preferred.
		select {
		case m.inflight <- struct{}{}:
			cu, err := m.coldLaunchLocked(ctx, agentType, deadline)
			<-m.inflight
			if err == nil {
				return cu, nil
			}
			m.logger.Warn("cold launch failed", "agent_type", agentType, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrCapacityExhausted, err)
		default:
		}

		if m.now().After(deadline) {
			return nil, fmt.Errorf("%w: no unit for %q within %s", ErrCapacityExhausted, agentType, m.cfg.AcquireWait.Std())
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(idleRecheckInterval):
		}
	}
}

// coldLaunchLocked launches a unit with bounded retries and backoff. The
// caller holds an inflight slot.
func (m *Manager) coldLaunchLocked(ctx context.Context, agentType string, deadline time.Time) (*ComputeUnit, error) {
	placement, err := m.catalog.Resolve(agentType, "")
	if err != nil {
		return nil, err
	}

	launchCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := m.limiter.Wait(launchCtx); err != nil {
		return nil, fmt.Errorf("launch rate limit: %w", err)
	}

	spec := substrate.LaunchSpec{
		AgentType: agentType,
		Image:     placement.Image,
		CPUClass:  placement.Profile.CPUClass,
		MemoryMB:  placement.Profile.MemoryMB,
	}

	backoff := m.cfg.LaunchBackoffBase.Std()
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.LaunchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-launchCtx.Done():
				return nil, launchCtx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		unit, err := m.launcher.Start(launchCtx, spec)
		if err != nil {
			lastErr = err
			continue
		}

		cu := &ComputeUnit{
			ID:         "cu-" + uuid.NewString(),
			AgentType:  agentType,
			State:      StateReserved,
			AcquiredAt: m.now(),
			unit:       unit,
		}

		m.mu.Lock()
		m.pools[agentType].units[cu.ID] = cu
		m.mu.Unlock()

		m.hub.Publish(events.TypePoolLaunched, map[string]any{
			"agent_type": agentType,
			"unit_id":    cu.ID,
			"cold":       true,
		})
		return cu, nil
	}
	return nil, fmt.Errorf("cold launch after %d attempts: %w", m.cfg.LaunchRetries+1, lastErr)
}

// popIdle atomically removes and reserves one idle unit, if any.
func (m *Manager) popIdle(agentType string) *ComputeUnit {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pools[agentType]
	if p == nil || len(p.idle) == 0 {
		return nil
	}

	cu := p.idle[0]
	p.idle = p.idle[1:]
	cu.State = StateReserved
	cu.AcquiredAt = m.now()
	return cu
}

// ConfirmBusy transitions a Reserved unit to Busy once execution has started.
func (m *Manager) ConfirmBusy(unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cu := m.findLocked(unitID)
	if cu == nil {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	if cu.State != StateReserved {
		return fmt.Errorf("unit %s is %s, not reserved", unitID, cu.State)
	}
	cu.State = StateBusy
	return nil
}

// Release returns a unit's capacity. Healthy units go back to the free list;
// unhealthy units are drained and terminated.
func (m *Manager) Release(ctx context.Context, unitID string, healthy bool) error {
	m.mu.Lock()
	cu := m.findLocked(unitID)
	if cu == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	if cu.State != StateReserved && cu.State != StateBusy {
		state := cu.State
		m.mu.Unlock()
		return fmt.Errorf("unit %s is %s, not reserved or busy", unitID, state)
	}

	if healthy {
		cu.State = StateIdle
		cu.IdleSince = m.now()
		cu.AcquiredAt = time.Time{}
		m.pools[cu.AgentType].idle = append(m.pools[cu.AgentType].idle, cu)
		m.mu.Unlock()
		return nil
	}

	cu.State = StateDraining
	m.mu.Unlock()
	return m.terminate(ctx, cu, "unhealthy_release")
}

// Drain removes a unit from service (cancellation path). The unit is never
// returned to the free list.
func (m *Manager) Drain(ctx context.Context, unitID string) error {
	m.mu.Lock()
	cu := m.findLocked(unitID)
	if cu == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	if cu.State == StateTerminated || cu.State == StateDraining {
		m.mu.Unlock()
		return nil
	}
	if cu.State == StateIdle {
		m.removeIdleLocked(cu)
	}
	cu.State = StateDraining
	m.mu.Unlock()

	return m.terminate(ctx, cu, "drain")
}

// terminate stops the substrate unit and records the terminal state.
func (m *Manager) terminate(ctx context.Context, cu *ComputeUnit, reason string) error {
	err := cu.unit.Stop(ctx)

	m.mu.Lock()
	cu.State = StateTerminated
	delete(m.pools[cu.AgentType].units, cu.ID)
	m.mu.Unlock()

	m.hub.Publish(events.TypePoolEvicted, map[string]any{
		"agent_type": cu.AgentType,
		"unit_id":    cu.ID,
		"reason":     reason,
	})

	if err != nil {
		return fmt.Errorf("stop unit %s: %w", cu.ID, err)
	}
	return nil
}

// Snapshot returns current metrics for every agent-type pool.
func (m *Manager) Snapshot() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Metrics, 0, len(m.pools))
	for _, agentType := range m.catalog.AgentTypes() {
		p := m.pools[agentType]
		metric := Metrics{
			AgentType: agentType,
			Idle:      len(p.idle),
			Target:    p.target,
			Waiting:   p.waiting,
		}
		for _, cu := range p.units {
			switch cu.State {
			case StateReserved:
				metric.Reserved++
			case StateBusy:
				metric.Busy++
			}
		}
		out = append(out, metric)
	}
	return out
}

func (m *Manager) addWaiting(agentType string, delta int) {
	m.mu.Lock()
	if p := m.pools[agentType]; p != nil {
		p.waiting += delta
	}
	m.mu.Unlock()
}

// findLocked scans all pools for a unit id. Caller holds m.mu.
func (m *Manager) findLocked(unitID string) *ComputeUnit {
	for _, p := range m.pools {
		if cu, ok := p.units[unitID]; ok {
			return cu
		}
	}
	return nil
}

// removeIdleLocked drops cu from its pool's free list. Caller holds m.mu.
func (m *Manager) removeIdleLocked(cu *ComputeUnit) {
	p := m.pools[cu.AgentType]
	for i, candidate := range p.idle {
		if candidate.ID == cu.ID {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}
