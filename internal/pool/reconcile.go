package pool

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/outpost/internal/events"
	"github.com/mattjoyce/outpost/internal/substrate"
)

// reconcileLoop runs the periodic background pass: TTL eviction, health
// checks, replenishment, and demand-based autoscaling. Individual failures
// never stop the loop.
func (m *Manager) reconcileLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.ReconcileInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	// Initial pass pre-warms the pools immediately.
	m.Reconcile(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Reconcile(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Reconcile performs one reconciliation pass across all agent-type pools.
func (m *Manager) Reconcile(ctx context.Context) {
	for _, agentType := range m.catalog.AgentTypes() {
		m.evictExpired(ctx, agentType)
		m.evictUnhealthy(ctx, agentType)
		m.autoscale(agentType)
		m.replenish(ctx, agentType)
	}
}

// evictExpired terminates idle units whose idle duration exceeds the TTL.
func (m *Manager) evictExpired(ctx context.Context, agentType string) {
	cutoff := m.now().Add(-m.cfg.IdleTTL.Std())

	m.mu.Lock()
	p := m.pools[agentType]
	var expired []*ComputeUnit
	var kept []*ComputeUnit
	for _, cu := range p.idle {
		if cu.IdleSince.Before(cutoff) {
			cu.State = StateDraining
			expired = append(expired, cu)
		} else {
			kept = append(kept, cu)
		}
	}
	p.idle = kept
	m.mu.Unlock()

	for _, cu := range expired {
		m.logger.Info("evicting idle unit past TTL", "agent_type", agentType, "unit_id", cu.ID)
		if err := m.terminate(ctx, cu, "idle_ttl"); err != nil {
			m.logger.Warn("failed to terminate expired unit", "unit_id", cu.ID, "error", err)
		}
	}
}

// evictUnhealthy terminates idle units whose substrate state is no longer
// ready.
func (m *Manager) evictUnhealthy(ctx context.Context, agentType string) {
	m.mu.Lock()
	p := m.pools[agentType]
	idle := append([]*ComputeUnit(nil), p.idle...)
	m.mu.Unlock()

	for _, cu := range idle {
		desc, err := cu.unit.Describe(ctx)
		// Exited units re-arm on their next execution.
		healthy := err == nil && (desc.State == substrate.StateReady || desc.State == substrate.StateExited)
		if healthy {
			continue
		}

		m.mu.Lock()
		// Re-check under the lock; the unit may have been acquired.
		if cu.State != StateIdle {
			m.mu.Unlock()
			continue
		}
		m.removeIdleLocked(cu)
		cu.State = StateDraining
		m.mu.Unlock()

		m.logger.Warn("terminating unhealthy idle unit", "agent_type", agentType, "unit_id", cu.ID)
		if err := m.terminate(ctx, cu, "unhealthy"); err != nil {
			m.logger.Warn("failed to terminate unhealthy unit", "unit_id", cu.ID, "error", err)
		}
	}
}

// autoscale adjusts the pool target between [min, max] based on observed
// queue depth, with cooldowns to prevent oscillation.
func (m *Manager) autoscale(agentType string) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pools[agentType]
	switch {
	case p.waiting > m.cfg.ScaleQueueDepthHi && p.target < m.cfg.MaxSize:
		if now.Sub(p.lastScaleUp) < m.cfg.ScaleUpCooldown.Std() {
			return
		}
		p.target++
		p.lastScaleUp = now
		m.logger.Info("scaling pool up", "agent_type", agentType, "target", p.target, "waiting", p.waiting)
		m.hub.Publish(events.TypePoolScaled, map[string]any{
			"agent_type": agentType, "target": p.target, "direction": "up",
		})

	case p.waiting <= m.cfg.ScaleQueueDepthLo && p.target > m.cfg.MinSize && len(p.idle) > 0 && p.target > m.cfg.TargetSize:
		if now.Sub(p.lastScaleDown) < m.cfg.ScaleDownCooldown.Std() {
			return
		}
		p.target--
		p.lastScaleDown = now
		m.logger.Info("scaling pool down", "agent_type", agentType, "target", p.target)
		m.hub.Publish(events.TypePoolScaled, map[string]any{
			"agent_type": agentType, "target": p.target, "direction": "down",
		})
	}
}

// replenish cold-launches idle units until the pool reaches its target size.
func (m *Manager) replenish(ctx context.Context, agentType string) {
	for {
		m.mu.Lock()
		deficit := m.pools[agentType].target - len(m.pools[agentType].idle)
		m.mu.Unlock()
		if deficit <= 0 {
			return
		}

		// Respect the global in-flight launch limit without blocking
		// the reconciliation pass.
		select {
		case m.inflight <- struct{}{}:
		default:
			return
		}
		cu, err := m.prewarm(ctx, agentType)
		<-m.inflight

		if err != nil {
			m.logger.Warn("pool replenish launch failed", "agent_type", agentType, "error", err)
			return
		}
		m.logger.Debug("pre-warmed unit", "agent_type", agentType, "unit_id", cu.ID)
	}
}

// prewarm launches one unit directly into the free list.
func (m *Manager) prewarm(ctx context.Context, agentType string) (*ComputeUnit, error) {
	placement, err := m.catalog.Resolve(agentType, "")
	if err != nil {
		return nil, err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	unit, err := m.launcher.Start(ctx, substrate.LaunchSpec{
		AgentType: agentType,
		Image:     placement.Image,
		CPUClass:  placement.Profile.CPUClass,
		MemoryMB:  placement.Profile.MemoryMB,
	})
	if err != nil {
		return nil, err
	}

	cu := &ComputeUnit{
		ID:        "cu-" + uuid.NewString(),
		AgentType: agentType,
		State:     StateIdle,
		IdleSince: m.now(),
		unit:      unit,
	}

	m.mu.Lock()
	p := m.pools[agentType]
	p.units[cu.ID] = cu
	p.idle = append(p.idle, cu)
	m.mu.Unlock()

	m.hub.Publish(events.TypePoolLaunched, map[string]any{
		"agent_type": agentType,
		"unit_id":    cu.ID,
		"cold":       false,
	})
	return cu, nil
}
