// Package billing computes cost breakdowns for terminal dispatches and emits
// them, with the audit trail, to a downstream collector.
package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/outpost/internal/catalog"
	"github.com/mattjoyce/outpost/internal/config"
	"github.com/mattjoyce/outpost/internal/dispatch"
	"github.com/mattjoyce/outpost/internal/log"
)

// baseCostPerToken is the per-token baseline before the model's cost
// multiplier is applied.
const baseCostPerToken = 0.000002

// Breakdown is the cost decomposition attached to a terminal dispatch.
type Breakdown struct {
	DurationSeconds float64 `json:"duration_seconds"`
	ComputeCost     float64 `json:"compute_cost"`
	TokensInput     int64   `json:"tokens_input"`
	TokensOutput    int64   `json:"tokens_output"`
	TokenCost       float64 `json:"token_cost"`
	Total           float64 `json:"total"`
	Currency        string  `json:"currency"`
}

// CostEvent is the record sent downstream. Status is always included so
// billing policy can distinguish billable-partial outcomes.
type CostEvent struct {
	DispatchID string          `json:"dispatch_id"`
	TenantID   string          `json:"tenant_id"`
	AgentType  string          `json:"agent_type"`
	ModelID    string          `json:"model_id"`
	Status     dispatch.Status `json:"status"`
	Breakdown  Breakdown       `json:"breakdown"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// EventSink is the downstream billing collaborator.
type EventSink interface {
	Send(ctx context.Context, ev CostEvent) error
}

// LogSink writes cost events to the service log. It is the default sink when
// no collector is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: log.WithComponent("billing.sink")}
}

func (s *LogSink) Send(_ context.Context, ev CostEvent) error {
	s.logger.Info("cost event",
		"dispatch_id", ev.DispatchID,
		"tenant_id", ev.TenantID,
		"status", ev.Status,
		"duration_seconds", ev.Breakdown.DurationSeconds,
		"total", ev.Breakdown.Total)
	return nil
}

// Emitter finalizes terminal dispatches: it derives the cost breakdown,
// persists it and an audit row, and delivers the event to the sink with
// at-least-once semantics. It never mutates a terminal record beyond the
// one-time cost attachment.
type Emitter struct {
	store  *dispatch.Store
	db     *sql.DB
	sink   EventSink
	cfg    config.BillingConfig
	logger *slog.Logger
	now    func() time.Time
}

var _ dispatch.Ledger = (*Emitter)(nil)

func NewEmitter(store *dispatch.Store, db *sql.DB, sink EventSink, cfg config.BillingConfig) *Emitter {
	if sink == nil {
		sink = NewLogSink()
	}
	return &Emitter{
		store:  store,
		db:     db,
		sink:   sink,
		cfg:    cfg,
		logger: log.WithComponent("billing"),
		now:    time.Now,
	}
}

// EmitCost computes and emits the cost event for a terminal dispatch.
// Delivery failures are retried up to the configured budget; the terminal
// record itself is never re-opened.
func (e *Emitter) EmitCost(ctx context.Context, d dispatch.Dispatch, placement catalog.Placement, usage dispatch.Usage) error {
	if !d.Status.Terminal() {
		return fmt.Errorf("dispatch %s is %s, not terminal", d.ID, d.Status)
	}

	breakdown := Compute(d, placement, usage)

	raw, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}
	if err := e.store.SetCostBreakdown(ctx, d.ID, raw); err != nil {
		// A redelivery after a partial failure hits the write-once
		// guard; that is expected.
		e.logger.Debug("cost breakdown not written", "dispatch_id", d.ID, "error", err)
	}

	ev := CostEvent{
		DispatchID: d.ID,
		TenantID:   d.TenantID,
		AgentType:  d.AgentType,
		ModelID:    d.ModelID,
		Status:     d.Status,
		Breakdown:  breakdown,
		RecordedAt: e.now().UTC(),
	}

	return e.deliver(ctx, ev)
}

// Compute derives the cost breakdown from the resource profile, duration,
// and reported token usage.
func Compute(d dispatch.Dispatch, placement catalog.Placement, usage dispatch.Usage) Breakdown {
	var duration float64
	if d.StartedAt != nil && d.EndedAt != nil {
		duration = d.EndedAt.Sub(*d.StartedAt).Seconds()
		if duration < 0 {
			duration = 0
		}
	}

	compute := duration * placement.Profile.RatePerSecond
	tokens := usage.TokensInput + usage.TokensOutput
	tokenCost := float64(tokens) * baseCostPerToken * placement.Model.CostMultiplier

	return Breakdown{
		DurationSeconds: duration,
		ComputeCost:     compute,
		TokensInput:     usage.TokensInput,
		TokensOutput:    usage.TokensOutput,
		TokenCost:       tokenCost,
		Total:           compute + tokenCost,
		Currency:        "usd",
	}
}

// deliver sends the event with bounded retries and backoff.
func (e *Emitter) deliver(ctx context.Context, ev CostEvent) error {
	backoff := e.cfg.EmitBackoff.Std()
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.EmitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if lastErr = e.sink.Send(ctx, ev); lastErr == nil {
			return nil
		}
		e.logger.Warn("cost event delivery failed",
			"dispatch_id", ev.DispatchID, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("deliver cost event for %s: %w", ev.DispatchID, lastErr)
}

// AuditEntry is one immutable audit trail row.
type AuditEntry struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// RecordAction appends an audit row stamped with the retention deadline.
func (e *Emitter) RecordAction(ctx context.Context, tenantID, action, resource string, metadata map[string]any) error {
	var meta any
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		meta = string(raw)
	}

	now := e.now().UTC()
	expires := now.Add(e.cfg.AuditRetention.Std())
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, tenant_id, action, resource, metadata, recorded_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), tenantID, action, resource, meta,
		now.Format(time.RFC3339Nano), expires.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// ListAudit returns the tenant's audit trail, newest first.
func (e *Emitter) ListAudit(ctx context.Context, tenantID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, tenant_id, action, resource, metadata, recorded_at
		 FROM audit_log WHERE tenant_id = ? ORDER BY recorded_at DESC LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var meta sql.NullString
		var recordedAt string
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.Action, &entry.Resource, &meta, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if meta.Valid {
			entry.Metadata = json.RawMessage(meta.String)
		}
		if entry.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// PurgeExpired drops audit rows past their retention deadline.
func (e *Emitter) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := e.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE expires_at < ?`, e.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge audit rows: %w", err)
	}
	return res.RowsAffected()
}
