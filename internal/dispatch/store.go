package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/outpost/internal/workspace"
)

// Store persists dispatch records in SQLite. Status changes go through the
// Mark* methods, which enforce the state machine with guarded updates so
// concurrent writers cannot regress a record.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts a new record in Queued state.
func (s *Store) Create(ctx context.Context, d Dispatch) error {
	if d.Status == "" {
		d.Status = StatusQueued
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches
		   (id, tenant_id, agent_type, model_id, task, status, timeout_seconds,
		    workspace_mode, workspace_id, unit_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.AgentType, d.ModelID, d.Task, string(d.Status),
		d.TimeoutSeconds, string(d.WorkspaceMode), nullable(d.WorkspaceID),
		nullable(d.UnitRef), formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

// Get returns the dispatch by id scoped to tenantID. An empty tenantID is an
// administrative read that skips the tenant filter. Foreign-tenant ids are
// indistinguishable from missing ones.
func (s *Store) Get(ctx context.Context, tenantID, id string) (Dispatch, error) {
	query := selectColumns + ` FROM dispatches WHERE id = ?`
	args := []any{id}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	return scanDispatch(s.db.QueryRowContext(ctx, query, args...))
}

// List returns the tenant's dispatches, newest first, capped at limit.
func (s *Store) List(ctx context.Context, tenantID string, limit int) ([]Dispatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM dispatches WHERE tenant_id = ? ORDER BY id DESC LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkProvisioning records unit and workspace assignment on a queued record.
func (s *Store) MarkProvisioning(ctx context.Context, id, unitRef, workspaceID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatches SET status = ?, unit_ref = ?, workspace_id = ?
		 WHERE id = ? AND status = ?`,
		string(StatusProvisioning), unitRef, nullable(workspaceID), id, string(StatusQueued))
	if err != nil {
		return fmt.Errorf("mark provisioning: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// MarkRunning sets started_at exactly once, on entry to Running.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatches SET status = ?, started_at = ?
		 WHERE id = ? AND status IN (?, ?) AND started_at IS NULL`,
		string(StatusRunning), formatTime(s.now()), id,
		string(StatusQueued), string(StatusProvisioning))
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// MarkTerminal moves the record to a terminal status and stamps ended_at. A
// record that is already terminal keeps its outcome and the caller gets
// ErrAlreadyTerminal; this is how a cancel racing an in-flight completion is
// resolved in favor of the true outcome.
func (s *Store) MarkTerminal(ctx context.Context, id string, to Status, exitCode *int, lastError string) error {
	if !to.Terminal() {
		return fmt.Errorf("%s is not a terminal status", to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatches SET status = ?, exit_code = ?, last_error = ?, ended_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		string(to), nullableInt(exitCode), nullable(lastError), formatTime(s.now()), id,
		string(StatusCompleted), string(StatusFailed), string(StatusTimedOut), string(StatusCancelled))
	if err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// SetOutput stores the final log output so terminal dispatches serve stable
// log re-reads after their compute unit is gone.
func (s *Store) SetOutput(ctx context.Context, id string, lines []string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dispatches SET output = ? WHERE id = ? AND output IS NULL`,
		strings.Join(lines, "\n"), id)
	if err != nil {
		return fmt.Errorf("set output: %w", err)
	}
	return nil
}

// SetCostBreakdown attaches the computed cost to a terminal record, once.
func (s *Store) SetCostBreakdown(ctx context.Context, id string, breakdown json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatches SET cost_breakdown = ?
		 WHERE id = ? AND cost_breakdown IS NULL AND ended_at IS NOT NULL`,
		string(breakdown), id)
	if err != nil {
		return fmt.Errorf("set cost breakdown: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("dispatch %s: cost already recorded or not terminal", id)
	}
	return nil
}

// checkAffected distinguishes a missing record from a guard rejection.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := s.Get(ctx, "", id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, current.Status)
	}
	return fmt.Errorf("dispatch %s: illegal transition from %s", id, current.Status)
}

const selectColumns = `SELECT id, tenant_id, agent_type, model_id, task, status, timeout_seconds,
  workspace_mode, workspace_id, unit_ref, exit_code, last_error,
  created_at, started_at, ended_at, cost_breakdown, output`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispatch(row rowScanner) (Dispatch, error) {
	var d Dispatch
	var status, mode, createdAt string
	var workspaceID, unitRef, lastError, startedAt, endedAt, cost, output sql.NullString
	var exitCode sql.NullInt64

	err := row.Scan(&d.ID, &d.TenantID, &d.AgentType, &d.ModelID, &d.Task,
		&status, &d.TimeoutSeconds, &mode, &workspaceID, &unitRef,
		&exitCode, &lastError, &createdAt, &startedAt, &endedAt, &cost, &output)
	if errors.Is(err, sql.ErrNoRows) {
		return Dispatch{}, ErrNotFound
	}
	if err != nil {
		return Dispatch{}, fmt.Errorf("scan dispatch: %w", err)
	}

	d.Status = Status(status)
	d.WorkspaceMode = workspace.Mode(mode)
	d.WorkspaceID = workspaceID.String
	d.UnitRef = unitRef.String
	d.LastError = lastError.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		d.ExitCode = &code
	}
	if cost.Valid {
		d.CostBreakdown = json.RawMessage(cost.String)
	}
	if output.Valid && output.String != "" {
		d.Output = strings.Split(output.String, "\n")
	}

	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Dispatch{}, err
	}
	if d.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return Dispatch{}, err
	}
	if d.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return Dispatch{}, err
	}
	return d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
