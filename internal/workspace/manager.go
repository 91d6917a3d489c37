// Package workspace manages tenant-scoped working directories. Every lookup
// requires the tenant id; there is no path that resolves a workspace by id
// alone.
package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/outpost/internal/config"
	"github.com/mattjoyce/outpost/internal/events"
	"github.com/mattjoyce/outpost/internal/log"
)

var ErrNotFound = errors.New("workspace not found")

// Mode determines whether a workspace outlives its dispatch.
type Mode string

const (
	ModeEphemeral  Mode = "ephemeral"
	ModePersistent Mode = "persistent"
)

// DefaultName is the logical name used when a persistent attach does not
// specify one.
const DefaultName = "default"

// Workspace is the metadata record for one working directory.
type Workspace struct {
	ID             string     `json:"workspace_id"`
	TenantID       string     `json:"tenant_id"`
	Name           string     `json:"name"`
	Mode           Mode       `json:"mode"`
	Dir            string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	SizeBytesEst   int64      `json:"size_bytes_estimate"`
}

// Manager owns workspace metadata and the backing directories under root.
type Manager struct {
	db     *sql.DB
	cfg    config.WorkspaceConfig
	hub    *events.Hub
	logger *slog.Logger

	stopCh chan struct{}
	done   chan struct{}
	now    func() time.Time
}

func NewManager(db *sql.DB, cfg config.WorkspaceConfig, hub *events.Hub) *Manager {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Manager{
		db:     db,
		cfg:    cfg,
		hub:    hub,
		logger: log.WithComponent("workspace"),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Attach creates or reuses a workspace for the tenant. Ephemeral workspaces
// are always fresh. Persistent workspaces are keyed by (tenant, name) and
// each attach pushes expiry out by the configured TTL.
func (m *Manager) Attach(ctx context.Context, tenantID string, mode Mode, name string) (Workspace, error) {
	if tenantID == "" {
		return Workspace{}, fmt.Errorf("tenant id is required")
	}
	switch mode {
	case ModeEphemeral, ModePersistent:
	case "":
		mode = ModeEphemeral
	default:
		return Workspace{}, fmt.Errorf("unknown workspace mode %q", mode)
	}

	now := m.now().UTC()

	if mode == ModePersistent {
		if name == "" {
			name = DefaultName
		}
		existing, err := m.getByName(ctx, tenantID, name)
		if err == nil {
			expires := now.Add(m.cfg.PersistentTTL.Std())
			_, err = m.db.ExecContext(ctx,
				`UPDATE workspaces SET last_accessed_at = ?, expires_at = ? WHERE id = ? AND tenant_id = ?`,
				formatTime(now), formatTime(expires), existing.ID, tenantID)
			if err != nil {
				return Workspace{}, fmt.Errorf("refresh workspace: %w", err)
			}
			existing.LastAccessedAt = now
			existing.ExpiresAt = &expires
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Workspace{}, err
		}
	}

	ws := Workspace{
		ID:             "ws-" + uuid.NewString(),
		TenantID:       tenantID,
		Name:           name,
		Mode:           mode,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if name == "" {
		ws.Name = ws.ID
	}
	ws.Dir = filepath.Join(m.cfg.Root, tenantID, ws.ID)
	if mode == ModePersistent {
		expires := now.Add(m.cfg.PersistentTTL.Std())
		ws.ExpiresAt = &expires
	}

	if err := os.MkdirAll(ws.Dir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace dir: %w", err)
	}

	_, err := m.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, tenant_id, name, mode, dir, created_at, last_accessed_at, expires_at, size_bytes_est)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		ws.ID, ws.TenantID, ws.Name, string(ws.Mode), ws.Dir,
		formatTime(ws.CreatedAt), formatTime(ws.LastAccessedAt), formatTimePtr(ws.ExpiresAt))
	if err != nil {
		_ = os.RemoveAll(ws.Dir)
		return Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}
	return ws, nil
}

// Get returns the tenant's workspace by id, or ErrNotFound. Foreign-tenant
// ids are indistinguishable from missing ones.
func (m *Manager) Get(ctx context.Context, tenantID, workspaceID string) (Workspace, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, mode, dir, created_at, last_accessed_at, expires_at, size_bytes_est
		 FROM workspaces WHERE id = ? AND tenant_id = ?`, workspaceID, tenantID)
	return scanWorkspace(row)
}

// List returns all of the tenant's workspaces with refreshed size estimates.
func (m *Manager) List(ctx context.Context, tenantID string) ([]Workspace, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, mode, dir, created_at, last_accessed_at, expires_at, size_bytes_est
		 FROM workspaces WHERE tenant_id = ? ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		ws.SizeBytesEst = dirSize(ws.Dir)
		out = append(out, ws)
	}
	return out, rows.Err()
}

// Delete removes the tenant's workspace and its backing directory. Deleting
// an unknown or foreign-tenant workspace returns ErrNotFound.
func (m *Manager) Delete(ctx context.Context, tenantID, workspaceID string) error {
	ws, err := m.Get(ctx, tenantID, workspaceID)
	if err != nil {
		return err
	}
	return m.remove(ctx, ws)
}

// ReleaseEphemeral reclaims an ephemeral workspace after its dispatch reached
// a terminal state. Reclamation is unconditional; a missing row is not an
// error.
func (m *Manager) ReleaseEphemeral(ctx context.Context, tenantID, workspaceID string) error {
	ws, err := m.Get(ctx, tenantID, workspaceID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ws.Mode != ModeEphemeral {
		return nil
	}
	return m.remove(ctx, ws)
}

// Start launches the background expiry sweep.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.done)

		interval := m.cfg.SweepInterval.Std()
		if interval <= 0 {
			interval = 10 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := m.Sweep(ctx); err != nil {
					m.logger.Warn("workspace sweep failed", "error", err)
				}
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background sweep.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.done
}

// Sweep expires persistent workspaces whose expiry has passed, removing
// metadata and backing storage.
func (m *Manager) Sweep(ctx context.Context) error {
	now := formatTime(m.now().UTC())
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, mode, dir, created_at, last_accessed_at, expires_at, size_bytes_est
		 FROM workspaces WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return fmt.Errorf("query expired workspaces: %w", err)
	}

	var expired []Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			rows.Close()
			return err
		}
		expired = append(expired, ws)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ws := range expired {
		if err := m.remove(ctx, ws); err != nil {
			m.logger.Warn("failed to expire workspace", "workspace_id", ws.ID, "error", err)
			continue
		}
		m.logger.Info("expired workspace", "workspace_id", ws.ID, "tenant_id", ws.TenantID)
		m.hub.Publish(events.TypeWorkspaceExpired, map[string]any{
			"workspace_id": ws.ID,
			"tenant_id":    ws.TenantID,
			"name":         ws.Name,
		})
	}
	return nil
}

func (m *Manager) remove(ctx context.Context, ws Workspace) error {
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM workspaces WHERE id = ? AND tenant_id = ?`, ws.ID, ws.TenantID); err != nil {
		return fmt.Errorf("delete workspace row: %w", err)
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("remove workspace dir: %w", err)
	}
	return nil
}

func (m *Manager) getByName(ctx context.Context, tenantID, name string) (Workspace, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, mode, dir, created_at, last_accessed_at, expires_at, size_bytes_est
		 FROM workspaces WHERE tenant_id = ? AND name = ? AND mode = ?`,
		tenantID, name, string(ModePersistent))
	return scanWorkspace(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (Workspace, error) {
	var ws Workspace
	var mode, createdAt, lastAccessed string
	var expiresAt sql.NullString
	err := row.Scan(&ws.ID, &ws.TenantID, &ws.Name, &mode, &ws.Dir,
		&createdAt, &lastAccessed, &expiresAt, &ws.SizeBytesEst)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, ErrNotFound
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("scan workspace: %w", err)
	}

	ws.Mode = Mode(mode)
	if ws.CreatedAt, err = parseTime(createdAt); err != nil {
		return Workspace{}, err
	}
	if ws.LastAccessedAt, err = parseTime(lastAccessed); err != nil {
		return Workspace{}, err
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return Workspace{}, err
		}
		ws.ExpiresAt = &t
	}
	return ws, nil
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}
