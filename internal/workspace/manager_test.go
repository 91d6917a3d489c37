package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/outpost/internal/config"
	"github.com/mattjoyce/outpost/internal/events"
	"github.com/mattjoyce/outpost/internal/log"
	"github.com/mattjoyce/outpost/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.WorkspaceConfig{
		Root:          filepath.Join(dir, "workspaces"),
		PersistentTTL: config.Duration(30 * 24 * time.Hour),
		SweepInterval: config.Duration(time.Hour),
	}
	return NewManager(db, cfg, events.NewHub(16))
}

func TestAttachEphemeralIsAlwaysFresh(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.Attach(ctx, "tenant-a", ModeEphemeral, "")
	require.NoError(t, err)
	b, err := m.Attach(ctx, "tenant-a", ModeEphemeral, "")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Nil(t, a.ExpiresAt)
	assert.DirExists(t, a.Dir)
	assert.DirExists(t, b.Dir)
}

func TestAttachPersistentReusesByName(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Attach(ctx, "tenant-a", ModePersistent, "scratch")
	require.NoError(t, err)
	require.NotNil(t, first.ExpiresAt)

	again, err := m.Attach(ctx, "tenant-a", ModePersistent, "scratch")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Dir, again.Dir)

	// The attach refreshed the expiry heartbeat.
	assert.False(t, again.ExpiresAt.Before(*first.ExpiresAt))
}

func TestAttachPersistentScopedPerTenant(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.Attach(ctx, "tenant-a", ModePersistent, "default")
	require.NoError(t, err)
	b, err := m.Attach(ctx, "tenant-b", ModePersistent, "default")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Dir, b.Dir)
}

func TestDeleteForeignTenantIsNotFound(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Attach(ctx, "tenant-b", ModePersistent, "default")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Delete(ctx, "tenant-a", ws.ID), ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, "tenant-a", "ws-missing"), ErrNotFound)

	// The owner can still delete it.
	require.NoError(t, m.Delete(ctx, "tenant-b", ws.ID))
	assert.NoDirExists(t, ws.Dir)
	assert.ErrorIs(t, m.Delete(ctx, "tenant-b", ws.ID), ErrNotFound)
}

func TestListOnlyTenantsOwn(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Attach(ctx, "tenant-a", ModePersistent, "one")
	require.NoError(t, err)
	_, err = m.Attach(ctx, "tenant-a", ModePersistent, "two")
	require.NoError(t, err)
	_, err = m.Attach(ctx, "tenant-b", ModePersistent, "one")
	require.NoError(t, err)

	listed, err := m.List(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	for _, ws := range listed {
		assert.Equal(t, "tenant-a", ws.TenantID)
	}
}

func TestListReportsSizeEstimate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Attach(ctx, "tenant-a", ModePersistent, "default")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "out.txt"), []byte("hello world"), 0o644))

	listed, err := m.List(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, int64(len("hello world")), listed[0].SizeBytesEst)
}

func TestReleaseEphemeral(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	eph, err := m.Attach(ctx, "tenant-a", ModeEphemeral, "")
	require.NoError(t, err)
	pers, err := m.Attach(ctx, "tenant-a", ModePersistent, "keep")
	require.NoError(t, err)

	require.NoError(t, m.ReleaseEphemeral(ctx, "tenant-a", eph.ID))
	assert.NoDirExists(t, eph.Dir)

	// Releasing twice is harmless; persistent workspaces are untouched.
	require.NoError(t, m.ReleaseEphemeral(ctx, "tenant-a", eph.ID))
	require.NoError(t, m.ReleaseEphemeral(ctx, "tenant-a", pers.ID))
	assert.DirExists(t, pers.Dir)
}

func TestSweepExpiresPersistentWorkspaces(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	ws, err := m.Attach(ctx, "tenant-a", ModePersistent, "stale")
	require.NoError(t, err)
	fresh, err := m.Attach(ctx, "tenant-a", ModePersistent, "fresh")
	require.NoError(t, err)

	hubCh, cancel := m.hub.Subscribe()
	defer cancel()

	now = now.Add(m.cfg.PersistentTTL.Std() + time.Hour)
	// Re-attach keeps "fresh" alive past the sweep cutoff.
	_, err = m.Attach(ctx, "tenant-a", ModePersistent, "fresh")
	require.NoError(t, err)

	require.NoError(t, m.Sweep(ctx))

	assert.NoDirExists(t, ws.Dir)
	assert.DirExists(t, fresh.Dir)

	listed, err := m.List(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, fresh.ID, listed[0].ID)

	select {
	case ev := <-hubCh:
		assert.Equal(t, events.TypeWorkspaceExpired, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no expiry event published")
	}
}
