package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/outpost/internal/log"
	"github.com/mattjoyce/outpost/internal/storage"
	"github.com/mattjoyce/outpost/internal/workspace"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func seedDispatch(t *testing.T, s *Store, tenantID string, at time.Time) Dispatch {
	t.Helper()
	d := Dispatch{
		ID:             NewID(at),
		TenantID:       tenantID,
		AgentType:      "claude",
		ModelID:        "claude-large",
		Task:           "echo hi",
		Status:         StatusQueued,
		TimeoutSeconds: 60,
		WorkspaceMode:  workspace.ModeEphemeral,
		CreatedAt:      at.UTC(),
	}
	require.NoError(t, s.Create(context.Background(), d))
	return d
}

func TestStoreCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := seedDispatch(t, s, "tenant-a", time.Now())

	got, err := s.Get(ctx, "tenant-a", d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, "echo hi", got.Task)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)
}

func TestStoreGetIsTenantScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := seedDispatch(t, s, "tenant-a", time.Now())

	_, err := s.Get(ctx, "tenant-b", d.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Administrative reads skip the filter.
	_, err = s.Get(ctx, "", d.ID)
	assert.NoError(t, err)

	_, err = s.Get(ctx, "tenant-a", "01J00000000000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreLifecycleTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := seedDispatch(t, s, "tenant-a", time.Now())

	require.NoError(t, s.MarkProvisioning(ctx, d.ID, "cu-1", "ws-1"))
	require.NoError(t, s.MarkRunning(ctx, d.ID))

	got, err := s.Get(ctx, "tenant-a", d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "cu-1", got.UnitRef)
	assert.Equal(t, "ws-1", got.WorkspaceID)
	require.NotNil(t, got.StartedAt)

	code := 0
	require.NoError(t, s.MarkTerminal(ctx, d.ID, StatusCompleted, &code, ""))

	got, err = s.Get(ctx, "tenant-a", d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestStoreTerminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := seedDispatch(t, s, "tenant-a", time.Now())
	require.NoError(t, s.MarkProvisioning(ctx, d.ID, "cu-1", ""))
	require.NoError(t, s.MarkRunning(ctx, d.ID))

	code := 0
	require.NoError(t, s.MarkTerminal(ctx, d.ID, StatusCompleted, &code, ""))

	// A cancel arriving after completion loses; the true outcome stands.
	err := s.MarkTerminal(ctx, d.ID, StatusCancelled, nil, "cancelled by caller")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	assert.ErrorIs(t, s.MarkRunning(ctx, d.ID), ErrAlreadyTerminal)
	assert.ErrorIs(t, s.MarkProvisioning(ctx, d.ID, "cu-2", ""), ErrAlreadyTerminal)

	got, err := s.Get(ctx, "tenant-a", d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestStoreMarkTerminalRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	d := seedDispatch(t, s, "tenant-a", time.Now())

	err := s.MarkTerminal(context.Background(), d.ID, StatusRunning, nil, "")
	assert.Error(t, err)
}

func TestStoreCostBreakdownWrittenOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := seedDispatch(t, s, "tenant-a", time.Now())

	// Not terminal yet.
	assert.Error(t, s.SetCostBreakdown(ctx, d.ID, json.RawMessage(`{"total":1}`)))

	require.NoError(t, s.MarkTerminal(ctx, d.ID, StatusFailed, nil, "boom"))
	require.NoError(t, s.SetCostBreakdown(ctx, d.ID, json.RawMessage(`{"total":1}`)))
	assert.Error(t, s.SetCostBreakdown(ctx, d.ID, json.RawMessage(`{"total":2}`)))

	got, err := s.Get(ctx, "tenant-a", d.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":1}`, string(got.CostBreakdown))
}

func TestStoreListNewestFirstPerTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	first := seedDispatch(t, s, "tenant-a", base)
	second := seedDispatch(t, s, "tenant-a", base.Add(10*time.Millisecond))
	seedDispatch(t, s, "tenant-b", base.Add(20*time.Millisecond))

	listed, err := s.List(ctx, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, second.ID, listed[0].ID)
	assert.Equal(t, first.ID, listed[1].ID)

	limited, err := s.List(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, second.ID, limited[0].ID)
}

func TestStatusStateMachine(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusQueued, StatusProvisioning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusProvisioning, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusTimedOut, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusRunning, false},
		{StatusRunning, StatusQueued, false},
		{StatusFailed, StatusCompleted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestNewIDIsTimeSortable(t *testing.T) {
	base := time.Now()
	a := NewID(base)
	b := NewID(base.Add(2 * time.Millisecond))
	assert.Less(t, a, b)
}
