package tenant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveStatusGate(t *testing.T) {
	r, err := NewResolver([]Tenant{
		{ID: "tn-active", Name: "Active"},
		{ID: "tn-sus", Name: "Suspended", Status: StatusSuspended},
		{ID: "tn-del", Name: "Deleted", Status: StatusDeleted},
	})
	require.NoError(t, err)

	got, err := r.Resolve("tn-active")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	_, err = r.Resolve("tn-sus")
	assert.True(t, errors.Is(err, ErrSuspended))

	// Deleted and unknown tenants are indistinguishable to callers.
	_, err = r.Resolve("tn-del")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = r.Resolve("tn-nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNewResolverRejectsDuplicates(t *testing.T) {
	_, err := NewResolver([]Tenant{{ID: "tn-a"}, {ID: "tn-a"}})
	assert.Error(t, err)
}

func TestMemoryStoreVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	path := SecretKeyPath("tn-a", "ANTHROPIC_API_KEY")

	v1, err := s.Put(ctx, path, "sk-old")
	require.NoError(t, err)
	v2, err := s.Put(ctx, path, "sk-new")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	// Get returns the latest version.
	got, err := s.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "sk-new", got)

	require.NoError(t, s.Delete(ctx, path))
	_, err = s.Get(ctx, path)
	assert.True(t, errors.Is(err, ErrSecretNotFound))
	assert.True(t, errors.Is(s.Delete(ctx, path), ErrSecretNotFound))
}

func TestSecretKeyPath(t *testing.T) {
	assert.Equal(t, "tenants/tn-a/keys/XAI_API_KEY", SecretKeyPath("tn-a", "XAI_API_KEY"))
}

func TestCachedStoreServesWithinTTL(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	path := SecretKeyPath("tn-a", "KEY")
	_, err := inner.Put(ctx, path, "v1")
	require.NoError(t, err)

	clock := time.Now()
	c := NewCachedStore(inner, 5*time.Minute)
	c.now = func() time.Time { return clock }

	got, err := c.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	// Mutate the inner store directly; the cache still serves the old value.
	_, err = inner.Put(ctx, path, "v2")
	require.NoError(t, err)
	got, err = c.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	// Past the TTL the fresh value is read through.
	clock = clock.Add(6 * time.Minute)
	got, err = c.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestCachedStoreWriteInvalidates(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	path := SecretKeyPath("tn-a", "KEY")
	c := NewCachedStore(inner, time.Hour)

	_, err := c.Put(ctx, path, "v1")
	require.NoError(t, err)
	got, err := c.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	_, err = c.Put(ctx, path, "v2")
	require.NoError(t, err)
	got, err = c.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}
