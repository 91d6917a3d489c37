package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSecretNotFound = errors.New("secret not found")

// SecretKeyPath builds the canonical store path for a tenant's named secret.
func SecretKeyPath(tenantID, name string) string {
	return fmt.Sprintf("tenants/%s/keys/%s", tenantID, name)
}

// SecretVersion is one immutable value of a keyed secret.
type SecretVersion struct {
	ID        string
	Value     string
	CreatedAt time.Time
}

// SecretStore is a keyed secret store with versioned values. Put appends a
// new version; Get returns the latest.
type SecretStore interface {
	Put(ctx context.Context, path, value string) (versionID string, err error)
	Get(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string) error
}

// MemoryStore is an in-process SecretStore used for local deployments and
// tests. Production deployments swap in a vault-backed implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string][]SecretVersion
}

var _ SecretStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]SecretVersion)}
}

func (s *MemoryStore) Put(ctx context.Context, path, value string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("secret path is empty")
	}

	v := SecretVersion{
		ID:        uuid.NewString(),
		Value:     value,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.secrets[path] = append(s.secrets[path], v)
	s.mu.Unlock()
	return v.ID, nil
}

func (s *MemoryStore) Get(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	versions := s.secrets[path]
	s.mu.RUnlock()

	if len(versions) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}
	return versions[len(versions)-1].Value, nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[path]; !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}
	delete(s.secrets, path)
	return nil
}

// cacheEntry holds one cached secret read.
type cacheEntry struct {
	value     string
	fetchedAt time.Time
}

// CachedStore wraps a SecretStore with a TTL read cache to absorb repeated
// reads during dispatch bursts. Writes and deletes invalidate the entry.
type CachedStore struct {
	inner SecretStore
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

var _ SecretStore = (*CachedStore)(nil)

// NewCachedStore wraps inner with a read cache. ttl <= 0 defaults to 5 minutes.
func NewCachedStore(inner SecretStore, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *CachedStore) Get(ctx context.Context, path string) (string, error) {
	c.mu.Lock()
	entry, ok := c.entries[path]
	c.mu.Unlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.value, nil
	}

	value, err := c.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[path] = cacheEntry{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
	return value, nil
}

func (c *CachedStore) Put(ctx context.Context, path, value string) (string, error) {
	id, err := c.inner.Put(ctx, path, value)
	if err != nil {
		return "", err
	}
	c.invalidate(path)
	return id, nil
}

func (c *CachedStore) Delete(ctx context.Context, path string) error {
	if err := c.inner.Delete(ctx, path); err != nil {
		return err
	}
	c.invalidate(path)
	return nil
}

func (c *CachedStore) invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}
