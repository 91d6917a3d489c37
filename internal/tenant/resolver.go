// Package tenant resolves caller identity and per-tenant provider secrets.
package tenant

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("tenant not found")
	ErrSuspended = errors.New("tenant is suspended")
)

// Status is the lifecycle state of a tenant account.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Tenant is one named account that may run dispatches.
type Tenant struct {
	ID        string
	Name      string
	Email     string
	Status    Status
	CreatedAt time.Time
}

// Resolver is a static tenant registry. Lookups for deleted or unknown
// tenants both return ErrNotFound so callers cannot distinguish the two.
type Resolver struct {
	tenants map[string]Tenant
}

// NewResolver builds a resolver from a tenant list. An empty Status is
// normalized to active.
func NewResolver(tenants []Tenant) (*Resolver, error) {
	m := make(map[string]Tenant, len(tenants))
	for _, t := range tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("tenant with empty id")
		}
		if _, dup := m[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		if t.Status == "" {
			t.Status = StatusActive
		}
		m[t.ID] = t
	}
	return &Resolver{tenants: m}, nil
}

// Resolve returns the tenant for id if it exists and may run dispatches.
func (r *Resolver) Resolve(id string) (Tenant, error) {
	t, ok := r.tenants[id]
	if !ok || t.Status == StatusDeleted {
		return Tenant{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if t.Status == StatusSuspended {
		return Tenant{}, fmt.Errorf("%w: %q", ErrSuspended, id)
	}
	return t, nil
}
