// Package dispatch holds the dispatch record model, its persistence, and the
// dispatcher that orchestrates placement, execution, and cleanup.
package dispatch

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mattjoyce/outpost/internal/workspace"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrTenantSuspended   = errors.New("tenant suspended")
	ErrSecretMissing     = errors.New("required secret missing")
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrNotFound          = errors.New("dispatch not found")
	ErrAlreadyTerminal   = errors.New("dispatch already terminal")
)

// Status is the lifecycle state of a dispatch.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// validNext defines the monotonic status state machine. Terminal states have
// no successors.
var validNext = map[Status][]Status{
	StatusQueued:       {StatusProvisioning, StatusRunning, StatusFailed, StatusCancelled},
	StatusProvisioning: {StatusRunning, StatusFailed, StatusTimedOut, StatusCancelled},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Dispatch is one task-execution attempt. Once terminal the record is
// immutable apart from the cost breakdown written during finalization.
type Dispatch struct {
	ID             string          `json:"dispatch_id"`
	TenantID       string          `json:"tenant_id"`
	AgentType      string          `json:"agent_type"`
	ModelID        string          `json:"model_id"`
	Task           string          `json:"-"`
	Status         Status          `json:"status"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	WorkspaceMode  workspace.Mode  `json:"workspace_mode"`
	WorkspaceID    string          `json:"workspace_id,omitempty"`
	UnitRef        string          `json:"-"`
	ExitCode       *int            `json:"exit_code,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	CostBreakdown  json.RawMessage `json:"cost_breakdown,omitempty"`
	Output         []string        `json:"-"`
}

// Usage is the token consumption an agent adapter reports, when it reports
// any.
type Usage struct {
	TokensInput  int64 `json:"tokens_input"`
	TokensOutput int64 `json:"tokens_output"`
}

// NewID returns a time-sortable dispatch id.
func NewID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now.UTC()), rand.Reader).String()
}
