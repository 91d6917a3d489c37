package pool

import (
	"errors"
	"time"

	"github.com/mattjoyce/outpost/internal/substrate"
)

var (
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrUnknownUnit       = errors.New("unknown compute unit")
)

// State is the control-plane lifecycle of a pooled compute unit.
// Idle -> Reserved -> Busy -> (Idle | Draining) -> Terminated.
type State string

const (
	StateIdle       State = "idle"
	StateReserved   State = "reserved"
	StateBusy       State = "busy"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
)

// ComputeUnit is the pool's record of one substrate unit. At most one
// dispatch holds a Reserved/Busy unit at a time.
type ComputeUnit struct {
	ID         string
	AgentType  string
	State      State
	AcquiredAt time.Time
	IdleSince  time.Time

	unit substrate.Unit
}

// Unit returns the underlying substrate handle.
func (c *ComputeUnit) Unit() substrate.Unit { return c.unit }

// Metrics is a point-in-time view of one agent-type pool, surfaced on the
// health endpoint.
type Metrics struct {
	AgentType string `json:"agent_type"`
	Idle      int    `json:"idle"`
	Reserved  int    `json:"reserved"`
	Busy      int    `json:"busy"`
	Target    int    `json:"target"`
	Waiting   int    `json:"waiting"`
}
