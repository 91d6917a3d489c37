// Package substrate defines the boundary to the elastic compute layer that
// hosts agent executions. The control plane only ever talks to these
// interfaces; the local implementation in this package backs units with
// subprocesses, production deployments back them with containers.
package substrate

import "context"

//go:generate mockgen -destination=../pool/mocks/mock_substrate.go -package=mocks github.com/mattjoyce/outpost/internal/substrate Launcher,Unit

// UnitState is the substrate-side lifecycle of one compute unit.
type UnitState string

const (
	StatePending UnitState = "pending" // launch requested, not yet ready
	StateReady   UnitState = "ready"   // idle, can accept one execution
	StateRunning UnitState = "running" // executing a task
	StateExited  UnitState = "exited"  // execution finished
	StateStopped UnitState = "stopped" // stopped by the control plane
	StateFailed  UnitState = "failed"  // unit is unusable
)

// LaunchSpec describes the unit to provision.
type LaunchSpec struct {
	AgentType string
	Image     string
	CPUClass  string
	MemoryMB  int
}

// ExecSpec describes one task execution on a ready unit.
type ExecSpec struct {
	Task           string
	ModelID        string
	TimeoutSeconds int
	WorkspaceDir   string
	// Env carries provider credentials and model selection; values are
	// secret handles resolved by the control plane, never logged.
	Env map[string]string
}

// Description is a point-in-time view of a unit.
type Description struct {
	State    UnitState
	ExitCode *int
}

// Unit is one isolated execution environment holding at most one task.
type Unit interface {
	// Ref is the substrate-assigned identifier for this unit.
	Ref() string

	// Exec begins the task asynchronously. It fails unless the unit is
	// ready or has exited a prior execution (which re-arms it).
	// Completion is observed via Done and Describe.
	Exec(ctx context.Context, spec ExecSpec) error

	// Done is closed when a started execution reaches a terminal state.
	Done() <-chan struct{}

	// Describe reports current state and exit code (if exited).
	Describe(ctx context.Context) (Description, error)

	// Logs returns output lines at and after offset, plus the next offset.
	// The sequence is append-only and stable once the unit has exited.
	Logs(ctx context.Context, offset int) (lines []string, next int, err error)

	// Stop terminates the unit. Safe to call in any state.
	Stop(ctx context.Context) error
}

// Launcher provisions compute units.
type Launcher interface {
	// Start provisions a new unit and returns it once it reports ready.
	Start(ctx context.Context, spec LaunchSpec) (Unit, error)
}
