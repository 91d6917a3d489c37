package substrate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/outpost/internal/log"
)

// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
const terminationGracePeriod = 5 * time.Second

// maxLogLines caps the per-unit log buffer.
const maxLogLines = 10000

// LocalLauncher backs compute units with local subprocesses. A launched unit
// idles until Exec runs the task under /bin/sh in the workspace directory.
type LocalLauncher struct {
	shell string
}

var _ Launcher = (*LocalLauncher)(nil)

func NewLocalLauncher() *LocalLauncher {
	return &LocalLauncher{shell: "/bin/sh"}
}

func (l *LocalLauncher) Start(ctx context.Context, spec LaunchSpec) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("launch spec has no image")
	}

	u := &localUnit{
		ref:    "lu-" + uuid.NewString(),
		shell:  l.shell,
		state:  StateReady,
		done:   make(chan struct{}),
		stopCh: make(chan struct{}),
	}
	u.logger = log.WithComponent("substrate").With("unit_ref", u.ref, "agent_type", spec.AgentType)
	u.logger.Debug("unit ready", "image", spec.Image, "cpu_class", spec.CPUClass)
	return u, nil
}

// localUnit executes one task as a subprocess with SIGTERM/SIGKILL timeout
// handling and an append-only line log.
type localUnit struct {
	ref    string
	shell  string
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	mu       sync.Mutex
	state    UnitState
	exitCode *int
	lines    []string
	done     chan struct{}
	doneSet  bool
}

var _ Unit = (*localUnit)(nil)

func (u *localUnit) Ref() string { return u.ref }

func (u *localUnit) Done() <-chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.done
}

func (u *localUnit) Exec(ctx context.Context, spec ExecSpec) error {
	if spec.Task == "" {
		return fmt.Errorf("exec spec has no task")
	}
	if spec.TimeoutSeconds <= 0 {
		return fmt.Errorf("exec spec has no timeout")
	}

	u.mu.Lock()
	switch u.state {
	case StateReady:
	case StateExited:
		// Re-arm for the next task; the unit runs one task at a time.
		u.lines = nil
		u.exitCode = nil
		u.done = make(chan struct{})
		u.doneSet = false
	default:
		state := u.state
		u.mu.Unlock()
		return fmt.Errorf("unit %s is %s, not ready", u.ref, state)
	}
	u.state = StateRunning
	u.mu.Unlock()

	cmd := exec.Command(u.shell, "-c", spec.Task)
	cmd.Dir = spec.WorkspaceDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		u.finish(nil, StateFailed)
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		u.finish(nil, StateFailed)
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		u.finish(nil, StateFailed)
		return fmt.Errorf("start process: %w", err)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go u.consumeLines(stdout, &readers)
	go u.consumeLines(stderr, &readers)

	go u.supervise(cmd, &readers, time.Duration(spec.TimeoutSeconds)*time.Second)
	return nil
}

// supervise waits for process exit, enforcing the timeout (and Stop requests)
// with SIGTERM then SIGKILL after a grace period.
func (u *localUnit) supervise(cmd *exec.Cmd, readers *sync.WaitGroup, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	waitErr := make(chan error, 1)
	go func() {
		readers.Wait()
		waitErr <- cmd.Wait()
	}()

	finalState := StateExited
	select {
	case err := <-waitErr:
		code := exitCodeOf(cmd, err)
		u.finish(&code, StateExited)
		return

	case <-u.stopCh:
		finalState = StateStopped
		u.logger.Debug("stop requested, sending SIGTERM")
	case <-timer.C:
		u.logger.Warn("execution timed out, sending SIGTERM")
	}

	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			u.logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		code := exitCodeOf(cmd, err)
		u.finish(&code, finalState)
	case <-grace.C:
		u.logger.Warn("no exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				u.logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		err := <-waitErr
		code := exitCodeOf(cmd, err)
		u.finish(&code, finalState)
	}
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func (u *localUnit) consumeLines(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		u.appendLine(scanner.Text())
	}
}

func (u *localUnit) appendLine(line string) {
	u.mu.Lock()
	if len(u.lines) < maxLogLines {
		u.lines = append(u.lines, line)
	}
	u.mu.Unlock()
}

// finish records the terminal state exactly once.
func (u *localUnit) finish(exitCode *int, state UnitState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.doneSet {
		return
	}
	u.state = state
	u.exitCode = exitCode
	u.doneSet = true
	close(u.done)
}

func (u *localUnit) Describe(ctx context.Context) (Description, error) {
	if err := ctx.Err(); err != nil {
		return Description{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return Description{State: u.state, ExitCode: u.exitCode}, nil
}

func (u *localUnit) Logs(ctx context.Context, offset int) ([]string, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		offset = 0
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if offset >= len(u.lines) {
		return nil, len(u.lines), nil
	}
	out := append([]string(nil), u.lines[offset:]...)
	return out, len(u.lines), nil
}

func (u *localUnit) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	u.mu.Lock()
	running := u.state == StateRunning
	if !running && !u.doneSet {
		// Never executed; no process to reap.
		u.state = StateStopped
		u.doneSet = true
		close(u.done)
	}
	u.mu.Unlock()

	if running {
		// The supervisor owns the process and records the final state.
		u.stopOnce.Do(func() { close(u.stopCh) })
	}
	return nil
}
