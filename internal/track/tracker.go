// Package track serves dispatch status: current state, a progress heuristic,
// and paginated log reads against the live compute unit or the persisted
// record.
package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/outpost/internal/config"
	"github.com/mattjoyce/outpost/internal/dispatch"
	"github.com/mattjoyce/outpost/internal/log"
	"github.com/mattjoyce/outpost/internal/substrate"
)

// cachePruneThreshold bounds the status cache between prune passes.
const cachePruneThreshold = 4096

// Runtime resolves the live compute unit for a dispatch that is still
// executing. The dispatcher implements it.
type Runtime interface {
	Unit(dispatchID string) (substrate.Unit, bool)
}

// StatusView is one status poll result. ProgressPercent is a UX heuristic
// derived from elapsed time against the timeout; it is non-decreasing and
// reaches 100 only at a terminal state, but carries no accuracy guarantee.
type StatusView struct {
	DispatchID      string          `json:"dispatch_id"`
	Status          dispatch.Status `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	Logs            []string        `json:"logs"`
	NextOffset      int             `json:"next_offset"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
}

type cached struct {
	view StatusView
	at   time.Time
}

// Tracker answers status polls. Results are cached briefly to absorb polling
// storms, and elapsed time is checked against the requested timeout so a
// dispatch the substrate fails to kill is still forced terminal.
type Tracker struct {
	store   *dispatch.Store
	runtime Runtime
	cfg     config.DispatchConfig
	logger  *slog.Logger

	mu       sync.Mutex
	cache    map[string]cached
	progress map[string]int

	now func() time.Time
}

func NewTracker(store *dispatch.Store, runtime Runtime, cfg config.DispatchConfig) *Tracker {
	return &Tracker{
		store:    store,
		runtime:  runtime,
		cfg:      cfg,
		logger:   log.WithComponent("track"),
		cache:    make(map[string]cached),
		progress: make(map[string]int),
		now:      time.Now,
	}
}

// GetStatus returns the dispatch status with log lines from offset onward
// and the cursor for the next poll. The sequence of offsets is append-only:
// a line delivered at one offset is never re-delivered at a higher one, and
// once the dispatch is terminal re-reads are stable.
func (t *Tracker) GetStatus(ctx context.Context, tenantID, dispatchID string, offset int) (StatusView, error) {
	if offset < 0 {
		offset = 0
	}
	key := fmt.Sprintf("%s|%s|%d", tenantID, dispatchID, offset)

	ttl := t.cfg.StatusCacheTTL.Std()
	now := t.now()

	t.mu.Lock()
	if c, ok := t.cache[key]; ok && now.Sub(c.at) < ttl {
		view := c.view
		t.mu.Unlock()
		return view, nil
	}
	t.mu.Unlock()

	rec, err := t.store.Get(ctx, tenantID, dispatchID)
	if err != nil {
		return StatusView{}, err
	}

	rec = t.verifyTimeout(ctx, rec)

	view := StatusView{
		DispatchID: rec.ID,
		Status:     rec.Status,
		NextOffset: offset,
		ExitCode:   rec.ExitCode,
		LastError:  rec.LastError,
	}

	switch {
	case rec.Status.Terminal():
		all := rec.Output
		if offset < len(all) {
			view.Logs = all[offset:]
			view.NextOffset = len(all)
		}
	default:
		if unit, ok := t.runtime.Unit(dispatchID); ok {
			lines, next, err := unit.Logs(ctx, offset)
			if err != nil {
				// Substrate unreachable: serve the last known
				// record status, keep the cursor in place.
				t.logger.Warn("log read failed", "dispatch_id", dispatchID, "error", err)
			} else {
				view.Logs = lines
				view.NextOffset = next
			}
		}
	}

	view.ProgressPercent = t.progressFor(rec, now)

	t.mu.Lock()
	if len(t.cache) > cachePruneThreshold {
		t.pruneLocked(now, ttl)
	}
	t.cache[key] = cached{view: view, at: now}
	t.mu.Unlock()

	return view, nil
}

// verifyTimeout forces a running dispatch past its deadline plus grace into
// TimedOut, independent of whether the substrate honored the timeout.
func (t *Tracker) verifyTimeout(ctx context.Context, rec dispatch.Dispatch) dispatch.Dispatch {
	if rec.Status.Terminal() || rec.StartedAt == nil {
		return rec
	}

	grace := t.cfg.TimeoutGrace.Std()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	deadline := rec.StartedAt.Add(time.Duration(rec.TimeoutSeconds)*time.Second + grace)
	if t.now().Before(deadline) {
		return rec
	}

	t.logger.Warn("forcing overdue dispatch to timed out", "dispatch_id", rec.ID)
	err := t.store.MarkTerminal(ctx, rec.ID, dispatch.StatusTimedOut, nil, "timeout enforced by status tracker")
	if err != nil && !errors.Is(err, dispatch.ErrAlreadyTerminal) {
		t.logger.Error("failed to force timeout", "dispatch_id", rec.ID, "error", err)
		return rec
	}

	updated, err := t.store.Get(ctx, "", rec.ID)
	if err != nil {
		return rec
	}
	return updated
}

// progressFor computes the elapsed/timeout heuristic, clamped to [0, 99]
// until terminal and monotonic across polls.
func (t *Tracker) progressFor(rec dispatch.Dispatch, now time.Time) int {
	if rec.Status.Terminal() {
		t.mu.Lock()
		delete(t.progress, rec.ID)
		t.mu.Unlock()
		return 100
	}

	p := 0
	if rec.StartedAt != nil && rec.TimeoutSeconds > 0 {
		elapsed := now.Sub(*rec.StartedAt).Seconds()
		p = int(elapsed / float64(rec.TimeoutSeconds) * 100)
		if p < 0 {
			p = 0
		}
		if p > 99 {
			p = 99
		}
	}

	t.mu.Lock()
	if prev, ok := t.progress[rec.ID]; ok && prev > p {
		p = prev
	}
	t.progress[rec.ID] = p
	t.mu.Unlock()
	return p
}

func (t *Tracker) pruneLocked(now time.Time, ttl time.Duration) {
	for key, c := range t.cache {
		if now.Sub(c.at) >= ttl {
			delete(t.cache, key)
		}
	}
}
