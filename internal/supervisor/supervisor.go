// Package supervisor starts, stops and health-checks the worker process.
// Everything OS specific sits behind ProcessControl.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"opsline/internal/lock"
	"opsline/internal/store"
)

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrNotRunning     = errors.New("worker not running")
)

// ProcessControl is the capability the supervisor needs from the OS.
type ProcessControl interface {
	// Spawn starts a detached worker with args and returns its pid.
	Spawn(ctx context.Context, args []string, logPath string) (int, error)
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) bool
}

type State string

const (
	StateStopped State = "stopped"
	StateStale   State = "stale"
	StateRunning State = "running"
)

// Status is the supervisor's view of the worker.
type Status struct {
	State      State      `json:"state" enum:"stopped,stale,running"`
	PID        int        `json:"pid,omitempty"`
	WorkerID   string     `json:"workerId,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	LastTickAt *time.Time `json:"lastTickAt,omitempty"`
	LastStepID string     `json:"lastStepId,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

// HealthOptions bound how old the last tick may be before the worker counts
// as stale.
type HealthOptions struct {
	PollInterval time.Duration
	// Grace covers ticks that legitimately block, such as a gateway call.
	Grace time.Duration
	Now   func() time.Time
}

func (o HealthOptions) threshold() time.Duration {
	return 3*o.PollInterval + o.Grace
}

// Health reports stopped when there is no live worker, stale when the worker
// is alive but its heartbeat is older than the threshold, running otherwise.
func Health(ctl ProcessControl, st *store.Store, opts HealthOptions) Status {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	hb, ok := ReadHeartbeat(st)
	pid := hb.PID
	if !ok {
		pid = lock.HolderPID(st.DocPath(LockFile))
	}
	if pid == 0 || !ctl.Alive(pid) {
		s := Status{State: StateStopped}
		if ok {
			s.WorkerID, s.LastStepID, s.LastError = hb.WorkerID, hb.LastStepID, hb.LastError
			s.LastTickAt = timePtr(hb.LastTickAt)
		}
		return s
	}
	s := Status{State: StateRunning, PID: pid}
	if !ok {
		// locked but no tick recorded yet
		return s
	}
	s.WorkerID = hb.WorkerID
	s.StartedAt = timePtr(hb.StartedAt)
	s.LastTickAt = timePtr(hb.LastTickAt)
	s.LastStepID = hb.LastStepID
	s.LastError = hb.LastError
	last := hb.LastTickAt
	if last.IsZero() {
		last = hb.StartedAt
	}
	if now().Sub(last) > opts.threshold() {
		s.State = StateStale
	}
	return s
}

type StartOptions struct {
	Args    []string
	LogPath string
	Health  HealthOptions
}

// Start spawns a worker unless one is already alive.
func Start(ctx context.Context, ctl ProcessControl, st *store.Store, opts StartOptions) (Status, error) {
	if cur := Health(ctl, st, opts.Health); cur.State != StateStopped {
		return cur, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, cur.PID)
	}
	pid, err := ctl.Spawn(ctx, opts.Args, opts.LogPath)
	if err != nil {
		return Status{State: StateStopped}, fmt.Errorf("spawn worker: %w", err)
	}
	return Status{State: StateRunning, PID: pid}, nil
}

type StopOptions struct {
	// Wait bounds how long Stop waits for the worker to exit; zero returns
	// right after signalling.
	Wait     time.Duration
	Interval time.Duration
	Health   HealthOptions
}

// Stop asks the worker to exit with SIGTERM. The worker finishes its current
// step first, so Stop never interrupts a running command.
func Stop(ctx context.Context, ctl ProcessControl, st *store.Store, opts StopOptions) (Status, error) {
	cur := Health(ctl, st, opts.Health)
	if cur.State == StateStopped {
		return cur, ErrNotRunning
	}
	if err := ctl.Signal(cur.PID, syscall.SIGTERM); err != nil {
		return cur, fmt.Errorf("signal worker %d: %w", cur.PID, err)
	}
	if opts.Wait <= 0 {
		return cur, nil
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.NewTimer(opts.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !ctl.Alive(cur.PID) {
			return Health(ctl, st, opts.Health), nil
		}
		select {
		case <-ctx.Done():
			return cur, ctx.Err()
		case <-deadline.C:
			return cur, fmt.Errorf("worker %d still running after %s", cur.PID, opts.Wait)
		case <-ticker.C:
		}
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
