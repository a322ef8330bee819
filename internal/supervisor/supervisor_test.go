package supervisor

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsline/internal/store"
)

type fakeControl struct {
	alive   map[int]bool
	nextPID int
	spawned [][]string
	signals []syscall.Signal
	// exitOnTerm makes SIGTERM kill the process immediately.
	exitOnTerm bool
}

func newFakeControl() *fakeControl {
	return &fakeControl{alive: map[int]bool{}, nextPID: 4242}
}

func (f *fakeControl) Spawn(ctx context.Context, args []string, logPath string) (int, error) {
	f.spawned = append(f.spawned, args)
	pid := f.nextPID
	f.alive[pid] = true
	return pid, nil
}

func (f *fakeControl) Signal(pid int, sig syscall.Signal) error {
	if !f.alive[pid] {
		return syscall.ESRCH
	}
	f.signals = append(f.signals, sig)
	if sig == syscall.SIGTERM && f.exitOnTerm {
		f.alive[pid] = false
	}
	return nil
}

func (f *fakeControl) Alive(pid int) bool { return f.alive[pid] }

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func health(now time.Time) HealthOptions {
	return HealthOptions{PollInterval: 2 * time.Second, Grace: 5 * time.Second, Now: func() time.Time { return now }}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestHealthStates(t *testing.T) {
	st := newStore(t)
	ctl := newFakeControl()

	assert.Equal(t, StateStopped, Health(ctl, st, health(t0)).State)

	require.NoError(t, WriteHeartbeat(st, Heartbeat{PID: 4242, WorkerID: "host-abc", StartedAt: t0, LastTickAt: t0}))
	assert.Equal(t, StateStopped, Health(ctl, st, health(t0)).State, "dead pid")

	ctl.alive[4242] = true
	s := Health(ctl, st, health(t0.Add(3*time.Second)))
	assert.Equal(t, StateRunning, s.State)
	assert.Equal(t, "host-abc", s.WorkerID)
	assert.Equal(t, 4242, s.PID)

	// threshold is 3 polls + grace = 11s
	assert.Equal(t, StateStale, Health(ctl, st, health(t0.Add(12*time.Second))).State)
}

func TestHealthFallsBackToLockHolder(t *testing.T) {
	st := newStore(t)
	ctl := newFakeControl()
	require.NoError(t, os.WriteFile(st.DocPath(LockFile), []byte("777\n"), 0o600))
	ctl.alive[777] = true

	s := Health(ctl, st, health(t0))
	assert.Equal(t, StateRunning, s.State)
	assert.Equal(t, 777, s.PID)
}

func TestStartRefusesSecondWorker(t *testing.T) {
	st := newStore(t)
	ctl := newFakeControl()

	s, err := Start(context.Background(), ctl, st, StartOptions{Args: []string{"worker", "run"}, Health: health(t0)})
	require.NoError(t, err)
	assert.Equal(t, 4242, s.PID)
	require.Len(t, ctl.spawned, 1)
	assert.Equal(t, []string{"worker", "run"}, ctl.spawned[0])

	require.NoError(t, WriteHeartbeat(st, Heartbeat{PID: 4242, StartedAt: t0, LastTickAt: t0}))
	_, err = Start(context.Background(), ctl, st, StartOptions{Health: health(t0)})
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	assert.Len(t, ctl.spawned, 1)
}

func TestStopSignalsAndWaits(t *testing.T) {
	st := newStore(t)
	ctl := newFakeControl()
	ctl.exitOnTerm = true

	_, err := Stop(context.Background(), ctl, st, StopOptions{Health: health(t0)})
	assert.ErrorIs(t, err, ErrNotRunning)

	ctl.alive[4242] = true
	require.NoError(t, WriteHeartbeat(st, Heartbeat{PID: 4242, StartedAt: t0, LastTickAt: t0}))
	s, err := Stop(context.Background(), ctl, st, StopOptions{Wait: time.Second, Interval: 10 * time.Millisecond, Health: health(t0)})
	require.NoError(t, err)
	assert.Equal(t, StateStopped, s.State)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, ctl.signals)
}

func TestStopTimesOut(t *testing.T) {
	st := newStore(t)
	ctl := newFakeControl()
	ctl.alive[4242] = true
	require.NoError(t, WriteHeartbeat(st, Heartbeat{PID: 4242, StartedAt: t0, LastTickAt: t0}))

	_, err := Stop(context.Background(), ctl, st, StopOptions{Wait: 50 * time.Millisecond, Interval: 10 * time.Millisecond, Health: health(t0)})
	assert.Error(t, err)
}

func TestOSProcessAlive(t *testing.T) {
	assert.True(t, OSProcess{}.Alive(os.Getpid()))
	assert.False(t, OSProcess{}.Alive(0))
}
