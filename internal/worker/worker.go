// Package worker claims queued steps one at a time and runs them.
//
// A claim is a running version of the step carrying claimedBy and
// reservedAt. A running step whose reservation is older than StaleAfter is
// treated as abandoned and claimed again; that is the only retry the worker
// ever performs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/fsnotify/fsnotify"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"

	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/executor"
	"opsline/internal/lock"
	"opsline/internal/store"
	"opsline/internal/supervisor"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultYieldInterval = 200 * time.Millisecond
	DefaultStaleAfter    = 10 * time.Minute

	terminalAttempts = 3
	eventDetailMax   = 2000
)

type Config struct {
	PollInterval  time.Duration
	YieldInterval time.Duration
	StaleAfter    time.Duration
	// Watch wakes the loop on writes to the step stream.
	Watch bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.YieldInterval <= 0 {
		c.YieldInterval = DefaultYieldInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// Subscriber delivers timeline events; the worker only uses it to wake up.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan domain.Event, error)
}

type Worker struct {
	ID       string
	Engine   engine.Engine
	Store    *store.Store
	Executor executor.Executor
	Bus      Subscriber
	Log      zerolog.Logger
	Config   Config
	Now      func() time.Time

	startedAt  time.Time
	lastStepID string
	lastError  string
}

// NewID returns a worker identity of the form <hostname>-<shortuuid>.
func NewID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + shortuuid.New()
}

func New(eng engine.Engine, st *store.Store, exec executor.Executor, cfg Config, log zerolog.Logger) *Worker {
	id := NewID()
	return &Worker{
		ID:       id,
		Engine:   eng,
		Store:    st,
		Executor: exec,
		Log:      log.With().Str("worker", id).Logger(),
		Config:   cfg.withDefaults(),
		Now:      time.Now,
	}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// NextCandidate returns the first step, in creation order, that is queued or
// whose running reservation has gone stale. A running step with no
// reservation time counts as stale.
func NextCandidate(steps []domain.Step, now time.Time, staleAfter time.Duration) (domain.Step, bool) {
	for _, s := range steps {
		switch s.Status {
		case domain.StepQueued:
			return s, true
		case domain.StepRunning:
			if s.ReservedAt == nil || now.Sub(*s.ReservedAt) > staleAfter {
				return s, true
			}
		}
	}
	return domain.Step{}, false
}

// Tick claims and runs at most one step, then writes the heartbeat. It
// reports whether a step was processed. Step failures are recorded on the
// step, not returned; err is only set when the store rejects a write.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	if w.startedAt.IsZero() {
		w.startedAt = w.now()
	}
	processed, err := w.tick(ctx)
	if err != nil {
		w.lastError = err.Error()
	}
	w.heartbeat()
	return processed, err
}

func (w *Worker) tick(ctx context.Context) (bool, error) {
	cfg := w.Config.withDefaults()
	steps := w.Engine.Repo.ListSteps(ctx, "", store.Ascending)
	now := w.now()
	step, ok := NextCandidate(steps, now, cfg.StaleAfter)
	if !ok {
		return false, nil
	}
	log := w.Log.With().Str("step", step.ID).Str("kind", step.Kind).Logger()
	mission, _ := w.Engine.Repo.GetMission(ctx, step.MissionID)

	claimDetails := "claimed by " + w.ID
	if step.Status == domain.StepRunning {
		claimDetails = fmt.Sprintf("reclaimed stale reservation from %s", step.ClaimedBy)
		log.Warn().Str("previous", step.ClaimedBy).Msg("reclaiming stale step")
	}
	claimed := step
	claimed.Status = domain.StepRunning
	claimed.ClaimedBy = w.ID
	claimed.ReservedAt = &now
	claimed.LastError = ""
	if err := w.Engine.Repo.InsertStep(ctx, claimed); err != nil {
		return false, fmt.Errorf("claim step %s: %w", step.ID, err)
	}
	w.lastStepID = step.ID
	w.event(ctx, domain.EventStepClaimed, mission, claimed, fmt.Sprintf("Step claimed: %s", claimed.Title), claimDetails)

	out := w.Executor.Execute(ctx, claimed)

	done := w.now()
	final := claimed
	final.CompletedAt = &done
	final.Output = out.Output
	kind := domain.EventStepSucceeded
	title := "Step succeeded: " + final.Title
	details := out.Output
	if out.OK {
		final.Status = domain.StepSucceeded
		w.lastError = ""
	} else {
		final.Status = domain.StepFailed
		final.LastError = out.Error
		kind = domain.EventStepFailed
		title = "Step failed: " + final.Title
		details = out.Error
		w.lastError = out.Error
	}

	err := retry.Retry(func(attempt uint) error {
		return w.Engine.Repo.InsertStep(ctx, final)
	}, strategy.Limit(terminalAttempts), strategy.Backoff(backoff.Linear(50*time.Millisecond)))
	if err != nil {
		// left running; reclaimed once the reservation goes stale
		log.Error().Err(err).Msg("terminal append failed")
		return true, fmt.Errorf("complete step %s: %w", step.ID, err)
	}
	w.event(ctx, kind, mission, final, title, clip(details))
	log.Info().Str("status", string(final.Status)).Dur("took", done.Sub(now)).Msg("step finished")

	if _, changed, err := w.Engine.SettleMission(ctx, step.MissionID); err != nil {
		log.Warn().Err(err).Msg("settle mission")
	} else if changed {
		log.Info().Str("mission", step.MissionID).Msg("mission finalized")
	}
	return true, nil
}

func (w *Worker) event(ctx context.Context, kind domain.EventKind, m domain.Mission, s domain.Step, title, details string) {
	w.Engine.Events.Emit(ctx, domain.Event{
		Kind:       kind,
		Title:      title,
		Details:    details,
		ProposalID: m.ProposalID,
		MissionID:  s.MissionID,
		StepID:     s.ID,
		Project:    m.Project,
		TaskKey:    m.TaskKey,
		Actor:      w.ID,
	})
}

func (w *Worker) heartbeat() {
	hb := supervisor.Heartbeat{
		PID:        os.Getpid(),
		WorkerID:   w.ID,
		StartedAt:  w.startedAt,
		LastTickAt: w.now(),
		LastStepID: w.lastStepID,
		LastError:  w.lastError,
	}
	if err := supervisor.WriteHeartbeat(w.Store, hb); err != nil {
		w.Log.Warn().Err(err).Msg("write heartbeat")
	}
}

// Run holds the worker lock and loops until ctx is done. Cancellation is
// observed between ticks only, so an in-flight step always finishes.
func (w *Worker) Run(ctx context.Context) error {
	fl := lock.NewFileLock(w.Store.DocPath(supervisor.LockFile))
	if err := fl.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("another worker holds %s (pid %d): %w", fl.Path(), lock.HolderPID(fl.Path()), err)
		}
		return err
	}
	defer fl.Unlock()

	cfg := w.Config.withDefaults()
	w.startedAt = w.now()
	w.Log.Info().Dur("poll", cfg.PollInterval).Dur("stale_after", cfg.StaleAfter).Msg("worker started")

	wake := make(chan struct{}, 1)
	if cfg.Watch {
		if err := w.watchSteps(ctx, wake); err != nil {
			w.Log.Warn().Err(err).Msg("step watch disabled")
		}
	}
	if w.Bus != nil {
		w.listen(ctx, wake)
	}

	for {
		if ctx.Err() != nil {
			break
		}
		processed, err := w.Tick(ctx)
		if err != nil {
			w.Log.Error().Err(err).Msg("tick")
		}
		wait := cfg.PollInterval
		if processed {
			wait = cfg.YieldInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-wake:
		}
		timer.Stop()
	}
	w.Log.Info().Msg("worker stopped")
	return nil
}

func notify(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}

// watchSteps wakes the loop when the step stream changes. The directory is
// watched so that compaction's rename is seen too.
func (w *Worker) watchSteps(ctx context.Context, wake chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(w.Store.Dir()); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", w.Store.Dir(), err)
	}
	target := filepath.Clean(w.Store.Path(store.Steps))
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == target && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					notify(wake)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.Log.Warn().Err(err).Msg("fsnotify")
			}
		}
	}()
	return nil
}

func (w *Worker) listen(ctx context.Context, wake chan<- struct{}) {
	ch, err := w.Bus.Subscribe(ctx)
	if err != nil {
		w.Log.Warn().Err(err).Msg("bus wake-ups disabled")
		return
	}
	go func() {
		for e := range ch {
			if e.Kind == domain.EventStepQueued {
				notify(wake)
			}
		}
	}()
}

func clip(s string) string {
	if len(s) <= eventDetailMax {
		return s
	}
	return executor.Clip(s, eventDetailMax) + "…"
}
