// Package app wires a workspace into a ready-to-use runtime.
package app

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"opsline/internal/bus"
	"opsline/internal/config"
	"opsline/internal/engine"
	"opsline/internal/events"
	"opsline/internal/executor"
	"opsline/internal/logging"
	"opsline/internal/store"
	"opsline/internal/supervisor"
	"opsline/internal/worker"
)

// StateDir is the directory, relative to the workspace, holding the streams.
const StateDir = ".ops"

type Options struct {
	// LogLevel overrides the configured level when non-empty.
	LogLevel string
	// NoBus skips the event bus, for one-shot commands that only read.
	NoBus bool
}

type Runtime struct {
	Workspace string
	Config    *config.Config
	Store     *store.Store
	Bus       *bus.Bus
	Events    events.Writer
	Engine    engine.Engine
	Log       zerolog.Logger
}

func StorePath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, StateDir)
}

// Open loads ops.yml, prepares the store and builds the engine.
func Open(workspace string, opts Options) (*Runtime, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	log := logging.Init("ops", logging.Options{Level: level, Format: cfg.Log.Format})

	st, err := store.Open(StorePath(workspace))
	if err != nil {
		return nil, err
	}
	if err := st.EnsureAll(); err != nil {
		return nil, fmt.Errorf("prepare store: %w", err)
	}

	busCfg := bus.Config{Kind: bus.Kind(cfg.Events.Bus), RedisURL: cfg.Events.Redis.URL, Stream: cfg.Events.Redis.Stream}
	if opts.NoBus {
		busCfg = bus.Config{Kind: bus.KindNone}
	}
	b, err := bus.New(busCfg, log)
	if err != nil {
		return nil, err
	}

	ev := events.NewWriter(st, b, log)
	return &Runtime{
		Workspace: workspace,
		Config:    cfg,
		Store:     st,
		Bus:       b,
		Events:    ev,
		Engine:    engine.New(st, ev),
		Log:       log,
	}, nil
}

func (r *Runtime) Close() error {
	return r.Bus.Close()
}

// NewWorker builds a worker from the runtime's config.
func (r *Runtime) NewWorker() *worker.Worker {
	gw := executor.CommandGateway{Command: r.Config.Gateway.Command, Timeout: r.Config.Gateway.Timeout}
	w := worker.New(r.Engine, r.Store, executor.New(gw), worker.Config{
		PollInterval:  r.Config.Worker.PollInterval,
		YieldInterval: r.Config.Worker.YieldInterval,
		StaleAfter:    r.Config.Worker.StaleAfter,
		Watch:         r.Config.Worker.Watch,
	}, r.Log)
	w.Bus = r.Bus
	return w
}

// HealthOptions allow one gateway timeout of silence on top of three polls.
func (r *Runtime) HealthOptions() supervisor.HealthOptions {
	return supervisor.HealthOptions{
		PollInterval: r.Config.Worker.PollInterval,
		Grace:        r.Config.Gateway.Timeout,
	}
}

// WorkerStatus reports the worker's health as seen from this process.
func (r *Runtime) WorkerStatus() supervisor.Status {
	return supervisor.Health(supervisor.OSProcess{}, r.Store, r.HealthOptions())
}
