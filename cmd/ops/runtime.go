package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"opsline/internal/app"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/server"
	"opsline/internal/snapshot"
	"opsline/internal/store"
	"opsline/internal/supervisor"
	"opsline/internal/tui"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run or supervise the background worker",
		Long:  "The worker executes queued steps one at a time. Only one worker may run per workspace; 'start' and 'stop' manage a detached worker, 'run' works in the foreground.",
	}
	cmd.AddCommand(workerRunCmd())
	cmd.AddCommand(workerStartCmd())
	cmd.AddCommand(workerStopCmd())
	cmd.AddCommand(workerStatusCmd())
	return cmd
}

func workerRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWriteRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w := rt.NewWorker()
				rt.Log.Info().Str("worker", w.ID).Str("workspace", rt.Workspace).Msg("starting worker")
				return w.Run(ctx)
			})
		},
	}
}

func workerStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start a detached worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, err := filepath.Abs(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				runArgs := []string{"--workspace", workspace, "worker", "run"}
				if lvl := viper.GetString("log-level"); lvl != "" {
					runArgs = append(runArgs, "--log-level", lvl)
				}
				st, err := supervisor.Start(ctx, supervisor.OSProcess{}, rt.Store, supervisor.StartOptions{
					Args:    runArgs,
					LogPath: filepath.Join(rt.Store.Dir(), "worker.log"),
					Health:  rt.HealthOptions(),
				})
				if err != nil {
					return err
				}
				return printJSONOrText(st, func() {
					fmt.Printf("worker started (pid %d), log in %s\n", st.PID, filepath.Join(rt.Store.Dir(), "worker.log"))
				})
			})
		},
	}
}

func workerStopCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the detached worker after its current step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := supervisor.Stop(ctx, supervisor.OSProcess{}, rt.Store, supervisor.StopOptions{
					Wait:   wait,
					Health: rt.HealthOptions(),
				})
				if errors.Is(err, supervisor.ErrNotRunning) {
					return printJSONOrText(st, func() { fmt.Println("worker is not running") })
				}
				if err != nil {
					return err
				}
				return printJSONOrText(st, func() {
					if wait > 0 {
						fmt.Printf("worker %s\n", st.State)
						return
					}
					fmt.Printf("sent SIGTERM to pid %d\n", st.PID)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the worker to exit")
	return cmd
}

func workerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st := rt.WorkerStatus()
				return printJSONOrText(st, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(cmd.OutOrStdout())
					tw.AppendRow(table.Row{"state", st.State})
					if st.PID > 0 {
						tw.AppendRow(table.Row{"pid", st.PID})
					}
					if st.WorkerID != "" {
						tw.AppendRow(table.Row{"worker", st.WorkerID})
					}
					tw.AppendRow(table.Row{"started", agoPtr(st.StartedAt)})
					tw.AppendRow(table.Row{"last tick", agoPtr(st.LastTickAt)})
					if st.LastStepID != "" {
						tw.AppendRow(table.Row{"last step", st.LastStepID})
					}
					if st.LastError != "" {
						tw.AppendRow(table.Row{"last error", st.LastError})
					}
					tw.Render()
				})
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWriteRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				handler, err := server.New(server.Config{
					Engine:       rt.Engine,
					BasePath:     basePath,
					WorkerStatus: rt.WorkerStatus,
					Log:          &rt.Log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					rt.Log.Info().Str("addr", addr).Str("base_path", basePath).Msgf("serving ops API on http://%s%s (OpenAPI at %s/openapi.json)", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if withWorker {
					w := rt.NewWorker()
					g.Go(func() error { return w.Run(gctx) })
				}
				server.StartWebhookDispatcher(gctx, rt.Engine, rt.Config.Webhooks, rt.Log)

				if err := g.Wait(); err != nil && !isCanceled(err) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from ops.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withWorker, "worker", false, "run the worker in this process")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live view of worker health, step counts and recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return tui.Run(tui.EngineSource(rt.Engine, rt.WorkerStatus))
			})
		},
	}
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export derived snapshots",
	}
	var out string
	sqlite := &cobra.Command{
		Use:   "sqlite",
		Short: "Write a SQLite reporting snapshot of every stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				path := out
				if path == "" {
					path = db.SnapshotPath(rt.Store.Dir())
				}
				counts, err := snapshot.Export(ctx, rt.Store, path, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrText(counts, func() {
					fmt.Printf("wrote %s: %d proposals, %d missions, %d steps, %d events\n",
						path, counts.Proposals, counts.Missions, counts.Steps, counts.Events)
				})
			})
		},
	}
	sqlite.Flags().StringVarP(&out, "out", "o", "", "output file (default .ops/ops.db)")
	cmd.AddCommand(sqlite)
	return cmd
}

func storeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Maintain the state files",
	}
	var streams []string
	var force bool
	compact := &cobra.Command{
		Use:   "compact",
		Short: "Rewrite streams with one line per record",
		Long:  "Compaction folds each entity stream to its latest versions and atomically replaces the file. The events stream is never compacted. Stop the worker first: compaction assumes no other process is writing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if st := rt.WorkerStatus(); st.State != supervisor.StateStopped && !force {
					return fmt.Errorf("worker is %s (pid %d); stop it first or pass --force", st.State, st.PID)
				}
				targets := []store.Stream{store.Proposals, store.Missions, store.Steps}
				if len(streams) > 0 {
					targets = targets[:0]
					for _, name := range streams {
						s, err := store.ParseStream(name)
						if err != nil {
							return err
						}
						if s == store.Events {
							return fmt.Errorf("the events stream is an audit trail and is never compacted")
						}
						targets = append(targets, s)
					}
				}
				result := map[string]int{}
				for _, s := range targets {
					n, err := compactStream(rt.Store, s)
					if err != nil {
						return err
					}
					result[string(s)] = n
				}
				return printJSONOrText(result, func() {
					for _, s := range targets {
						fmt.Printf("%s: %d records\n", s, result[string(s)])
					}
				})
			})
		},
	}
	compact.Flags().StringSliceVar(&streams, "stream", nil, "streams to compact (default proposals,missions,steps)")
	compact.Flags().BoolVar(&force, "force", false, "compact even if a worker appears to be running")
	cmd.AddCommand(compact)
	return cmd
}

func compactStream(st *store.Store, s store.Stream) (int, error) {
	switch s {
	case store.Proposals:
		return store.Compact[domain.Proposal](st, s)
	case store.Missions:
		return store.Compact[domain.Mission](st, s)
	case store.Steps:
		return store.Compact[domain.Step](st, s)
	}
	return 0, fmt.Errorf("stream %s cannot be compacted", s)
}
