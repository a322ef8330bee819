package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsline/internal/app"
	"opsline/internal/config"
	"opsline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "ops",
	Short: "Ops control plane CLI",
	Long: `ops turns proposals into approved missions and runs their steps.
- Proposals: suggested actions from people, triggers or reactions. The policy gate screens them on creation; an operator approves or rejects the rest.
- Missions: what an approved proposal becomes. Each mission owns one or more steps.
- Steps: units of work (note, openclaw) executed one at a time by the background worker.
- Events: the append-only timeline of everything that happened, view it with 'ops log tail'.
- Policies: a JSON document of switches (x_autopost, x_daily_quota, deny_rules) edited with 'ops policy'.
State lives under <workspace>/.ops as JSON-lines files; ops.yml holds the settings.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded on events (defaults per operation)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides ops.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(storeCmd())
}

func initCmd() *cobra.Command {
	var force bool
	return &cobra.Command{
		Use:   "init",
		Short: "Create ops.yml and the .ops state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists\n", path)
			} else {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", path, err)
				}
				fmt.Printf("wrote %s\n", path)
			}
			st, err := store.Open(app.StorePath(workspace))
			if err != nil {
				return err
			}
			if err := st.EnsureAll(); err != nil {
				return err
			}
			fmt.Printf("state in %s\n", st.Dir())
			return nil
		},
	}
}

// --- helpers ---

type runtimeOptions struct {
	bus bool
}

func withRuntime(ctx context.Context, opts runtimeOptions, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(viper.GetString("workspace"), app.Options{
		LogLevel: viper.GetString("log-level"),
		NoBus:    !opts.bus,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			rt.Log.Warn().Err(err).Msg("close runtime")
		}
	}()
	return fn(ctx, rt)
}

// withReadRuntime opens the workspace without an event bus.
func withReadRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	return withRuntime(ctx, runtimeOptions{}, fn)
}

// withWriteRuntime opens the workspace with the configured bus so emitted
// events reach subscribers.
func withWriteRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	return withRuntime(ctx, runtimeOptions{bus: true}, fn)
}

func actor() string {
	return viper.GetString("actor")
}

func printJSONOrText(v any, text func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	text()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.Time(t)
}

func agoPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return ago(*t)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
