package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"opsline/internal/app"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/repo"
)

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposal",
		Short: "Create and decide proposals",
		Long:  "Proposals are suggested actions. The policy gate may reject one on creation; otherwise it waits as pending until approved (creating a mission with one queued step) or rejected.",
	}
	cmd.AddCommand(proposalCreateCmd())
	cmd.AddCommand(proposalListCmd())
	cmd.AddCommand(proposalShowCmd())
	cmd.AddCommand(proposalApproveCmd())
	cmd.AddCommand(proposalRejectCmd())
	return cmd
}

func proposalCreateCmd() *cobra.Command {
	var draft engine.ProposalDraft
	var source string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			draft.Source = domain.ProposalSource(source)
			draft.Actor = actor()
			return withWriteRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.CreateProposal(ctx, draft)
				if err != nil {
					return err
				}
				return printJSONOrText(p, func() { printProposal(p) })
			})
		},
	}
	cmd.Flags().StringVar(&draft.Title, "title", "", "title")
	cmd.Flags().StringVar(&draft.Description, "description", "", "description")
	cmd.Flags().StringVar(&source, "source", "manual", "source (manual, trigger, reaction, api)")
	cmd.Flags().StringVar(&draft.Project, "project", "", "project")
	cmd.Flags().StringVar(&draft.TaskKey, "task-key", "", "task key")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var items []domain.Proposal
				for _, p := range rt.Engine.ListProposals(ctx) {
					if status == "" || string(p.Status) == status {
						items = append(items, p)
					}
				}
				return printJSONOrText(nonNil(items), func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Title", "Source", "Status", "Created", "Gate"})
					for _, p := range items {
						tw.AppendRow(table.Row{shortID(p.ID), p.Title, p.Source, p.Status, ago(p.CreatedAt), p.Gate.Reason})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, approved, rejected)")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				events := rt.Engine.ListEvents(ctx, repo.EventFilter{ProposalID: p.ID})
				out := struct {
					Proposal domain.Proposal `json:"proposal"`
					Events   []domain.Event  `json:"events"`
				}{p, nonNil(events)}
				return printJSONOrText(out, func() {
					printProposal(p)
					fmt.Println()
					printEvents(events)
				})
			})
		},
	}
}

func proposalApproveCmd() *cobra.Command {
	var opts engine.ApproveOptions
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending proposal",
		Long:  "Approving creates a running mission with one queued step. Approving a proposal that is already decided changes nothing.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Actor = actor()
			return withWriteRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ApproveProposal(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrText(res, func() {
					if !res.Applied {
						fmt.Printf("proposal %s is already %s; nothing changed\n", res.Proposal.ID, res.Proposal.Status)
						return
					}
					fmt.Printf("approved %s\nmission  %s\nstep     %s (%s) queued\n", res.Proposal.ID, res.Mission.ID, res.Step.ID, res.Step.Kind)
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.StepKind, "step-kind", "", "initial step kind (default note)")
	cmd.Flags().StringVar(&opts.StepTitle, "step-title", "", "initial step title (default proposal title)")
	cmd.Flags().StringArrayVar(&opts.StepArgs, "step-arg", nil, "gateway argument for openclaw steps (repeatable)")
	return cmd
}

func proposalRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWriteRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, applied, err := rt.Engine.RejectProposal(ctx, args[0], reason, actor())
				if err != nil {
					return err
				}
				out := struct {
					Applied  bool            `json:"applied"`
					Proposal domain.Proposal `json:"proposal"`
				}{applied, p}
				return printJSONOrText(out, func() {
					if !applied {
						fmt.Printf("proposal %s is already %s; nothing changed\n", p.ID, p.Status)
						return
					}
					fmt.Printf("rejected %s\n", p.ID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the rejection")
	return cmd
}

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mission",
		Short: "Inspect missions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List missions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				missions := rt.Engine.ListMissions(ctx)
				return printJSONOrText(nonNil(missions), func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Title", "Status", "Created", "Completed"})
					for _, m := range missions {
						tw.AppendRow(table.Row{shortID(m.ID), m.Title, m.Status, ago(m.TS), agoPtr(m.CompletedAt)})
					}
					tw.Render()
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission with its steps and timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, err := rt.Engine.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := rt.Engine.ListSteps(ctx, m.ID)
				if err != nil {
					return err
				}
				timeline, err := rt.Engine.Timeline(ctx, m.ID)
				if err != nil {
					return err
				}
				out := struct {
					Mission  domain.Mission `json:"mission"`
					Steps    []domain.Step  `json:"steps"`
					Timeline []domain.Event `json:"timeline"`
				}{m, nonNil(steps), nonNil(timeline)}
				return printJSONOrText(out, func() {
					fmt.Printf("%s  %s  [%s]  proposal %s\n\n", m.ID, m.Title, m.Status, m.ProposalID)
					printSteps(steps)
					fmt.Println()
					printEvents(timeline)
				})
			})
		},
	})
	return cmd
}

func stepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "List and queue steps",
	}

	var missionID, status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List steps, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				steps, err := rt.Engine.ListSteps(ctx, missionID)
				if err != nil {
					return err
				}
				var items []domain.Step
				for _, s := range steps {
					if status == "" || string(s.Status) == status {
						items = append(items, s)
					}
				}
				return printJSONOrText(nonNil(items), func() { printSteps(items) })
			})
		},
	}
	list.Flags().StringVar(&missionID, "mission", "", "mission id")
	list.Flags().StringVar(&status, "status", "", "status filter (queued, running, succeeded, failed)")
	cmd.AddCommand(list)

	var draft engine.StepDraft
	add := &cobra.Command{
		Use:   "add <mission-id>",
		Short: "Queue another step on a running mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			draft.Actor = actor()
			return withWriteRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.AddStep(ctx, args[0], draft)
				if err != nil {
					return err
				}
				return printJSONOrText(s, func() { fmt.Printf("queued step %s (%s)\n", s.ID, s.Kind) })
			})
		},
	}
	add.Flags().StringVar(&draft.Kind, "kind", "note", "step kind (note, openclaw)")
	add.Flags().StringVar(&draft.Title, "title", "", "title")
	add.Flags().StringVar(&draft.Details, "details", "", "details")
	add.Flags().StringArrayVar(&draft.Args, "arg", nil, "gateway argument (repeatable)")
	_ = add.MarkFlagRequired("title")
	cmd.AddCommand(add)
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or replace the policy document",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the policy document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printJSON(rt.Engine.GetPolicies(ctx))
			})
		},
	})
	var file string
	set := &cobra.Command{
		Use:   "set",
		Short: "Replace the policy document with JSON from a file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(file)
			if err != nil {
				return err
			}
			var p domain.Policy
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("invalid policy JSON: %w", err)
			}
			return withWriteRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.SetPolicies(ctx, p); err != nil {
					return err
				}
				return printJSON(rt.Engine.GetPolicies(ctx))
			})
		},
	}
	set.Flags().StringVarP(&file, "file", "f", "-", "JSON file, - for stdin")
	cmd.AddCommand(set)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read the event timeline",
	}
	var f repo.EventFilter
	var kind string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Kind = domain.EventKind(kind)
			return withReadRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events := rt.Engine.ListEvents(ctx, f)
				return printJSONOrText(nonNil(events), func() { printEvents(events) })
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&kind, "kind", "", "event kind filter")
	tail.Flags().StringVar(&f.MissionID, "mission", "", "mission id")
	tail.Flags().StringVar(&f.ProposalID, "proposal", "", "proposal id")
	tail.Flags().StringVar(&f.StepID, "step", "", "step id")
	cmd.AddCommand(tail)
	return cmd
}

func printProposal(p domain.Proposal) {
	fmt.Printf("%s  %s\n", p.ID, p.Title)
	fmt.Printf("  status   %s\n", p.Status)
	fmt.Printf("  source   %s\n", p.Source)
	fmt.Printf("  created  %s\n", ago(p.CreatedAt))
	if p.Project != "" || p.TaskKey != "" {
		fmt.Printf("  project  %s %s\n", p.Project, p.TaskKey)
	}
	if !p.Gate.OK {
		fmt.Printf("  gate     %s\n", p.Gate.Reason)
	}
	if p.RejectReason != "" && p.RejectReason != p.Gate.Reason {
		fmt.Printf("  reason   %s\n", p.RejectReason)
	}
}

func printSteps(steps []domain.Step) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Status", "Worker", "Queued", "Error"})
	for _, s := range steps {
		tw.AppendRow(table.Row{shortID(s.ID), s.Kind, s.Title, s.Status, s.ClaimedBy, ago(s.TS), s.LastError})
	}
	tw.Render()
}

func printEvents(events []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"When", "Kind", "Actor", "Title"})
	for _, e := range events {
		tw.AppendRow(table.Row{ago(e.TS), e.Kind, e.Actor, e.Title})
	}
	tw.Render()
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
