package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"holon/internal/app"
	"holon/internal/domain"
	"holon/internal/engine"
	"holon/internal/repo"
)

func initCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default holon.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.Init(viper.GetString("workspace"), projectID, force)
			if err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (defaults to the workspace directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// readIntentSpec decodes a YAML or JSON intent spec file.
func readIntentSpec(path string) (engine.IntentCreateOptions, error) {
	var opts engine.IntentCreateOptions
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return opts, domain.Errorf(domain.KindInvalidSpec, "%s: %v", path, err)
	}
	return opts, nil
}

func createIntentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-intent <spec>",
		Short: "Create an intent from a YAML or JSON spec file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := readIntentSpec(args[0])
			if err != nil {
				return err
			}
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Engine.CreateIntent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <intent> <agent> [model]",
		Short: "Generate plan variants until planning converges",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, agentID := args[0], args[1]
			model := ""
			if len(args) == 3 {
				model = args[2]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Repo.Intent(id)
				if err != nil {
					return err
				}
				if in.State == domain.StateProposed {
					if _, err := a.Engine.Dispatch(ctx, id, agentID); err != nil {
						return err
					}
				}
				d, err := a.Engine.Plan(ctx, id, agentID, model)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				return printVariants(a.Repo, id)
			})
		},
	}
	return cmd
}

func executeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <intent|plan> <agent> [model] [action]",
		Short: "Execute the selected plan of a ready intent",
		Args:  cobra.RangeArgs(2, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, agentID := args[0], args[1]
			var model, action string
			if len(args) > 2 {
				model = args[2]
			}
			if len(args) > 3 {
				action = args[3]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id := target
				if !a.Repo.HasIntent(target) {
					plan, err := a.Repo.Variant(target)
					if err != nil {
						return err
					}
					if sel, ok := a.Repo.SelectedPlan(plan.IntentID); !ok || sel.PlanID != plan.PlanID {
						return domain.Errorf(domain.KindInvalidTransition, "plan %s is not the selected plan of %s", plan.PlanID, plan.IntentID)
					}
					id = plan.IntentID
				}
				exec, err := a.Engine.Execute(ctx, id, agentID, model, action)
				if exec.StartedSeq > 0 {
					if perr := printJSONOrTable(exec); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	return cmd
}

func orchestrateCmd() *cobra.Command {
	var agentID, model string
	var noReview bool
	cmd := &cobra.Command{
		Use:   "orchestrate <spec>",
		Short: "Create an intent, run it to completion and request review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := readIntentSpec(args[0])
			if err != nil {
				return err
			}
			opts.ActorID = actorID()
			if agentID == "" {
				agentID = actorID()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Engine.CreateIntent(ctx, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "created %s on %s\n", in.ID, in.Branch)
				in, err = a.Engine.Run(ctx, in.ID, agentID, model)
				if err != nil {
					return err
				}
				if in.State != domain.StateSuccess {
					return fmt.Errorf("intent %s ended %s", in.ID, in.State)
				}
				if noReview || !in.IsRoot() {
					return printJSONOrTable(in)
				}
				if _, err := a.Engine.RequestReview(ctx, in.ID, agentID); err != nil {
					return err
				}
				rv, _ := a.Repo.Review(in.ID)
				return printReview(rv)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id driving planning and execution (defaults to --actor-id)")
	cmd.Flags().StringVar(&model, "model", "", "model hint passed to collaborators")
	cmd.Flags().BoolVar(&noReview, "no-review", false, "stop at success without requesting review")
	return cmd
}

func intentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "intent", Short: "Inspect intents"}
	cmd.AddCommand(intentListCmd())
	cmd.AddCommand(intentShowCmd())
	cmd.AddCommand(intentTreeCmd())
	return cmd
}

func intentListCmd() *cobra.Command {
	var f repo.IntentFilters
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.State = domain.IntentState(state)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items := a.Repo.ListIntents(f)
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Goal", "State", "Parent", "Branch"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.Goal, in.State, in.Parent(), in.Branch})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent intent id")
	cmd.Flags().BoolVar(&f.RootsOnly, "roots", false, "only root intents")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of intents")
	return cmd
}

type intentDetail struct {
	Intent        domain.Intent         `json:"intent"`
	Budget        *domain.EntropyBudget `json:"budget,omitempty"`
	SelectedPlan  string                `json:"selected_plan_id,omitempty"`
	LastExecution *repo.Execution       `json:"last_execution,omitempty"`
	Review        *repo.Review          `json:"review,omitempty"`
}

func intentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <intent>",
		Short: "Show an intent with its budget, plan and last execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Repo.Intent(args[0])
				if err != nil {
					return err
				}
				d := intentDetail{Intent: in}
				if b, ok := a.Repo.Budget(in.ID); ok {
					d.Budget = &b
				}
				if p, ok := a.Repo.SelectedPlan(in.ID); ok {
					d.SelectedPlan = p.PlanID
				}
				if x, ok := a.Repo.LastExecution(in.ID); ok {
					d.LastExecution = &x
				}
				if rv, ok := a.Repo.Review(in.ID); ok {
					d.Review = &rv
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func intentTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree [intent]",
		Short: "Print the intent tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var roots []domain.Intent
				if len(args) == 1 {
					in, err := a.Repo.Intent(args[0])
					if err != nil {
						return err
					}
					roots = []domain.Intent{in}
				} else {
					roots = a.Repo.ListIntents(repo.IntentFilters{RootsOnly: true})
				}
				for _, root := range roots {
					fmt.Printf("%s [%s]\n", root.ID, root.State)
					kids := a.Repo.Children(root.ID)
					for i, c := range kids {
						printIntentTree(a.Repo, c, "", i == len(kids)-1)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func printIntentTree(r *repo.Repo, in domain.Intent, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	label := in.ID
	if in.Reactive {
		label += " (" + in.ReactiveFor + ")"
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, label, in.State)
	kids := r.Children(in.ID)
	for i, c := range kids {
		printIntentTree(r, c, newPrefix, i == len(kids)-1)
	}
}

func variantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "variants <intent>",
		Short: "List plan variants of an intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.Intent(args[0]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a.Repo.Variants(args[0]))
				}
				return printVariants(a.Repo, args[0])
			})
		},
	}
	return cmd
}

func printVariants(r *repo.Repo, id string) error {
	variants := r.Variants(id)
	sort.SliceStable(variants, func(i, j int) bool { return variants[i].Predicted.EV > variants[j].Predicted.EV })
	selected, _ := r.SelectedPlan(id)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"", "Plan", "P(success)", "Entropy", "Impact", "Cost", "EV", "Agent"})
	for _, v := range variants {
		mark := ""
		if v.PlanID == selected.PlanID {
			mark = "*"
		}
		m := v.Predicted
		tw.AppendRow(table.Row{mark, v.PlanID, m.PSuccess, m.Entropy, m.Impact, m.Cost, fmt.Sprintf("%.3f", m.EV), v.CreatedBy})
	}
	tw.Render()
	if c, ok := r.Convergence(id); ok {
		fmt.Printf("converged: %s\n", c.Reason)
	}
	return nil
}

func abandonCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <intent>",
		Short: "Abandon an intent and its subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Engine.Abandon(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the intent is abandoned")
	return cmd
}

func printReview(rv repo.Review) error {
	if viper.GetBool("json") {
		return printJSON(rv)
	}
	p := rv.Package
	fmt.Printf("review of %s (%s)\n", p.IntentID, p.Reason)
	fmt.Printf("goal:    %s\n", p.Goal)
	fmt.Printf("branch:  %s\n", p.Branch)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"", "P(success)", "Entropy", "Impact", "Cost"})
	tw.AppendRow(table.Row{"predicted", p.Predicted.PSuccess, p.Predicted.Entropy, p.Predicted.Impact, p.Predicted.Cost})
	tw.AppendRow(table.Row{"actual", p.Actual.PSuccess, p.Actual.Entropy, p.Actual.Impact, p.Actual.Cost})
	tw.Render()
	if len(p.DiffSummary) > 0 {
		fmt.Println("changed:")
		for _, path := range p.DiffSummary {
			fmt.Println("  " + path)
		}
	}
	if len(p.CalibrationErrors) > 0 {
		agents := make([]string, 0, len(p.CalibrationErrors))
		for id := range p.CalibrationErrors {
			agents = append(agents, id)
		}
		sort.Strings(agents)
		parts := make([]string, 0, len(agents))
		for _, id := range agents {
			parts = append(parts, fmt.Sprintf("%s=%.3f", id, p.CalibrationErrors[id]))
		}
		fmt.Println("calibration: " + strings.Join(parts, " "))
	}
	if !rv.Pending() {
		fmt.Printf("decision: %s by %s\n", rv.Decision, rv.Reviewer)
	}
	return nil
}
