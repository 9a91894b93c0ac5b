package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"holon/internal/app"
	"holon/internal/domain"
	"holon/internal/ledger"
)

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every state change, variant, merge, review and trust update, in seq order.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, intentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var events []ledger.Event
				for _, ev := range a.Ledger.Events() {
					if evtType != "" && string(ev.Type) != evtType {
						continue
					}
					if intentID != "" && ev.IntentID() != intentID {
						continue
					}
					events = append(events, ev)
				}
				if n > 0 && len(events) > n {
					events = events[len(events)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Type", "Intent", "Agent", "Branch"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.Seq, ev.TS.Format("2006-01-02 15:04:05.000"), ev.Type, ev.IntentID(), ev.AgentID, ev.Git.Branch})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&intentID, "intent", "", "intent id filter")
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Export, verify and correct the ledger",
	}
	cmd.AddCommand(ledgerExportCmd())
	cmd.AddCommand(ledgerVerifyCmd())
	cmd.AddCommand(ledgerCorrectCmd())
	return cmd
}

func ledgerExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the ledger as JSONL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var w io.Writer = os.Stdout
				if out != "" && out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				return a.Ledger.Export(w)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file")
	return cmd
}

func ledgerVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [file]",
		Short: "Check ordering and referential rules over the ledger or an exported file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events := a.Ledger.Events()
				source := "ledger"
				if len(args) == 1 {
					f, err := os.Open(args[0])
					if err != nil {
						return err
					}
					defer f.Close()
					if events, err = ledger.ReadJSONL(f); err != nil {
						return err
					}
					source = args[0]
				}
				if err := ledger.Verify(events, a.Config.Git.Trunk); err != nil {
					return err
				}
				fmt.Printf("%s ok: %d events\n", source, len(events))
				return nil
			})
		},
	}
	return cmd
}

func ledgerCorrectCmd() *cobra.Command {
	var seq int64
	var reason, fields string
	cmd := &cobra.Command{
		Use:   "correct",
		Short: "Append a correction amending an earlier event",
		Long: `Events are never edited. A correction references the seq it amends and
carries the replacement fields; replay applies it in order.
Corrections to intent_created amend goal, constraints and scope in the read
model; corrections to other events are kept for audit only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if seq <= 0 || reason == "" {
				return domain.Errorf(domain.KindInvalidSpec, "--seq and --reason required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Engine.Correct(ctx, seq, reason, json.RawMessage(fields), actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().Int64Var(&seq, "seq", 0, "seq of the event being corrected")
	cmd.Flags().StringVar(&reason, "reason", "", "why the correction is needed")
	cmd.Flags().StringVar(&fields, "fields", "{}", "JSON object with the corrected fields")
	return cmd
}

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "trust", Short: "Agent trust"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <agent>",
		Short: "Show an agent's trust state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printTrust([]domain.TrustState{a.Engine.Budget.TrustOf(args[0])})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents with recorded trust",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printTrust(a.Repo.TrustStates())
			})
		},
	})
	return cmd
}

func printTrust(states []domain.TrustState) error {
	if viper.GetBool("json") {
		return printJSON(states)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Agent", "Level", "Score", "Executions", "Successes", "Failures", "Violations", "Calibration"})
	for _, s := range states {
		tw.AppendRow(table.Row{s.AgentID, s.Level, fmt.Sprintf("%.3f", s.Score), s.Executions, s.Successes, s.Failures, s.Violations, fmt.Sprintf("%.3f", s.MeanCalibrationError())})
	}
	tw.Render()
	return nil
}
