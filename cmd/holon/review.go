package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"holon/internal/app"
	"holon/internal/domain"
	holonsdk "holon/sdk/go"
)

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Human review of root intents",
		Long: `Roots that finish successfully wait in awaiting_review. Approving rebases the
root onto trunk and promotes it; rejecting discards the whole tree.
With --server the decision goes through a running 'holon serve' using the
bearer token from --token or HOLON_TOKEN.`,
	}
	cmd.PersistentFlags().String("server", "", "base URL of a holon API server")
	cmd.PersistentFlags().String("token", "", "bearer token for --server")
	_ = viper.BindPFlag("server", cmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", cmd.PersistentFlags().Lookup("token"))
	cmd.AddCommand(reviewShowCmd())
	cmd.AddCommand(reviewPendingCmd())
	cmd.AddCommand(reviewDecideCmd("approve", domain.DecisionApproved))
	cmd.AddCommand(reviewDecideCmd("reject", domain.DecisionRejected))
	return cmd
}

func remoteClient() *holonsdk.Client {
	server := viper.GetString("server")
	if server == "" {
		return nil
	}
	return holonsdk.New(server, viper.GetString("token"))
}

func reviewShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <intent>",
		Short: "Show the review package of a root intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				rv, err := c.ReviewPackage(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(rv)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rv, ok := a.Repo.Review(args[0])
				if !ok {
					return domain.Error{Kind: domain.KindNotFound, IntentID: args[0], Msg: "no review requested"}
				}
				return printReview(rv)
			})
		},
	}
	return cmd
}

func reviewPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List roots awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pending := a.Repo.PendingReviews()
				if viper.GetBool("json") {
					return printJSON(pending)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Intent", "Goal", "Reason", "Requested"})
				for _, rv := range pending {
					tw.AppendRow(table.Row{rv.IntentID, rv.Package.Goal, rv.Package.Reason, rv.RequestedSeq})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reviewDecideCmd(verb, decision string) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   verb + " <intent>",
		Short: fmt.Sprintf("Mark a pending review %s", decision),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				in, err := c.Decide(cmd.Context(), args[0], decision, comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Engine.Review(ctx, args[0], decision, actorID(), comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "reviewer comment")
	return cmd
}
