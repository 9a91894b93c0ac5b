package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"holon/internal/app"
	"holon/internal/db"
	"holon/internal/domain"
	"holon/internal/logging"
	holonsdk "holon/sdk/go"
)

// Exit codes of the command surface.
const (
	exitOK        = 0
	exitFailure   = 1
	exitInvalid   = 2
	exitViolation = 3
	exitRejected  = 4
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "holon",
	Short: "Holon intent orchestration",
	Long: `Holon turns goals into intents, plans them with competing variants, executes
the selected plan on an isolated branch and merges results upward until a human
approves promotion to trunk.
Core concepts:
- Intent: a goal with constraints and scope; intents form a tree.
- Plan variant: a proposal scored by expected value; planning converges on one.
- Entropy budget: how much change an intent and its subtree may spend.
- Ledger: the append-only event log every state is rebuilt from ('holon log tail').
- Review: roots wait in awaiting_review until 'holon review approve|reject'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log, err := logging.New(logging.Options{
			Verbose: viper.GetBool("verbose"),
			Format:  viper.GetString("log-format"),
		})
		if err != nil {
			return err
		}
		logger = log
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("HOLON")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("ledger", app.LedgerSQLite, "ledger backend (sqlite or jsonl)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console or json)")
	for _, name := range []string{"workspace", "json", "actor-id", "ledger", "verbose", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(createIntentCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(orchestrateCmd())
	rootCmd.AddCommand(intentCmd())
	rootCmd.AddCommand(variantsCmd())
	rootCmd.AddCommand(abandonCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(serveCmd())
}

// exitCode maps typed rejections onto the documented exit codes.
func exitCode(err error) int {
	var apiErr *holonsdk.APIError
	if errors.As(err, &apiErr) {
		return exitCodeForAPI(apiErr.Code)
	}
	var derr domain.Error
	if !errors.As(err, &derr) {
		return exitFailure
	}
	switch derr.Kind {
	case domain.KindInvalidSpec:
		return exitInvalid
	case domain.KindSandboxViolation:
		return exitViolation
	case domain.KindBudgetExhausted, domain.KindMergeRejected, domain.KindRebaseConflict,
		domain.KindLedgerConsistency, domain.KindTrustInsufficient:
		return exitRejected
	default:
		return exitFailure
	}
}

func exitCodeForAPI(code string) int {
	switch code {
	case "invalid_spec", "bad_request":
		return exitInvalid
	case "sandbox_violation":
		return exitViolation
	case "budget_exhausted", "merge_rejected", "rebase_conflict", "ledger_consistency_violation", "trust_insufficient":
		return exitRejected
	default:
		return exitFailure
	}
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Ledger:    viper.GetString("ledger"),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
