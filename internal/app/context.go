// Package app opens a workspace: config, ledger, read model, collaborators and
// the engine that ties them together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"holon/internal/agent"
	"holon/internal/branch"
	"holon/internal/config"
	"holon/internal/db"
	"holon/internal/engine"
	"holon/internal/ledger"
	"holon/internal/repo"
)

const (
	LedgerSQLite = "sqlite"
	LedgerJSONL  = "jsonl"

	ledgerFile = "ledger.jsonl"
)

type Options struct {
	Workspace string
	// Ledger is LedgerSQLite (default) or LedgerJSONL.
	Ledger string
	Logger *zap.Logger
}

type App struct {
	Workspace string
	Config    *config.Config
	Ledger    *ledger.Ledger
	Repo      *repo.Repo
	Agents    *agent.Registry
	Engine    *engine.Engine
	Log       *zap.Logger
}

// Open loads the workspace .env and config, opens the ledger and rebuilds the
// read model from it.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := LoadEnv(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	backend, err := OpenBackend(ctx, workspace, opts.Ledger)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(ctx, backend, ledger.Options{Trunk: cfg.Git.Trunk, Logger: log})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	agents, err := Agents(workspace, cfg)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	repoDir := cfg.Git.Repo
	if repoDir == "" || repoDir == "." {
		repoDir = workspace
	} else if !filepath.IsAbs(repoDir) {
		repoDir = filepath.Join(workspace, repoDir)
	}
	vcs := branch.NewGitCLI(repoDir, filepath.Join(db.StateDir(workspace), "worktrees"))

	r := repo.New()
	e := engine.New(l, r, cfg, agents, vcs, log)
	log.Debug("workspace opened",
		zap.String("workspace", workspace),
		zap.String("project", cfg.Project.ID),
		zap.Int64("last_seq", l.LastSeq()),
	)
	return &App{
		Workspace: workspace,
		Config:    cfg,
		Ledger:    l,
		Repo:      r,
		Agents:    agents,
		Engine:    e,
		Log:       log,
	}, nil
}

func (a *App) Close() error {
	return a.Ledger.Close()
}

// OpenBackend opens the ledger storage of a workspace.
func OpenBackend(ctx context.Context, workspace, kind string) (ledger.Backend, error) {
	switch strings.ToLower(kind) {
	case "", LedgerSQLite:
		return ledger.OpenSQLite(ctx, workspace)
	case LedgerJSONL:
		return ledger.OpenFile(LedgerPath(workspace))
	default:
		return nil, fmt.Errorf("unknown ledger backend %q (want %s or %s)", kind, LedgerSQLite, LedgerJSONL)
	}
}

// LedgerPath is where the JSONL ledger of a workspace lives.
func LedgerPath(workspace string) string {
	return filepath.Join(db.StateDir(workspace), ledgerFile)
}

// LoadEnv loads <workspace>/.env without overriding variables already set.
func LoadEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Agents builds the collaborator registry from the configured commands. The
// commands serve every agent id.
func Agents(workspace string, cfg *config.Config) (*agent.Registry, error) {
	reg := agent.NewRegistry()
	env := os.Environ()
	if argv := cfg.Agents.Planner; len(argv) > 0 {
		reg.RegisterPlanner(agent.Wildcard, agent.CommandPlanner{Argv: argv, Dir: workspace, Env: env})
	}
	if argv := cfg.Agents.Executor; len(argv) > 0 {
		reg.RegisterExecutor(agent.Wildcard, agent.CommandExecutor{Argv: argv, Env: env})
	}
	switch argv := cfg.Agents.Curator; {
	case len(argv) == 0:
	case len(argv) == 1 && strings.HasSuffix(argv[0], ".jsonl"):
		path := argv[0]
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		reg.SetCurator(&agent.FileCurator{Path: path})
	default:
		return nil, fmt.Errorf("agents.curator must name a .jsonl file, got %v", argv)
	}
	return reg, nil
}

// Init writes a default config and creates the state directory. An existing
// config is left alone unless force is set.
func Init(workspace, projectID string, force bool) (string, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if projectID == "" {
		abs, err := filepath.Abs(workspace)
		if err != nil {
			return "", err
		}
		projectID = filepath.Base(abs)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
