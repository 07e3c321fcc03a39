package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/arctek/conveyor/agent"
	"github.com/arctek/conveyor/internal/config"
	"github.com/arctek/conveyor/internal/db"
	"github.com/arctek/conveyor/resolve"
	"github.com/arctek/conveyor/ticket"
	"github.com/arctek/conveyor/vcs"
)

// cliEnv carries the shared wiring every subcommand needs.
type cliEnv struct {
	cfg    config.Config
	store  ticket.Store
	logger *slog.Logger
	close  func() error
}

var (
	flagConfig  string
	flagVerbose bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "conveyor",
		Short:         "Multi-ticket build orchestrator",
		Long:          "Conveyor ingests ticket definitions, derives the dependency graph,\nschedules builds within pacing bounds, and drives pull requests to merge.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "conveyor.yaml", "config file path")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newCreateCmd(),
		newPlanCmd(),
		newDependsCmd(),
		newNextCmd(),
		newBuildCmd(),
		newStatusCmd(),
		newPRCheckCmd(),
		newRetryCmd(),
		newContinuousCmd(),
	)
	return root
}

// newEnv loads config and opens the ticket store.
func newEnv() (*cliEnv, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagVerbose {
		cfg.Verbose = true
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	env := &cliEnv{cfg: cfg, logger: logger, close: func() error { return nil }}

	if cfg.DBPath != "" {
		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		env.store = db.NewSQLStore(database)
		env.close = database.Close
	} else {
		state := ticket.NewState(cfg.StatePath)
		if err := state.Load(); err != nil {
			return nil, err
		}
		env.store = state
	}
	return env, nil
}

// newVCSClient wires the live git/gh client.
func (e *cliEnv) newVCSClient() vcs.Client {
	return vcs.NewCLIClient(e.cfg.RepoRoot, e.cfg.BaseBranch)
}

// newResolver wires the PR resolution engine with a VCS client and the fix
// agent.
func (e *cliEnv) newResolver(client vcs.Client) *resolve.Engine {
	fixer := agent.NewSpawner(e.cfg.AgentCLI, e.cfg.PromptsDir, e.cfg.RepoRoot, e.cfg.AgentTimeout.Std(), e.cfg.Verbose)
	return resolve.NewEngine(e.store, client, fixer, e.cfg.BaseBranch, e.cfg.MaxRetries, e.cfg.StallWindow, e.logger)
}

// newBuilder wires the build agent spawner.
func (e *cliEnv) newBuilder() agent.Builder {
	return agent.NewSpawner(e.cfg.AgentCLI, e.cfg.PromptsDir, e.cfg.RepoRoot, e.cfg.AgentTimeout.Std(), e.cfg.Verbose)
}
