// Command warden audits Solidity targets through a budget-gated
// escalation loop: static analysis first, heavier capabilities only as
// accumulated risk signals unlock them, every run persisted for replay.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warden/internal/agents"
	"warden/internal/capability"
	"warden/internal/config"
	"warden/internal/kernel"
	"warden/internal/killswitch"
	"warden/internal/runner"
	"warden/internal/runstore"
	"warden/internal/tools"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// Loaded in PersistentPreRunE, shared by every handler
	cfg    *config.Config
	logger *zap.Logger

	// Status output
	colorRed    = color.New(color.FgRed, color.Bold)
	colorGreen  = color.New(color.FgGreen, color.Bold)
	colorYellow = color.New(color.FgYellow)
	colorCyan   = color.New(color.FgCyan)
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "warden - budget-gated audit orchestration for Solidity targets",
	Long: `warden runs security audits as an escalation loop under a hard budget.

Cheap static analysis always runs first; call-graph analysis, corpus
lookups, fuzzing, invariant proofs, repair attempts, and LLM synthesis
unlock only when earlier findings justify their cost. Every run is
checkpointed to .warden/runs/<id>/ and can be replayed, scored, and
diffed against other revisions of the same target.`,
	Version:       "0.3.0",
	SilenceErrors: true, // error printing and exit codes live in main()
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("%w: %v", kernel.ErrConfiguration, err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%w: %v", kernel.ErrConfiguration, err)
		}
		logger, err = buildLogger(cfg.Logging, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".warden/config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	// Add commands to root
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(trendCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(entrypointsCmd)
	rootCmd.AddCommand(capabilitiesCmd)
	rootCmd.AddCommand(workbenchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		colorRed.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status. Scripts rely on the
// split: 1 means the audit surfaced a problem, 2 means warden itself was
// misconfigured and the result says nothing about the target.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, kernel.ErrConfiguration) {
		return 2
	}
	return 1
}

// buildLogger builds the process logger. Production JSON by default;
// the console encoding and level come from config, --verbose forces
// debug either way.
func buildLogger(lc config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc.Encoding = "console"
	}
	if lvl, err := zapcore.ParseLevel(lc.Level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zc.Build()
}

// buildKernel wires the full capability stack from the loaded config.
// runsRoot and parallel override the config when set; diff passes a
// throwaway root so its worktree audits never land in the real store.
// Callers close the returned switch when the run is over.
func buildKernel(runsRoot string, parallel int) (*kernel.Kernel, *runstore.Store, *killswitch.Switch, error) {
	registry, err := capability.NewRegistry(cfg.Capabilities)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", kernel.ErrConfiguration, err)
	}
	if runsRoot == "" {
		runsRoot = cfg.Runs.Root
	}
	if parallel <= 0 {
		parallel = cfg.Runner.Parallelism
	}
	store := runstore.NewStore(runsRoot, logger)
	pool := runner.NewPool(cfg.GetRunnerTimeout(), cfg.GetRunnerGrace(), parallel, logger)

	kill := killswitch.New(cfg.KillFile, logger)
	if err := kill.Watch(); err != nil {
		logger.Warn("kill file watcher unavailable, polling instead", zap.Error(err))
	}

	k, err := kernel.New(kernel.Deps{
		Registry:    registry,
		Transitions: cfg.Escalation.Transitions,
		Weights:     cfg.Scoring,
		Agents:      buildAgents(),
		Pool:        pool,
		Store:       store,
		Kill:        kill,
		Logger:      logger,
		Parallelism: parallel,
	})
	if err != nil {
		kill.Close()
		return nil, nil, nil, err
	}
	return k, store, kill, nil
}

// buildAgents constructs one agent per stock capability. A missing LLM
// endpoint leaves the synthesis client nil; the agent degrades to a
// runtime skip instead of failing the run.
func buildAgents() []runner.Agent {
	exec := tools.NewRunner(0, logger)
	slither := tools.NewSlither(cfg.Tools.Slither, cfg.GetToolTimeout(), exec, logger)
	forge := tools.NewFoundry(cfg.Tools.Forge, cfg.GetToolTimeout(), exec, logger)

	var llm *agents.LLMClient
	if cfg.LLM.BaseURL != "" {
		llm = agents.NewLLMClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.GetLLMTimeout())
	}

	return []runner.Agent{
		agents.NewStatic(slither, logger),
		agents.NewGraph(logger),
		agents.NewLookup(cfg.Solodit.CorpusPath, logger),
		agents.NewFuzz(forge, 0, logger),
		agents.NewProof(logger),
		agents.NewRepair(nil, cfg.Repair.MinBudget, logger),
		agents.NewSynth(llm, cfg.LLM.FixturesDir, logger),
	}
}

// openCatalog opens the sqlite run catalog at the configured path.
func openCatalog() (*runstore.Catalog, error) {
	return runstore.NewCatalog(cfg.Runs.Catalog, logger)
}
