package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warden/internal/aggregate"
	"warden/internal/kernel"
	"warden/internal/report"
	"warden/internal/runstore"
	"warden/internal/tools"
)

var (
	auditTarget   string
	auditCap      int
	auditRunDir   string
	auditParallel int
	auditOffline  bool
	auditResume   string
)

// auditCmd runs a full audit loop against a target directory
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit a target through the escalation loop",
	Long: `Runs the audit loop against a target until the budget is exhausted,
no capability is eligible, or the kill switch engages.

Each iteration ranks the accumulated findings, asks the escalation router
which capabilities the current risk level unlocks, charges the budget
ledger, and dispatches the authorized batch. State is checkpointed after
every iteration, so an interrupted run can continue later:

  warden audit --target ./contracts --cap 10
  warden audit --resume run_20260823-101500_deadbeef`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditTarget, "target", "", "Target directory to audit")
	auditCmd.Flags().IntVar(&auditCap, "cap", 0, "Budget cap in units (default: config)")
	auditCmd.Flags().StringVar(&auditRunDir, "run-dir", "", "Runs directory (default: config)")
	auditCmd.Flags().IntVar(&auditParallel, "parallel", 0, "Capabilities dispatched per iteration (default: config)")
	auditCmd.Flags().BoolVar(&auditOffline, "offline", false, "Disable all network access")
	auditCmd.Flags().StringVar(&auditResume, "resume", "", "Continue a stored run instead of starting fresh")
}

func runAudit(cmd *cobra.Command, args []string) error {
	if auditResume == "" && auditTarget == "" {
		return fmt.Errorf("%w: --target is required", kernel.ErrConfiguration)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	k, store, kill, err := buildKernel(auditRunDir, auditParallel)
	if err != nil {
		return err
	}
	defer kill.Close()

	budgetCap := auditCap
	if budgetCap <= 0 {
		budgetCap = cfg.Budget.Cap
	}

	opts := kernel.Options{
		Target:   auditTarget,
		Cap:      budgetCap,
		Offline:  auditOffline || cfg.Offline,
		Metadata: runstore.CollectMetadata(cfg.Version, probeToolVersions(ctx)),
	}
	if auditResume != "" {
		statePath, _, err := store.Resolve(auditResume)
		if err != nil {
			return err
		}
		prior, err := runstore.LoadPath(statePath)
		if err != nil {
			return err
		}
		opts.Resume = prior
		opts.Target = prior.Target
	}

	state, err := k.Run(ctx, opts)
	if err != nil {
		return err
	}

	ranked := aggregate.Rank(state.Findings, cfg.Scoring)
	reportPath, err := finalizeRun(store, state, ranked)
	if err != nil {
		return err
	}

	printRunSummary(state, reportPath)
	fmt.Print(report.RenderTerm(report.Scoreboard(state, ranked)))

	if state.Status == runstore.StatusFailedInvariant {
		return fmt.Errorf("run %s failed invariant validation: %s",
			state.RunID, strings.Join(state.InvariantErrors, "; "))
	}
	return nil
}

// finalizeRun writes the markdown report and indexes the run in the
// catalog. Catalog trouble is logged, not fatal: state.json is already
// durable and score can re-index later.
func finalizeRun(store *runstore.Store, state *runstore.RunState, ranked []aggregate.RankedFinding) (string, error) {
	artifactsDir, err := store.ArtifactsDir(state.RunID)
	if err != nil {
		return "", err
	}
	reportPath, err := report.Write(state, ranked, artifactsDir)
	if err != nil {
		return "", err
	}

	topScore := 0
	if len(ranked) > 0 {
		topScore = ranked[0].Score
	}
	catalog, err := openCatalog()
	if err != nil {
		logger.Warn("catalog unavailable", zap.Error(err))
		return reportPath, nil
	}
	defer catalog.Close()
	if err := catalog.Upsert(state, topScore, store.StatePath(state.RunID)); err != nil {
		logger.Warn("catalog upsert failed", zap.String("run_id", state.RunID), zap.Error(err))
	}
	return reportPath, nil
}

func printRunSummary(state *runstore.RunState, reportPath string) {
	switch state.Status {
	case runstore.StatusCompleted:
		colorGreen.Printf("✓ run %s completed (%s)\n", state.RunID, state.HaltReason)
	case runstore.StatusFailedInvariant:
		colorRed.Printf("✗ run %s failed invariant validation\n", state.RunID)
	default:
		colorYellow.Printf("⚠ run %s %s (%s)\n", state.RunID, state.Status, state.HaltReason)
	}
	fmt.Printf("  findings: %d (high+: %d, critical: %d)  budget: %d/%d  level: %d\n",
		len(state.Findings), state.HighCount(), state.CriticalCount(),
		state.Budget.Spent, state.Budget.Cap, state.EscalationLevel)
	if state.HumanReview {
		colorYellow.Println("  human review required")
	}
	colorCyan.Printf("  report: %s\n", reportPath)
}

// probeToolVersions asks each external tool for its version, best-effort.
// Missing binaries are simply absent from the map.
func probeToolVersions(ctx context.Context) map[string]string {
	exec := tools.NewRunner(0, logger)
	versions := make(map[string]string)
	for tool, binary := range map[string]string{
		"slither": cfg.Tools.Slither,
		"forge":   cfg.Tools.Forge,
		"git":     cfg.Tools.Git,
	} {
		out, err := exec.Run(ctx, tools.Invocation{
			Binary:  binary,
			Args:    []string{"--version"},
			Timeout: 10 * time.Second,
		})
		if err != nil || out.ExitCode != 0 {
			continue
		}
		if v := firstLine(out.Stdout); v != "" {
			versions[tool] = v
		}
	}
	return versions
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
