package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"warden/internal/aggregate"
	"warden/internal/kernel"
	"warden/internal/report"
	"warden/internal/runstore"
	"warden/internal/trend"
)

var diffTarget string

// diffCmd audits two revisions and compares their finding sets
var diffCmd = &cobra.Command{
	Use:   "diff BASE HEAD",
	Short: "Audit two revisions and report regressions",
	Long: `Checks out two revisions of the target repository in temporary git
worktrees, audits each with the configured budget, and diffs the finding
sets by identity. New high or critical findings in HEAD count as
regressions and fail the command with exit code 1, which makes diff
usable as a CI gate:

  warden diff main HEAD --target .

The worktree audits run against a throwaway store and are not cataloged.`,
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

func init() {
	diffCmd.Flags().StringVar(&diffTarget, "target", "", "Git repository holding both revisions")
}

func runDiff(cmd *cobra.Command, args []string) error {
	if diffTarget == "" {
		return fmt.Errorf("%w: --target is required", kernel.ErrConfiguration)
	}
	base, head := args[0], args[1]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	// The two revision audits are ephemeral: their run state lives under
	// a temp root and is discarded with it.
	runsRoot, err := os.MkdirTemp("", "warden-diff-runs-")
	if err != nil {
		return fmt.Errorf("create diff runs root: %w", err)
	}
	defer os.RemoveAll(runsRoot)

	k, _, kill, err := buildKernel(runsRoot, 0)
	if err != nil {
		return err
	}
	defer kill.Close()
	auditor := func(ctx context.Context, dir string) (*runstore.RunState, []aggregate.RankedFinding, error) {
		state, err := k.Run(ctx, kernel.Options{
			Target:  dir,
			Cap:     cfg.Budget.Cap,
			Offline: cfg.Offline,
		})
		if err != nil {
			return nil, nil, err
		}
		return state, aggregate.Rank(state.Findings, cfg.Scoring), nil
	}

	d := trend.NewDiffer(cfg.Tools.Git, auditor, logger)
	result, err := d.CompareRevisions(ctx, diffTarget, base, head)
	if err != nil {
		return err
	}

	fmt.Print(report.RenderTerm(trend.MarkdownDiff(result)))
	if result.HasRegressions() {
		return fmt.Errorf("%d regression(s) introduced between %s and %s", len(result.Regressions), base, head)
	}
	colorGreen.Printf("✓ no regressions between %s and %s\n", base, head)
	return nil
}
