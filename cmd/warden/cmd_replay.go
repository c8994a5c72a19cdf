package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"warden/internal/report"
	"warden/internal/runstore"
)

var replayRerunTools bool

// replayCmd re-derives a stored run without mutating it
var replayCmd = &cobra.Command{
	Use:   "replay RUNREF",
	Short: "Re-render a stored run deterministically",
	Long: `Loads a persisted run, re-ranks its findings, revalidates the run
invariants, and regenerates the markdown report byte-for-byte. The stored
state.json is never modified.

With --rerun-tools, idempotent capabilities that executed are run again,
charge-free, into artifacts/replay/, and drift between the stored and
fresh finding sets is reported.

A RUNREF is a run ID, a run directory, or a state.json path.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayRerunTools, "rerun-tools", false, "Re-execute idempotent capabilities and report drift")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ref := args[0]
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k, store, kill, err := buildKernel("", 0)
	if err != nil {
		return err
	}
	defer kill.Close()

	state, ranked, summary, err := k.Replay(ctx, ref, replayRerunTools)
	if err != nil {
		return err
	}

	_, artifactsDir, err := store.Resolve(ref)
	if err != nil {
		return err
	}
	reportPath, err := report.Write(state, ranked, artifactsDir)
	if err != nil {
		return err
	}

	colorCyan.Printf("replayed %s (status %s)\n", state.RunID, summary.Status)
	colorCyan.Printf("  report: %s\n", reportPath)
	if summary.RerunTools {
		reran := "none"
		if len(summary.Reran) > 0 {
			reran = strings.Join(summary.Reran, ", ")
		}
		fmt.Printf("  reran: %s\n", reran)
		fmt.Printf("  drift: %d new, %d missing, %d unchanged\n",
			len(summary.NewFindings), len(summary.MissingFindings), summary.UnchangedCount)
		for _, line := range summary.NewFindings {
			colorYellow.Printf("  + %s\n", line)
		}
		for _, line := range summary.MissingFindings {
			colorYellow.Printf("  - %s\n", line)
		}
	}
	fmt.Print(report.RenderTerm(report.Render(state, ranked)))

	if summary.Status == runstore.StatusFailedInvariant {
		return fmt.Errorf("run %s failed invariant validation: %s",
			state.RunID, strings.Join(summary.InvariantErrors, "; "))
	}
	return nil
}
