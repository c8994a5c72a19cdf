package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warden/internal/aggregate"
	"warden/internal/kernel"
	"warden/internal/report"
	"warden/internal/runstore"
)

var (
	scoreList  bool
	scoreLimit int
)

// scoreCmd ranks the findings of a stored run
var scoreCmd = &cobra.Command{
	Use:   "score [RUNREF]",
	Short: "Show the ranked scoreboard of a stored run",
	Long: `Loads a persisted run and prints its findings ranked by severity and
confidence. Scoring a run also refreshes its row in the catalog, so a run
recorded before the catalog existed becomes visible to trend.

With --list, prints the catalog of all recorded runs instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScore,
}

func init() {
	scoreCmd.Flags().BoolVar(&scoreList, "list", false, "List all cataloged runs")
	scoreCmd.Flags().IntVar(&scoreLimit, "limit", 20, "Maximum rows for --list")
}

func runScore(cmd *cobra.Command, args []string) error {
	if scoreList {
		catalog, err := openCatalog()
		if err != nil {
			return err
		}
		defer catalog.Close()
		entries, err := catalog.List(scoreLimit)
		if err != nil {
			return err
		}
		fmt.Print(report.RenderTerm(report.ScoreList(entries)))
		return nil
	}

	if len(args) != 1 {
		return fmt.Errorf("%w: a run reference or --list is required", kernel.ErrConfiguration)
	}

	store := runstore.NewStore(cfg.Runs.Root, logger)
	statePath, _, err := store.Resolve(args[0])
	if err != nil {
		return err
	}
	state, err := runstore.LoadPath(statePath)
	if err != nil {
		return err
	}
	ranked := aggregate.Rank(state.Findings, cfg.Scoring)
	fmt.Print(report.RenderTerm(report.Scoreboard(state, ranked)))

	topScore := 0
	if len(ranked) > 0 {
		topScore = ranked[0].Score
	}
	catalog, err := openCatalog()
	if err != nil {
		logger.Warn("catalog unavailable", zap.Error(err))
		return nil
	}
	defer catalog.Close()
	if err := catalog.Upsert(state, topScore, statePath); err != nil {
		logger.Warn("catalog upsert failed", zap.String("run_id", state.RunID), zap.Error(err))
	}
	return nil
}
