package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"warden/internal/kernel"
	"warden/internal/report"
	"warden/internal/trend"
)

var (
	trendTarget string
	trendLimit  int
)

// trendCmd charts finding counts across a target's cataloged runs
var trendCmd = &cobra.Command{
	Use:   "trend",
	Short: "Show how a target's findings evolved across runs",
	Long: `Reads the catalog rows for a target, oldest first, and prints finding
counts, severity tallies, and top score per run with the delta against the
previous run. Only runs that were cataloged appear; use 'warden score' to
index older runs.`,
	RunE: runTrend,
}

func init() {
	trendCmd.Flags().StringVar(&trendTarget, "target", "", "Target the runs audited")
	trendCmd.Flags().IntVar(&trendLimit, "limit", 20, "Maximum runs to include")
}

func runTrend(cmd *cobra.Command, args []string) error {
	if trendTarget == "" {
		return fmt.Errorf("%w: --target is required", kernel.ErrConfiguration)
	}
	catalog, err := openCatalog()
	if err != nil {
		return err
	}
	defer catalog.Close()

	rows, err := trend.History(catalog, trendTarget, trendLimit)
	if err != nil {
		return err
	}
	fmt.Print(report.RenderTerm(trend.Markdown(trendTarget, rows)))
	return nil
}
