// Package trend compares audit runs over time: per-target history out of
// the catalog, and finding-level regressions between two revisions.
package trend

import (
	"fmt"
	"strings"
	"time"

	"warden/internal/runstore"
)

// Row is one run in a target's history with its change against the run
// before it.
type Row struct {
	RunID         string
	Status        string
	FindingCount  int
	HighCount     int
	CriticalCount int
	TopScore      int
	StartedAt     time.Time

	// Delta is the finding-count change versus the previous run; only
	// meaningful when HasPrevious is set.
	Delta       int
	HasPrevious bool
}

// History returns a target's cataloged runs oldest first, each row
// carrying the finding-count delta against its predecessor.
func History(catalog *runstore.Catalog, target string, limit int) ([]Row, error) {
	entries, err := catalog.ForTarget(target, limit)
	if err != nil {
		return nil, err
	}
	// The catalog hands back most recent first.
	rows := make([]Row, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		row := Row{
			RunID:         e.RunID,
			Status:        e.Status,
			FindingCount:  e.FindingCount,
			HighCount:     e.HighCount,
			CriticalCount: e.CriticalCount,
			TopScore:      e.TopScore,
			StartedAt:     e.StartedAt,
		}
		if len(rows) > 0 {
			prev := rows[len(rows)-1]
			row.Delta = e.FindingCount - prev.FindingCount
			row.HasPrevious = true
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Markdown renders the history as the table the terminal shows.
func Markdown(target string, rows []Row) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Warden Trend: %s\n\n", target)
	if len(rows) == 0 {
		b.WriteString("No cataloged runs for this target.\n")
		return b.String()
	}
	b.WriteString("| run | status | findings | high | critical | top score | Δ |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, r := range rows {
		delta := ""
		if r.HasPrevious {
			delta = fmt.Sprintf("%+d", r.Delta)
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %d | %d | %s |\n",
			r.RunID, r.Status, r.FindingCount, r.HighCount, r.CriticalCount, r.TopScore, delta)
	}
	return b.String()
}
