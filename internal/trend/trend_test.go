package trend

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/finding"
	"warden/internal/runstore"
)

func stateWith(runID string, startedAt time.Time, total, high, critical int) *runstore.RunState {
	s := runstore.NewRunState(runID, "vaults-repo", 10)
	s.Status = runstore.StatusCompleted
	s.StartedAt = startedAt
	s.FinishedAt = startedAt.Add(time.Minute)
	for i := 0; i < total; i++ {
		sev := finding.SeverityMedium
		if i < critical {
			sev = finding.SeverityCritical
		} else if i < critical+high {
			sev = finding.SeverityHigh
		}
		s.Findings = append(s.Findings, finding.Finding{
			Tool:        "slither",
			Category:    "reentrancy",
			Severity:    sev,
			Confidence:  finding.ConfidenceMedium,
			Description: fmt.Sprintf("finding %d", i),
			Location:    finding.Location{File: "Vault.sol", Line: i + 1},
		})
	}
	return s
}

func TestHistoryComputesDeltas(t *testing.T) {
	cat, err := runstore.NewCatalog(filepath.Join(t.TempDir(), "catalog.db"), nil)
	require.NoError(t, err)
	defer cat.Close()

	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, cat.Upsert(stateWith("run_a", t0, 2, 0, 0), 4, "a/state.json"))
	require.NoError(t, cat.Upsert(stateWith("run_b", t0.Add(time.Hour), 5, 1, 0), 9, "b/state.json"))
	require.NoError(t, cat.Upsert(stateWith("run_c", t0.Add(2*time.Hour), 4, 1, 1), 12, "c/state.json"))

	rows, err := History(cat, "vaults-repo", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "run_a", rows[0].RunID)
	assert.False(t, rows[0].HasPrevious)

	assert.Equal(t, "run_b", rows[1].RunID)
	assert.True(t, rows[1].HasPrevious)
	assert.Equal(t, 3, rows[1].Delta)
	assert.Equal(t, 1, rows[1].HighCount)

	assert.Equal(t, "run_c", rows[2].RunID)
	assert.Equal(t, -1, rows[2].Delta)
	assert.Equal(t, 1, rows[2].CriticalCount)
	// The high column counts high and above, so the critical shows up too.
	assert.Equal(t, 2, rows[2].HighCount)
	assert.Equal(t, 12, rows[2].TopScore)

	md := Markdown("vaults-repo", rows)
	assert.Contains(t, md, "# Warden Trend: vaults-repo")
	assert.Contains(t, md, "| run_b | completed | 5 | 1 | 0 | 9 | +3 |")
	assert.Contains(t, md, "| run_c | completed | 4 | 2 | 1 | 12 | -1 |")
}

func TestHistoryUnknownTargetIsEmpty(t *testing.T) {
	cat, err := runstore.NewCatalog(filepath.Join(t.TempDir(), "catalog.db"), nil)
	require.NoError(t, err)
	defer cat.Close()

	rows, err := History(cat, "never-audited", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Contains(t, Markdown("never-audited", rows), "No cataloged runs")
}
