package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/aggregate"
	"warden/internal/capability"
	"warden/internal/finding"
	"warden/internal/runner"
)

func rankedFixture(categories ...string) []aggregate.RankedFinding {
	out := make([]aggregate.RankedFinding, 0, len(categories))
	for i, cat := range categories {
		out = append(out, aggregate.RankedFinding{
			Finding: finding.Finding{
				Tool:        "slither",
				Category:    cat,
				Severity:    finding.SeverityHigh,
				Confidence:  finding.ConfidenceHigh,
				Description: fmt.Sprintf("finding %d in %s", i+1, cat),
			},
			Score: 100 - i,
			Rank:  i + 1,
		})
	}
	return out
}

func TestProofWritesStubsForTopFindings(t *testing.T) {
	artifacts := t.TempDir()
	ranked := rankedFixture("reentrancy", "fuzz_failure", "heuristic:reentrancy", "todo_marker")

	res, err := NewProof(nil).Run(context.Background(), runner.Request{ArtifactsDir: artifacts, Ranked: ranked})
	require.NoError(t, err)
	require.False(t, res.Skipped)

	dir := filepath.Join(artifacts, ProofsDir)
	first, err := os.ReadFile(filepath.Join(dir, "invariant_1_reentrancy.sol"))
	require.NoError(t, err)
	assert.Contains(t, string(first), "contract ProofInvariant")
	assert.Contains(t, string(first), "function invariant_1_reentrancy() external view")
	assert.Contains(t, string(first), "finding 1 in reentrancy")

	assert.FileExists(t, filepath.Join(dir, "invariant_2_fuzz_failure.sol"))
	// The colon in the heuristic category must not leak into the filename.
	assert.FileExists(t, filepath.Join(dir, "invariant_3_heuristic_reentrancy.sol"))
	assert.NoFileExists(t, filepath.Join(dir, "invariant_4_todo_marker.sol"))

	raw, err := os.ReadFile(filepath.Join(dir, "proofs.json"))
	require.NoError(t, err)
	var entries []ProofEntry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "reentrancy", entries[0].Category)
	assert.Equal(t, "slither", entries[0].Tool)

	assert.Len(t, res.ArtifactPaths, 4)
	assert.Equal(t, "3 invariant stubs", res.Summary)
}

func TestProofSkipsWithoutFindings(t *testing.T) {
	res, err := NewProof(nil).Run(context.Background(), runner.Request{ArtifactsDir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, capability.ReasonNoFindings, res.SkipReason)
}
