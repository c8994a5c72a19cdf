package agents

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/capability"
	"warden/internal/finding"
	"warden/internal/runner"
)

const corpusJSON = `{
  "patterns": {
    "reentrancy": [
      {"title": "Cross-function reentrancy in vault withdraw", "reference": "solodit/2023-04"},
      {"title": "Read-only reentrancy via view oracle"}
    ],
    "dangerous_call": [{"title": "Unprotected delegatecall to user input"}]
  }
}`

func writeCorpus(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.json")
	require.NoError(t, os.WriteFile(path, []byte(corpusJSON), 0o644))
	return path
}

func accumulated(categories ...string) []finding.Finding {
	out := make([]finding.Finding, 0, len(categories))
	for _, cat := range categories {
		out = append(out, finding.Finding{
			Tool:        "slither",
			Category:    cat,
			Severity:    finding.SeverityHigh,
			Confidence:  finding.ConfidenceMedium,
			Description: "accumulated finding",
		})
	}
	return out
}

func TestLookupMatchesAccumulatedCategories(t *testing.T) {
	agent := NewLookup(writeCorpus(t), nil)
	res, err := agent.Run(context.Background(), runner.Request{
		// fuzz_failure has no corpus entry; the heuristic finding must not
		// be re-enriched.
		Findings: accumulated("reentrancy", "fuzz_failure", "heuristic:reentrancy"),
	})
	require.NoError(t, err)
	require.False(t, res.Skipped)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, "solodit", f.Tool)
	assert.Equal(t, "heuristic:reentrancy", f.Category)
	assert.Equal(t, finding.SeverityLow, f.Severity)
	assert.Equal(t, finding.ConfidenceLow, f.Confidence)
	assert.Contains(t, f.Description, "unverified heuristic match")
	assert.Contains(t, f.Description, "not a proven vulnerability")

	var evidence struct {
		Titles []string `json:"titles"`
	}
	require.NoError(t, json.Unmarshal(f.Evidence, &evidence))
	assert.Equal(t, []string{
		"Cross-function reentrancy in vault withdraw",
		"Read-only reentrancy via view oracle",
	}, evidence.Titles)
}

func TestLookupSkipsWithoutCorpus(t *testing.T) {
	agent := NewLookup(filepath.Join(t.TempDir(), "missing.json"), nil)
	res, err := agent.Run(context.Background(), runner.Request{Findings: accumulated("reentrancy")})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonLookupUnavailable, res.SkipReason)
}

func TestLookupSkipsWithoutFindings(t *testing.T) {
	agent := NewLookup(writeCorpus(t), nil)
	res, err := agent.Run(context.Background(), runner.Request{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, capability.ReasonNoFindings, res.SkipReason)
}
