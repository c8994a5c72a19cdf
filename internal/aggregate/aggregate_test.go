package aggregate

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/finding"
)

func mk(tool, desc string, sev finding.Severity, conf finding.Confidence) finding.Finding {
	return finding.Finding{
		Tool:        tool,
		Category:    "reentrancy",
		Severity:    sev,
		Confidence:  conf,
		Description: desc,
		Location:    finding.Location{File: "Vault.sol", Line: 42},
	}
}

func TestDefaultWeightsValid(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())
}

func TestValidateRejectsPartialTables(t *testing.T) {
	w := DefaultWeights()
	delete(w.Severity, finding.SeverityMedium)
	assert.Error(t, w.Validate())

	w = DefaultWeights()
	delete(w.Confidence, finding.ConfidenceLow)
	assert.Error(t, w.Validate())

	w = DefaultWeights()
	w.TieBreaks = nil
	assert.Error(t, w.Validate())

	w = DefaultWeights()
	w.TieBreaks = []string{"vibes"}
	assert.Error(t, w.Validate())
}

func TestScore(t *testing.T) {
	w := DefaultWeights()
	cases := []struct {
		sev  finding.Severity
		conf finding.Confidence
		want int
	}{
		{finding.SeverityCritical, finding.ConfidenceHigh, 10},
		{finding.SeverityCritical, finding.ConfidenceMedium, 8}, // 7.5 rounds up
		{finding.SeverityHigh, finding.ConfidenceHigh, 8},
		{finding.SeverityHigh, finding.ConfidenceLow, 4},
		{finding.SeverityMedium, finding.ConfidenceLow, 3}, // 2.5 rounds half away from zero
		{finding.SeverityLow, finding.ConfidenceMedium, 2},
		{finding.SeverityInfo, finding.ConfidenceLow, 1},
	}
	for _, tc := range cases {
		got := w.Score(mk("slither", "x", tc.sev, tc.conf))
		assert.Equal(t, tc.want, got, "%s/%s", tc.sev, tc.conf)
	}
}

func TestDedupHigherSeverityWins(t *testing.T) {
	findings := []finding.Finding{
		mk("slither", "reentrancy in withdraw", finding.SeverityMedium, finding.ConfidenceHigh),
		mk("other", "unrelated", finding.SeverityLow, finding.ConfidenceLow),
		mk("slither", "reentrancy in withdraw", finding.SeverityHigh, finding.ConfidenceLow),
	}
	out := Dedup(findings)
	require.Len(t, out, 2)
	// Survivor keeps the first occurrence's position but the stronger record.
	assert.Equal(t, finding.SeverityHigh, out[0].Severity)
	assert.Equal(t, "other", out[1].Tool)
}

func TestDedupConfidenceBreaksSeverityTie(t *testing.T) {
	findings := []finding.Finding{
		mk("slither", "reentrancy in withdraw", finding.SeverityHigh, finding.ConfidenceLow),
		mk("slither", "reentrancy in withdraw", finding.SeverityHigh, finding.ConfidenceHigh),
	}
	out := Dedup(findings)
	require.Len(t, out, 1)
	assert.Equal(t, finding.ConfidenceHigh, out[0].Confidence)
}

func TestDedupFirstSeenWinsOnFullTie(t *testing.T) {
	a := mk("slither", "reentrancy in withdraw", finding.SeverityHigh, finding.ConfidenceHigh)
	a.Evidence = []byte(`{"order":"first"}`)
	b := a
	b.Evidence = []byte(`{"order":"second"}`)

	out := Dedup([]finding.Finding{a, b})
	require.Len(t, out, 1)
	assert.Equal(t, string(a.Evidence), string(out[0].Evidence))
}

func TestMergePreservesKnownPositions(t *testing.T) {
	base := []finding.Finding{
		mk("slither", "first", finding.SeverityMedium, finding.ConfidenceMedium),
		mk("slither", "second", finding.SeverityLow, finding.ConfidenceLow),
	}
	incoming := []finding.Finding{
		mk("slither", "second", finding.SeverityHigh, finding.ConfidenceHigh),
		mk("fuzzer", "third", finding.SeverityHigh, finding.ConfidenceHigh),
	}
	out := Merge(base, incoming)
	require.Len(t, out, 3)
	assert.Equal(t, "first", out[0].Description)
	assert.Equal(t, "second", out[1].Description)
	assert.Equal(t, finding.SeverityHigh, out[1].Severity)
	assert.Equal(t, "third", out[2].Description)
}

func TestRankOrdersByScoreThenChain(t *testing.T) {
	findings := []finding.Finding{
		mk("zeta", "same score, later tool", finding.SeverityMedium, finding.ConfidenceHigh),    // 5
		mk("alpha", "same score, earlier tool", finding.SeverityMedium, finding.ConfidenceHigh), // 5
		mk("slither", "critical low confidence", finding.SeverityCritical, finding.ConfidenceLow), // 5, higher severity
		mk("slither", "top", finding.SeverityCritical, finding.ConfidenceHigh),                  // 10
	}
	ranked := Rank(findings, DefaultWeights())
	require.Len(t, ranked, 4)

	assert.Equal(t, "top", ranked[0].Description)
	assert.Equal(t, 10, ranked[0].Score)
	assert.Equal(t, 1, ranked[0].Rank)

	// Among the score-5 group: severity first, then tool lexical.
	assert.Equal(t, "critical low confidence", ranked[1].Description)
	assert.Equal(t, "same score, earlier tool", ranked[2].Description)
	assert.Equal(t, "same score, later tool", ranked[3].Description)
	assert.Equal(t, 4, ranked[3].Rank)
}

func TestRankInsertionOrderOnFullTie(t *testing.T) {
	a := mk("slither", "same identity fields differ elsewhere", finding.SeverityHigh, finding.ConfidenceHigh)
	b := a
	b.Location.Line = 99 // distinct identity, identical score/severity/tool

	ranked := Rank([]finding.Finding{a, b}, DefaultWeights())
	require.Len(t, ranked, 2)
	assert.Equal(t, 42, ranked[0].Location.Line)
	assert.Equal(t, 99, ranked[1].Location.Line)
}

func TestAggregateIsReproducible(t *testing.T) {
	findings := []finding.Finding{
		mk("slither", "a", finding.SeverityHigh, finding.ConfidenceMedium),
		mk("fuzzer", "b", finding.SeverityHigh, finding.ConfidenceMedium),
		mk("slither", "a", finding.SeverityCritical, finding.ConfidenceLow),
		mk("linter", "c", finding.SeverityInfo, finding.ConfidenceLow),
	}
	first := Aggregate(findings, DefaultWeights())
	second := Aggregate(findings, DefaultWeights())
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("aggregate not reproducible (-first +second):\n%s", diff)
	}
}

func TestTotalScore(t *testing.T) {
	ranked := Rank([]finding.Finding{
		mk("slither", "a", finding.SeverityCritical, finding.ConfidenceHigh), // 10
		mk("slither", "b", finding.SeverityLow, finding.ConfidenceMedium),    // 2
	}, DefaultWeights())
	assert.Equal(t, 12, TotalScore(ranked))
}
