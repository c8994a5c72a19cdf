// Package aggregate dedups, scores, and ranks findings. Scoring is pure
// arithmetic over configurable weight tables; ranking is exactly
// reproducible for a given input order, which is what makes replay and
// trend comparison byte-stable.
package aggregate

import (
	"fmt"
	"math"
	"sort"

	"warden/internal/finding"
)

// Tie-break chain entries.
const (
	TieSeverity  = "severity"
	TieTool      = "tool"
	TieInsertion = "insertion"
)

// Weights holds the scoring tables and the tie-break chain applied to
// equal scores. All five severities and all three confidences must be
// present; partial tables are configuration errors.
type Weights struct {
	Severity   map[finding.Severity]int       `yaml:"severity" json:"severity"`
	Confidence map[finding.Confidence]float64 `yaml:"confidence" json:"confidence"`
	TieBreaks  []string                       `yaml:"tie_breaks" json:"tie_breaks"`
}

// DefaultWeights returns the stock scoring tables.
func DefaultWeights() Weights {
	return Weights{
		Severity: map[finding.Severity]int{
			finding.SeverityInfo:     1,
			finding.SeverityLow:      3,
			finding.SeverityMedium:   5,
			finding.SeverityHigh:     8,
			finding.SeverityCritical: 10,
		},
		Confidence: map[finding.Confidence]float64{
			finding.ConfidenceLow:    0.5,
			finding.ConfidenceMedium: 0.75,
			finding.ConfidenceHigh:   1.0,
		},
		TieBreaks: []string{TieSeverity, TieTool, TieInsertion},
	}
}

// Validate checks both tables cover the closed enums and the tie-break
// chain names only known strategies.
func (w Weights) Validate() error {
	for _, s := range []finding.Severity{
		finding.SeverityInfo, finding.SeverityLow, finding.SeverityMedium,
		finding.SeverityHigh, finding.SeverityCritical,
	} {
		if _, ok := w.Severity[s]; !ok {
			return fmt.Errorf("severity weight table missing %q", s)
		}
	}
	for _, c := range []finding.Confidence{
		finding.ConfidenceLow, finding.ConfidenceMedium, finding.ConfidenceHigh,
	} {
		if _, ok := w.Confidence[c]; !ok {
			return fmt.Errorf("confidence weight table missing %q", c)
		}
	}
	if len(w.TieBreaks) == 0 {
		return fmt.Errorf("tie-break chain is empty")
	}
	for _, tb := range w.TieBreaks {
		switch tb {
		case TieSeverity, TieTool, TieInsertion:
		default:
			return fmt.Errorf("unknown tie-break %q", tb)
		}
	}
	return nil
}

// Score computes round(severityWeight * confidenceWeight), rounding half
// away from zero. Unweighted values score zero.
func (w Weights) Score(f finding.Finding) int {
	return int(math.Round(float64(w.Severity[f.Severity]) * w.Confidence[f.Confidence]))
}

// RankedFinding is a finding with its computed score and 1-based rank.
type RankedFinding struct {
	finding.Finding
	Score int `json:"score"`
	Rank  int `json:"rank"`
}

// Dedup collapses findings that share an identity. The survivor keeps the
// first occurrence's position; among duplicates the higher severity wins,
// then the higher confidence, then the earlier record.
func Dedup(findings []finding.Finding) []finding.Finding {
	out := make([]finding.Finding, 0, len(findings))
	index := make(map[string]int, len(findings))
	for _, f := range findings {
		key := f.Identity()
		at, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, f)
			continue
		}
		held := out[at]
		if f.Severity.Rank() > held.Severity.Rank() ||
			(f.Severity.Rank() == held.Severity.Rank() && f.Confidence.Rank() > held.Confidence.Rank()) {
			out[at] = f
		}
	}
	return out
}

// Merge appends incoming findings onto the accumulated set and dedups the
// result. Positions of already-known identities are preserved.
func Merge(base, incoming []finding.Finding) []finding.Finding {
	combined := make([]finding.Finding, 0, len(base)+len(incoming))
	combined = append(combined, base...)
	combined = append(combined, incoming...)
	return Dedup(combined)
}

// Rank scores every finding and orders them by descending score, breaking
// ties with the configured chain. Input order is the insertion order; equal
// records under the whole chain keep it, so repeated calls over the same
// slice produce identical output.
func Rank(findings []finding.Finding, w Weights) []RankedFinding {
	ranked := make([]RankedFinding, len(findings))
	order := make([]int, len(findings))
	for i, f := range findings {
		ranked[i] = RankedFinding{Finding: f, Score: w.Score(f)}
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		a, b := ranked[order[x]], ranked[order[y]]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		for _, tb := range w.TieBreaks {
			switch tb {
			case TieSeverity:
				if ar, br := a.Severity.Rank(), b.Severity.Rank(); ar != br {
					return ar > br
				}
			case TieTool:
				if a.Tool != b.Tool {
					return a.Tool < b.Tool
				}
			case TieInsertion:
				return order[x] < order[y]
			}
		}
		return order[x] < order[y]
	})
	out := make([]RankedFinding, len(findings))
	for pos, idx := range order {
		out[pos] = ranked[idx]
		out[pos].Rank = pos + 1
	}
	return out
}

// Aggregate is the full pipeline: dedup then rank.
func Aggregate(findings []finding.Finding, w Weights) []RankedFinding {
	return Rank(Dedup(findings), w)
}

// TotalScore sums the scores of a ranked set. Repair verification compares
// totals before and after a patch.
func TotalScore(ranked []RankedFinding) int {
	total := 0
	for _, r := range ranked {
		total += r.Score
	}
	return total
}
