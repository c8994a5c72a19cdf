package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"warden/internal/capability"
	"warden/internal/finding"
	"warden/internal/runner"
)

// ReasonLookupUnavailable is recorded when the pattern corpus cannot be read.
const ReasonLookupUnavailable = "lookup_unavailable"

// HeuristicPrefix marks enrichment findings so they never feed back into
// another enrichment pass.
const HeuristicPrefix = "heuristic:"

type corpusPattern struct {
	Title     string `json:"title"`
	Reference string `json:"reference,omitempty"`
}

type patternCorpus struct {
	Patterns map[string][]corpusPattern `json:"patterns"`
}

// Lookup matches accumulated finding categories against a local corpus of
// published vulnerability patterns. A match is a research pointer, not a
// vulnerability, and is emitted at low severity and low confidence.
type Lookup struct {
	corpusPath string
	logger     *zap.Logger
}

func NewLookup(corpusPath string, logger *zap.Logger) *Lookup {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lookup{corpusPath: corpusPath, logger: logger}
}

func (a *Lookup) Name() string { return capability.SoloditLookup }

func (a *Lookup) Run(ctx context.Context, req runner.Request) (runner.Result, error) {
	if err := ctx.Err(); err != nil {
		return runner.Result{}, err
	}
	raw, err := os.ReadFile(a.corpusPath)
	if err != nil {
		return runner.Skip(capability.SoloditLookup, ReasonLookupUnavailable,
			map[string]any{"corpus": a.corpusPath, "error": err.Error()}), nil
	}
	var corpus patternCorpus
	if err := json.Unmarshal(raw, &corpus); err != nil {
		return runner.Skip(capability.SoloditLookup, ReasonLookupUnavailable,
			map[string]any{"corpus": a.corpusPath, "error": err.Error()}), nil
	}
	if len(req.Findings) == 0 {
		return runner.Skip(capability.SoloditLookup, capability.ReasonNoFindings, nil), nil
	}

	seen := map[string]bool{}
	for _, f := range req.Findings {
		if f.Category == "" || strings.HasPrefix(f.Category, HeuristicPrefix) {
			continue
		}
		seen[f.Category] = true
	}
	categories := make([]string, 0, len(seen))
	for cat := range seen {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	var matched []finding.Finding
	for _, cat := range categories {
		patterns := corpus.Patterns[cat]
		if len(patterns) == 0 {
			continue
		}
		titles := make([]string, 0, len(patterns))
		for _, p := range patterns {
			titles = append(titles, p.Title)
		}
		f := finding.Finding{
			Tool:       "solodit",
			Category:   HeuristicPrefix + cat,
			Severity:   finding.SeverityLow,
			Confidence: finding.ConfidenceLow,
			Description: fmt.Sprintf("%d published %s patterns resemble the accumulated findings"+
				" (unverified heuristic match, not a proven vulnerability).", len(patterns), cat),
		}
		if evidence, err := json.Marshal(map[string]any{"titles": titles}); err == nil {
			f.Evidence = evidence
		}
		matched = append(matched, f)
	}

	a.logger.Info("pattern lookup finished",
		zap.Int("categories", len(categories)),
		zap.Int("matches", len(matched)))
	return runner.Result{
		Findings: matched,
		Summary:  fmt.Sprintf("%d heuristic matches across %d categories", len(matched), len(categories)),
	}, nil
}
