package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"warden/internal/capability"
	"warden/internal/finding"
	"warden/internal/runner"
)

// RepairsDir is the artifacts subdirectory holding patch proposals.
const RepairsDir = "repairs"

// VerifierResult is a verifier's judgement of one patch proposal.
type VerifierResult struct {
	// Resolved reports the finding gone after the patch.
	Resolved bool `json:"resolved"`
	// ScoreAfter, when set, is the finding's re-score with the patch
	// applied; a drop below the original score also counts as success.
	ScoreAfter *int   `json:"score_after,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Verifier judges a patch proposal for a finding. Implementations may
// re-run tools, replay a reproduction, or apply any other check.
type Verifier func(f finding.Finding, patchPath string) VerifierResult

// Repair proposes a patch for the single top-ranked finding and asks the
// verifier whether the proposal holds up. It only acts on high-confidence
// findings with reproduction evidence; anything weaker is skipped so the
// budget is not burned on guesswork.
type Repair struct {
	verifier Verifier
	floor    int
	logger   *zap.Logger
}

func NewRepair(verifier Verifier, floor int, logger *zap.Logger) *Repair {
	if floor <= 0 {
		floor = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repair{verifier: verifier, floor: floor, logger: logger}
}

func (a *Repair) Name() string { return capability.RepairAgent }

func (a *Repair) Run(ctx context.Context, req runner.Request) (runner.Result, error) {
	top, ok := req.TopRanked()
	if !ok {
		return runner.Skip(capability.RepairAgent, capability.ReasonNoFindings, nil), nil
	}
	if top.Confidence != finding.ConfidenceHigh || top.Repro == "" {
		return runner.Skip(capability.RepairAgent, capability.ReasonInsufficientEvidence, map[string]any{
			"confidence": string(top.Confidence),
			"has_repro":  top.Repro != "",
		}), nil
	}
	if req.RemainingBudget < a.floor {
		return runner.Skip(capability.RepairAgent, capability.ReasonInsufficientBudget, map[string]any{
			"remaining": req.RemainingBudget,
			"floor":     a.floor,
		}), nil
	}
	if err := ctx.Err(); err != nil {
		return runner.Result{}, err
	}

	dir := filepath.Join(req.ArtifactsDir, RepairsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return runner.Result{}, fmt.Errorf("create repairs dir: %w", err)
	}
	patchPath := filepath.Join(dir, "patch_1.diff")
	patch := fmt.Sprintf("# Proposed patch for: %s\n# TODO: Replace with real diff when available.\n", top.Description)
	if err := os.WriteFile(patchPath, []byte(patch), 0o644); err != nil {
		return runner.Result{}, fmt.Errorf("write patch proposal: %w", err)
	}

	res := runner.Result{ArtifactPaths: []string{patchPath}}
	outcome := repairOutcome{Patch: patchPath, Finding: top.ID()}

	if a.verifier == nil {
		outcome.Status = "unverified"
		res.Failure = &runner.Failure{Kind: runner.FailureToolError, Diagnostic: "no repair verifier configured"}
	} else {
		vr := a.verifier(top.Finding, patchPath)
		outcome.Verifier = &vr
		if vr.Resolved || (vr.ScoreAfter != nil && *vr.ScoreAfter < top.Score) {
			outcome.Status = "verified"
			res.Summary = fmt.Sprintf("patch proposed for %s and verified", top.ID())
		} else {
			outcome.Status = "rejected"
			diag := vr.Reason
			if diag == "" {
				diag = "verifier rejected patch"
			}
			res.Failure = &runner.Failure{Kind: runner.FailureToolError, Diagnostic: diag}
		}
	}

	resultPath := filepath.Join(dir, "repair_result.json")
	if data, err := json.MarshalIndent(outcome, "", "  "); err == nil {
		if err := os.WriteFile(resultPath, data, 0o644); err != nil {
			a.logger.Warn("write repair result failed", zap.Error(err))
		} else {
			res.ArtifactPaths = append(res.ArtifactPaths, resultPath)
		}
	}

	a.logger.Info("repair pass finished",
		zap.String("finding", top.ID()),
		zap.String("status", outcome.Status))
	return res, nil
}

type repairOutcome struct {
	Status   string          `json:"status"`
	Patch    string          `json:"patch"`
	Finding  string          `json:"finding"`
	Verifier *VerifierResult `json:"verifier,omitempty"`
}
