package agents

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"warden/internal/capability"
	"warden/internal/runner"
	"warden/internal/tools"
)

// ReasonFuzzerUnavailable is recorded when the fuzzer binary is not installed.
const ReasonFuzzerUnavailable = "fuzzer_unavailable"

// Fuzz shells out to forge with fuzzing enabled. Property violations come
// back as high-severity findings carrying the failing seed as reproduction
// evidence.
type Fuzz struct {
	foundry  *tools.Foundry
	fuzzRuns int
	logger   *zap.Logger
}

func NewFuzz(foundry *tools.Foundry, fuzzRuns int, logger *zap.Logger) *Fuzz {
	if fuzzRuns <= 0 {
		fuzzRuns = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fuzz{foundry: foundry, fuzzRuns: fuzzRuns, logger: logger}
}

func (a *Fuzz) Name() string { return capability.FuzzAgent }

func (a *Fuzz) Run(ctx context.Context, req runner.Request) (runner.Result, error) {
	report, err := a.foundry.Fuzz(ctx, req.Target, req.ArtifactsDir, a.fuzzRuns)
	switch {
	case errors.Is(err, tools.ErrBinaryNotFound):
		return runner.Skip(capability.FuzzAgent, ReasonFuzzerUnavailable,
			map[string]any{"error": err.Error()}), nil
	case err != nil:
		return runner.Result{}, err
	}

	res := runner.Result{ArtifactPaths: []string{report.LogPath}}
	if report.TimedOut {
		res.Failure = &runner.Failure{Kind: runner.FailureTimeout, Diagnostic: "forge test timed out"}
		return res, nil
	}
	res.Findings = report.Findings
	res.Summary = fmt.Sprintf("%d fuzz failures (exit %d, %d runs)",
		len(report.Findings), report.ExitCode, a.fuzzRuns)
	return res, nil
}
