// Package agents holds the capability adapters the kernel dispatches:
// each one drives an external analyzer, service, or generator and
// normalizes whatever came back into findings before returning.
package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"warden/internal/capability"
	"warden/internal/finding"
	"warden/internal/runner"
	"warden/internal/tools"
)

// Static fans out the analyzer and the quick linters against the target.
// The linters need nothing installed, so they still deliver when the
// analyzer itself cannot run; the execution is then recorded as failed
// with the linter findings attached.
type Static struct {
	slither *tools.Slither
	logger  *zap.Logger
}

func NewStatic(slither *tools.Slither, logger *zap.Logger) *Static {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Static{slither: slither, logger: logger}
}

func (a *Static) Name() string { return capability.StaticScan }

func (a *Static) Run(ctx context.Context, req runner.Request) (runner.Result, error) {
	var (
		report  *tools.ScanReport
		scanErr error
		linted  []finding.Finding
		lintErr error
	)

	jsonPath := filepath.Join(req.ArtifactsDir, tools.AnalyzerJSONArtifact)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if req.Offline {
			if _, err := os.Stat(jsonPath); err == nil {
				report, scanErr = tools.ParseAnalyzerFile(jsonPath)
				return nil
			}
		}
		report, scanErr = a.slither.Scan(gctx, req.Target, req.ArtifactsDir)
		return nil
	})
	g.Go(func() error {
		linted, lintErr = tools.QuickLint(req.Target, req.ArtifactsDir)
		return nil
	})
	// Tool errors are carried in the captured variables, never through
	// the group, so one tool failing does not cancel the other.
	_ = g.Wait()

	if lintErr != nil {
		a.logger.Warn("quick lint failed", zap.Error(lintErr))
		linted = nil
	}

	res := runner.Result{Findings: linted}
	if lintErr == nil {
		res.ArtifactPaths = append(res.ArtifactPaths, filepath.Join(req.ArtifactsDir, tools.LintLogArtifact))
	}

	switch {
	case scanErr == nil:
		res.Findings = append(report.Findings, linted...)
		res.Signals = report.Signals
		res.ArtifactPaths = append([]string{report.JSONPath, report.LogPath}, res.ArtifactPaths...)
		res.Summary = fmt.Sprintf("%d analyzer findings, %d lint findings", len(report.Findings), len(linted))
	case errors.Is(scanErr, context.Canceled):
		return runner.Result{}, scanErr
	case errors.Is(scanErr, tools.ErrBinaryNotFound):
		res.Failure = &runner.Failure{Kind: runner.FailureToolError, Diagnostic: "slither not found"}
	case errors.Is(scanErr, tools.ErrToolTimeout):
		res.Failure = &runner.Failure{Kind: runner.FailureTimeout, Diagnostic: scanErr.Error()}
	default:
		res.Failure = &runner.Failure{Kind: runner.FailureToolError, Diagnostic: scanErr.Error()}
	}
	return res, nil
}
