package agents

import (
	"context"
	"encoding/json"
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

func repairTop(confidence finding.Confidence, repro string) []aggregate.RankedFinding {
	return []aggregate.RankedFinding{{
		Finding: finding.Finding{
			Tool:        "forge",
			Category:    "fuzz_failure",
			Severity:    finding.SeverityHigh,
			Confidence:  confidence,
			Description: "testWithdrawDrains fails under fuzzing",
			Repro:       repro,
		},
		Score: 9,
		Rank:  1,
	}}
}

func TestRepairGates(t *testing.T) {
	cases := []struct {
		name       string
		req        runner.Request
		wantReason string
	}{
		{
			name:       "no findings",
			req:        runner.Request{RemainingBudget: 5},
			wantReason: capability.ReasonNoFindings,
		},
		{
			name:       "confidence too low",
			req:        runner.Request{Ranked: repairTop(finding.ConfidenceMedium, "0x2a"), RemainingBudget: 5},
			wantReason: capability.ReasonInsufficientEvidence,
		},
		{
			name:       "no reproduction",
			req:        runner.Request{Ranked: repairTop(finding.ConfidenceHigh, ""), RemainingBudget: 5},
			wantReason: capability.ReasonInsufficientEvidence,
		},
		{
			name:       "budget below floor",
			req:        runner.Request{Ranked: repairTop(finding.ConfidenceHigh, "0x2a"), RemainingBudget: 1},
			wantReason: capability.ReasonInsufficientBudget,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.ArtifactsDir = t.TempDir()
			agent := NewRepair(func(finding.Finding, string) VerifierResult { return VerifierResult{} }, 2, nil)
			res, err := agent.Run(context.Background(), tc.req)
			require.NoError(t, err)
			assert.True(t, res.Skipped)
			assert.Equal(t, tc.wantReason, res.SkipReason)
		})
	}
}

func TestRepairVerifiedPatch(t *testing.T) {
	artifacts := t.TempDir()
	var gotPatch string
	verifier := func(f finding.Finding, patchPath string) VerifierResult {
		gotPatch = patchPath
		return VerifierResult{Resolved: true, Reason: "reproduction no longer fails"}
	}
	agent := NewRepair(verifier, 2, nil)

	res, err := agent.Run(context.Background(), runner.Request{
		ArtifactsDir:    artifacts,
		Ranked:          repairTop(finding.ConfidenceHigh, "0x2a"),
		RemainingBudget: 5,
	})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Nil(t, res.Failure)
	assert.Contains(t, res.Summary, "verified")

	patchPath := filepath.Join(artifacts, RepairsDir, "patch_1.diff")
	assert.Equal(t, patchPath, gotPatch)
	patch, err := os.ReadFile(patchPath)
	require.NoError(t, err)
	assert.Contains(t, string(patch), "# Proposed patch for: testWithdrawDrains fails under fuzzing")

	raw, err := os.ReadFile(filepath.Join(artifacts, RepairsDir, "repair_result.json"))
	require.NoError(t, err)
	var outcome struct {
		Status   string          `json:"status"`
		Verifier *VerifierResult `json:"verifier"`
	}
	require.NoError(t, json.Unmarshal(raw, &outcome))
	assert.Equal(t, "verified", outcome.Status)
	require.NotNil(t, outcome.Verifier)
	assert.True(t, outcome.Verifier.Resolved)
}

func TestRepairScoreDropCountsAsVerified(t *testing.T) {
	after := 3
	agent := NewRepair(func(finding.Finding, string) VerifierResult {
		return VerifierResult{ScoreAfter: &after}
	}, 2, nil)

	res, err := agent.Run(context.Background(), runner.Request{
		ArtifactsDir:    t.TempDir(),
		Ranked:          repairTop(finding.ConfidenceHigh, "0x2a"),
		RemainingBudget: 5,
	})
	require.NoError(t, err)
	assert.Nil(t, res.Failure)
	assert.Contains(t, res.Summary, "verified")
}

func TestRepairRejectedPatch(t *testing.T) {
	agent := NewRepair(func(finding.Finding, string) VerifierResult {
		return VerifierResult{Reason: "still failing"}
	}, 2, nil)

	res, err := agent.Run(context.Background(), runner.Request{
		ArtifactsDir:    t.TempDir(),
		Ranked:          repairTop(finding.ConfidenceHigh, "0x2a"),
		RemainingBudget: 5,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, runner.FailureToolError, res.Failure.Kind)
	assert.Equal(t, "still failing", res.Failure.Diagnostic)
}

func TestRepairWithoutVerifierFails(t *testing.T) {
	artifacts := t.TempDir()
	agent := NewRepair(nil, 0, nil)

	res, err := agent.Run(context.Background(), runner.Request{
		ArtifactsDir:    artifacts,
		Ranked:          repairTop(finding.ConfidenceHigh, "0x2a"),
		RemainingBudget: 5,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, "no repair verifier configured", res.Failure.Diagnostic)
	// The proposal is still on disk for a human to pick up.
	assert.FileExists(t, filepath.Join(artifacts, RepairsDir, "patch_1.diff"))
}
