package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"warden/internal/capability"
	"warden/internal/runner"
)

// ProofsDir is the artifacts subdirectory holding invariant stubs.
const ProofsDir = "proofs"

// proofStubs caps how many ranked findings get an invariant stub per run.
const proofStubs = 3

// ProofEntry records one written invariant stub.
type ProofEntry struct {
	Path        string `json:"path"`
	Tool        string `json:"tool"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// Proof turns the top ranked findings into Foundry invariant test stubs a
// human can flesh out into executable property checks.
type Proof struct {
	logger *zap.Logger
}

func NewProof(logger *zap.Logger) *Proof {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proof{logger: logger}
}

func (a *Proof) Name() string { return capability.ProofAgent }

func (a *Proof) Run(ctx context.Context, req runner.Request) (runner.Result, error) {
	if len(req.Ranked) == 0 {
		return runner.Skip(capability.ProofAgent, capability.ReasonNoFindings, nil), nil
	}
	if err := ctx.Err(); err != nil {
		return runner.Result{}, err
	}

	dir := filepath.Join(req.ArtifactsDir, ProofsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return runner.Result{}, fmt.Errorf("create proofs dir: %w", err)
	}

	top := req.Ranked
	if len(top) > proofStubs {
		top = top[:proofStubs]
	}
	var (
		entries []ProofEntry
		paths   []string
	)
	for i, rf := range top {
		name := fmt.Sprintf("invariant_%d_%s", i+1, slugify(rf.Category))
		path := filepath.Join(dir, name+".sol")
		if err := os.WriteFile(path, []byte(invariantStub(name, rf.Description)), 0o644); err != nil {
			return runner.Result{}, fmt.Errorf("write invariant stub: %w", err)
		}
		entries = append(entries, ProofEntry{
			Path:        path,
			Tool:        rf.Tool,
			Category:    rf.Category,
			Description: rf.Description,
		})
		paths = append(paths, path)
	}

	index := filepath.Join(dir, "proofs.json")
	if data, err := json.MarshalIndent(entries, "", "  "); err == nil {
		if err := os.WriteFile(index, data, 0o644); err != nil {
			a.logger.Warn("write proofs index failed", zap.Error(err))
		} else {
			paths = append(paths, index)
		}
	}

	a.logger.Info("invariant stubs written", zap.Int("count", len(entries)))
	return runner.Result{
		ArtifactPaths: paths,
		Summary:       fmt.Sprintf("%d invariant stubs", len(entries)),
	}, nil
}

func invariantStub(name, description string) string {
	desc := strings.ReplaceAll(description, "\n", " ")
	var b strings.Builder
	b.WriteString("// SPDX-License-Identifier: UNLICENSED\n")
	b.WriteString("pragma solidity ^0.8.13;\n\n")
	b.WriteString("// Invariant derived from finding: " + desc + "\n")
	b.WriteString("contract ProofInvariant {\n")
	b.WriteString("    function " + name + "() external view {\n")
	b.WriteString("        // TODO: encode property check.\n")
	b.WriteString("    }\n")
	b.WriteString("}\n")
	return b.String()
}

// slugify keeps filenames and Solidity identifiers safe for categories
// like "heuristic:reentrancy".
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
