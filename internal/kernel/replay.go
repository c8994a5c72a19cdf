package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"warden/internal/aggregate"
	"warden/internal/finding"
	"warden/internal/runner"
	"warden/internal/runstore"
)

// ReplaySummary describes what a replay observed. Finding drift entries
// are "<id> <tool>/<category>: <description>" lines so the summary reads
// without cross-referencing the state file.
type ReplaySummary struct {
	RunID           string   `json:"run_id"`
	Status          string   `json:"status"`
	HaltReason      string   `json:"halt_reason,omitempty"`
	InvariantErrors []string `json:"invariant_errors,omitempty"`

	RerunTools      bool     `json:"rerun_tools"`
	Reran           []string `json:"reran,omitempty"`
	NewFindings     []string `json:"new_findings,omitempty"`
	MissingFindings []string `json:"missing_findings,omitempty"`
	UnchangedCount  int      `json:"unchanged_count"`
	ReplayedAt      string   `json:"replayed_at"`
}

// Replay loads a persisted run and re-derives its ranked findings without
// touching state.json. With rerunTools, idempotent capabilities that ran
// are executed again, charge-free, into artifacts/replay/; drift between
// the stored and fresh finding sets lands in replay_summary.json there.
func (k *Kernel) Replay(ctx context.Context, ref string, rerunTools bool) (*runstore.RunState, []aggregate.RankedFinding, *ReplaySummary, error) {
	statePath, artifactsDir, err := k.store.Resolve(ref)
	if err != nil {
		return nil, nil, nil, err
	}
	state, err := runstore.LoadPath(statePath)
	if err != nil {
		return nil, nil, nil, err
	}

	ranked := aggregate.Aggregate(state.Findings, k.weights)
	summary := &ReplaySummary{
		RunID:           state.RunID,
		Status:          state.Status,
		HaltReason:      state.HaltReason,
		InvariantErrors: ValidateRun(state),
		RerunTools:      rerunTools,
		ReplayedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if len(summary.InvariantErrors) > 0 {
		summary.Status = runstore.StatusFailedInvariant
	}
	if !rerunTools {
		return state, ranked, summary, nil
	}

	replayDir := filepath.Join(artifactsDir, "replay")
	if err := os.MkdirAll(replayDir, 0o755); err != nil {
		return nil, nil, nil, &runstore.PersistError{Op: "mkdir", Path: replayDir, Err: err}
	}

	req := runner.Request{
		RunID:        state.RunID,
		Target:       state.Target,
		ArtifactsDir: replayDir,
		Findings:     append([]finding.Finding(nil), state.Findings...),
		Ranked:       ranked,
		Signals:      copySignals(state.Signals),
		GraphScore:   state.Graph.Score,
		Offline:      true,
	}

	var fresh []finding.Finding
	for _, e := range state.Executions {
		if e.Outcome != runstore.OutcomeSuccess {
			continue
		}
		c, ok := k.registry.Get(e.Capability)
		if !ok || !c.Idempotent {
			continue
		}
		agent, ok := k.agents[e.Capability]
		if !ok {
			continue
		}
		res := k.pool.Execute(ctx, agent, req)
		summary.Reran = append(summary.Reran, e.Capability)
		if res.Skipped || res.Failure != nil {
			k.logger.Warn("replay rerun did not produce results",
				zap.String("run_id", state.RunID),
				zap.String("capability", e.Capability))
			continue
		}
		fresh = aggregate.Merge(fresh, res.Findings)
	}

	summary.NewFindings, summary.MissingFindings, summary.UnchangedCount = diffIdentities(state.Findings, fresh)

	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode replay summary: %w", err)
	}
	summaryPath := filepath.Join(replayDir, "replay_summary.json")
	if err := os.WriteFile(summaryPath, raw, 0o644); err != nil {
		return nil, nil, nil, &runstore.PersistError{Op: "write", Path: summaryPath, Err: err}
	}
	k.logger.Info("replay complete",
		zap.String("run_id", state.RunID),
		zap.Strings("reran", summary.Reran),
		zap.Int("new", len(summary.NewFindings)),
		zap.Int("missing", len(summary.MissingFindings)))
	return state, ranked, summary, nil
}

// diffIdentities compares stored and freshly reproduced finding sets by
// identity. Only tools that actually reran can report missing findings,
// so stored findings from tools absent in the fresh set are counted as
// unchanged rather than missing.
func diffIdentities(stored, fresh []finding.Finding) (newIDs, missingIDs []string, unchanged int) {
	storedSet := make(map[string]finding.Finding, len(stored))
	for _, f := range stored {
		storedSet[f.Identity()] = f
	}
	freshSet := make(map[string]finding.Finding, len(fresh))
	reranTools := make(map[string]bool)
	for _, f := range fresh {
		freshSet[f.Identity()] = f
		reranTools[f.Tool] = true
	}

	for id, f := range freshSet {
		if _, ok := storedSet[id]; !ok {
			newIDs = append(newIDs, describe(f))
		}
	}
	for id, f := range storedSet {
		if _, ok := freshSet[id]; ok {
			unchanged++
			continue
		}
		if reranTools[f.Tool] {
			missingIDs = append(missingIDs, describe(f))
		} else {
			unchanged++
		}
	}
	sort.Strings(newIDs)
	sort.Strings(missingIDs)
	return newIDs, missingIDs, unchanged
}

func describe(f finding.Finding) string {
	return fmt.Sprintf("%s %s/%s: %s", f.ID(), f.Tool, f.Category, f.Description)
}
