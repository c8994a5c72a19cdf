package runstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/finding"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	state := NewRunState("run_a", "contracts/", 10)
	state.Budget.Spent = 3
	state.EscalationLevel = 2
	state.Findings = []finding.Finding{{
		Tool:        "slither",
		Category:    "reentrancy",
		Severity:    finding.SeverityHigh,
		Confidence:  finding.ConfidenceMedium,
		Description: "reentrancy in withdraw",
		Location:    finding.Location{File: "Vault.sol", Line: 42},
	}}
	state.RecordExecution(Execution{Capability: "static_scan", Outcome: OutcomeSuccess, Cost: 1, Findings: 1})
	state.RecordSkip(SkipRecord{Capability: "fuzz_agent", Reason: "threshold_not_met"})

	require.NoError(t, store.Save(state))

	loaded, err := store.Load("run_a")
	require.NoError(t, err)
	if diff := cmp.Diff(state, loaded); diff != "" {
		t.Fatalf("round trip mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestSaveIsIdempotentOverwrite(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	state := NewRunState("run_a", "contracts/", 10)

	require.NoError(t, store.Save(state))
	state.Budget.Spent = 5
	require.NoError(t, store.Save(state))

	loaded, err := store.Load("run_a")
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Budget.Spent)

	// No temp files left behind.
	entries, err := os.ReadDir(store.RunDir("run_a"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	payload := `{
		"run_id": "run_future",
		"target": "contracts/",
		"status": "completed",
		"budget": {"cap": 10, "spent": 4, "future_field": true},
		"escalation_level": 1,
		"some_field_from_v9": {"nested": [1, 2, 3]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	state, err := LoadPath(path)
	require.NoError(t, err)
	assert.Equal(t, "run_future", state.RunID)
	assert.Equal(t, 4, state.Budget.Spent)
	assert.NotNil(t, state.Signals)
}

func TestLoadRejectsMalformedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run_id": "trunc`), 0o644))

	_, err := LoadPath(path)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestLoadMissingIsNotFound(t *testing.T) {
	_, err := LoadPath(filepath.Join(t.TempDir(), "state.json"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)

	state := NewRunState("run_a", "contracts/", 10)
	require.NoError(t, store.Save(state))

	t.Run("run directory", func(t *testing.T) {
		statePath, artifacts, err := store.Resolve(store.RunDir("run_a"))
		require.NoError(t, err)
		assert.Equal(t, store.StatePath("run_a"), statePath)
		assert.Equal(t, filepath.Join(store.RunDir("run_a"), "artifacts"), artifacts)
	})

	t.Run("state file", func(t *testing.T) {
		statePath, artifacts, err := store.Resolve(store.StatePath("run_a"))
		require.NoError(t, err)
		assert.Equal(t, store.StatePath("run_a"), statePath)
		assert.Equal(t, filepath.Join(store.RunDir("run_a"), "artifacts"), artifacts)
	})

	t.Run("bare run id", func(t *testing.T) {
		statePath, _, err := store.Resolve("run_a")
		require.NoError(t, err)
		assert.Equal(t, store.StatePath("run_a"), statePath)
	})

	t.Run("unknown reference", func(t *testing.T) {
		_, _, err := store.Resolve("run_zzz")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListSortedAndFiltered(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	for _, id := range []string{"run_20260102-000000_bbbb1111", "run_20260101-000000_aaaa0000"} {
		require.NoError(t, store.Save(NewRunState(id, "contracts/", 10)))
	}
	// A directory without state.json is not a run.
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "scratch"), 0o755))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"run_20260101-000000_aaaa0000", "run_20260102-000000_bbbb1111"}, ids)
}

func TestPersistErrorWraps(t *testing.T) {
	inner := errors.New("disk full")
	err := &PersistError{Op: "write", Path: "/tmp/state.json", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "/tmp/state.json")
}
