package workbench

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaffoldWritesPracticeTarget(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "practice")

	paths, err := Scaffold(dir)
	require.NoError(t, err)
	assert.Len(t, paths, 5)

	vault, err := os.ReadFile(filepath.Join(dir, "contracts", "LeakyVault.sol"))
	require.NoError(t, err)
	assert.Contains(t, string(vault), "function withdraw")
	assert.Contains(t, string(vault), "Never deploy")

	raw, err := os.ReadFile(filepath.Join(dir, "corpus", "solodit.json"))
	require.NoError(t, err)
	var corpus struct {
		Patterns map[string][]struct {
			Title string `json:"title"`
		} `json:"patterns"`
	}
	require.NoError(t, json.Unmarshal(raw, &corpus))
	assert.NotEmpty(t, corpus.Patterns["reentrancy"])

	assert.FileExists(t, filepath.Join(dir, "foundry.toml"))
	assert.FileExists(t, filepath.Join(dir, "test", "LeakyVault.t.sol"))
}

func TestScaffoldRefusesNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0o644))

	_, err := Scaffold(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-empty")
}

func TestScaffoldedVaultExposesEntrypoints(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "practice")
	_, err := Scaffold(dir)
	require.NoError(t, err)

	eps, source, err := Enumerate(filepath.Join(dir, "contracts"), "")
	require.NoError(t, err)
	assert.Equal(t, SourceHeuristic, source)

	names := make([]string, 0, len(eps))
	for _, ep := range eps {
		names = append(names, ep.Function)
	}
	assert.Equal(t, []string{"deposit", "setOwner", "sweep", "withdraw"}, names)
}
