package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Budget.Cap)
	assert.Len(t, cfg.Capabilities, 7)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Budget.Cap, cfg.Budget.Cap)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budget: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Budget.Cap = 25
	cfg.Runner.Parallelism = 3
	cfg.Offline = true
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, loaded.Budget.Cap)
	assert.Equal(t, 3, loaded.Runner.Parallelism)
	assert.True(t, loaded.Offline)
	require.NoError(t, loaded.Validate())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budget:\n  cap: 4\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Budget.Cap)
	// Untouched sections keep their defaults.
	assert.Equal(t, "slither", cfg.Tools.Slither)
	assert.Len(t, cfg.Capabilities, 7)
}

func TestDurationHelpersFallBack(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Minute, cfg.GetRunnerTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetRunnerGrace())

	cfg.Runner.Timeout = "garbage"
	cfg.LLM.Timeout = ""
	assert.Equal(t, 10*time.Minute, cfg.GetRunnerTimeout())
	assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Run("non-positive cap", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Budget.Cap = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("broken scoring table", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Scoring.TieBreaks = []string{"coin_flip"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("broken escalation table", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Escalation.Transitions[0].Any = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("duplicate capability", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Capabilities = append(cfg.Capabilities, cfg.Capabilities[0])
		assert.Error(t, cfg.Validate())
	})

	t.Run("empty runs root", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Runs.Root = ""
		assert.Error(t, cfg.Validate())
	})
}
