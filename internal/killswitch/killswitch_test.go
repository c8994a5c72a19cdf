package killswitch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDisengagedByDefault(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "kill"), nil)
	engaged, reason := s.Engaged()
	assert.False(t, engaged)
	assert.Empty(t, reason)
}

func TestEnvFlagEngages(t *testing.T) {
	t.Setenv(EnvVar, "1")
	s := New("", nil)
	engaged, reason := s.Engaged()
	assert.True(t, engaged)
	assert.Equal(t, ReasonEnv, reason)
}

func TestStatFallbackSeesKillFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kill")
	s := New(path, nil)

	engaged, _ := s.Engaged()
	require.False(t, engaged)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	engaged, reason := s.Engaged()
	assert.True(t, engaged)
	assert.Equal(t, ReasonFile, reason)
}

func TestWatcherTripsOnCreate(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "kill")
	s := New(path, nil)
	require.NoError(t, s.Watch())
	defer s.Close()

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.Eventually(t, func() bool {
		engaged, _ := s.Engaged()
		return engaged
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	s := New(filepath.Join(dir, "kill"), nil)
	require.NoError(t, s.Watch())
	defer s.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), nil, 0o644))
	time.Sleep(50 * time.Millisecond)
	engaged, _ := s.Engaged()
	assert.False(t, engaged)
}

func TestTrippedStateSticks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kill")
	s := New(path, nil)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	engaged, _ := s.Engaged()
	require.True(t, engaged)

	// Removing the file does not reset the switch.
	require.NoError(t, os.Remove(path))
	engaged, reason := s.Engaged()
	assert.True(t, engaged)
	assert.Equal(t, ReasonFile, reason)
}
