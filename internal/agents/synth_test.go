package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/runner"
)

func chatFixture(content string) string {
	return `{"choices":[{"message":{"content":"` + content + `"}}]}`
}

func TestSynthLiveSuccess(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatFixture("  Two critical risks dominate.\n")))
	}))
	defer srv.Close()

	artifacts := t.TempDir()
	agent := NewSynth(NewLLMClient(srv.URL, "secret-key", "model-x", 5*time.Second), "", nil)
	res, err := agent.Run(context.Background(), runner.Request{
		Target:       "vaults-repo",
		ArtifactsDir: artifacts,
		Ranked:       rankedFixture("reentrancy"),
	})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Nil(t, res.Failure)

	require.NotNil(t, res.Synthesis)
	assert.Equal(t, "success", res.Synthesis.Status)
	assert.Equal(t, "live", res.Synthesis.Source)
	assert.Equal(t, "model-x", res.Synthesis.Model)
	assert.Equal(t, "Two critical risks dominate.", res.Synthesis.Summary)

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer secret-key", gotAuth)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	assert.Contains(t, gotBody.Messages[1].Content, "finding 1 in reentrancy")

	assert.FileExists(t, filepath.Join(artifacts, LLMDir, "request.json"))
	assert.FileExists(t, filepath.Join(artifacts, LLMDir, "response.json"))
}

func TestSynthEndpointErrorIsRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	artifacts := t.TempDir()
	agent := NewSynth(NewLLMClient(srv.URL, "k", "model-x", 5*time.Second), "", nil)
	res, err := agent.Run(context.Background(), runner.Request{ArtifactsDir: artifacts})
	require.NoError(t, err)

	require.NotNil(t, res.Failure)
	assert.Equal(t, runner.FailureToolError, res.Failure.Kind)
	require.NotNil(t, res.Synthesis)
	assert.Equal(t, "error", res.Synthesis.Status)

	raw, readErr := os.ReadFile(filepath.Join(artifacts, LLMDir, "error.json"))
	require.NoError(t, readErr)
	assert.Contains(t, string(raw), "500")
}

func TestSynthOfflineServesFixture(t *testing.T) {
	fixtures := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(fixtures, "summary.json"), []byte(chatFixture("Fixture summary.")), 0o644))

	artifacts := t.TempDir()
	agent := NewSynth(nil, fixtures, nil)
	res, err := agent.Run(context.Background(), runner.Request{ArtifactsDir: artifacts, Offline: true})
	require.NoError(t, err)

	require.NotNil(t, res.Synthesis)
	assert.Equal(t, "success", res.Synthesis.Status)
	assert.Equal(t, "fixture", res.Synthesis.Source)
	assert.Equal(t, "Fixture summary.", res.Synthesis.Summary)
	assert.FileExists(t, filepath.Join(artifacts, LLMDir, "response.json"))
}

func TestSynthOfflineWithoutFixtureSkips(t *testing.T) {
	agent := NewSynth(nil, "", nil)
	res, err := agent.Run(context.Background(), runner.Request{ArtifactsDir: t.TempDir(), Offline: true})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonLLMUnavailable, res.SkipReason)
}

func TestSynthNoEndpointSkips(t *testing.T) {
	artifacts := t.TempDir()
	agent := NewSynth(nil, "", nil)
	res, err := agent.Run(context.Background(), runner.Request{ArtifactsDir: artifacts})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonLLMUnavailable, res.SkipReason)
	// The would-be request is archived even though nothing was sent.
	assert.FileExists(t, filepath.Join(artifacts, LLMDir, "request.json"))
}

func TestLLMClientRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(chatFixture("ok")))
	}))
	defer srv.Close()

	client := NewLLMClient(srv.URL, "k", "m", 5*time.Second)
	content, _, err := client.Complete(context.Background(), chatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
