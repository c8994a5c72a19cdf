package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"warden/internal/capability"
	"warden/internal/runner"
)

// LLMDir is the artifacts subdirectory holding the chat exchange.
const LLMDir = "llm"

// ReasonLLMUnavailable is recorded when no endpoint or fixture can serve
// the synthesis request.
const ReasonLLMUnavailable = "llm_unavailable"

const (
	synthSystemPrompt = "Summarize the audit findings."
	synthMaxTokens    = 1024
	synthTemperature  = 0.1
	digestLimit       = 10
)

// Synth asks a chat model for a prose summary of the ranked findings. The
// answer is advisory text on the run, never a finding, and a dead or
// misbehaving endpoint never fails the audit outright.
type Synth struct {
	client      *LLMClient
	fixturesDir string
	logger      *zap.Logger
}

// NewSynth builds the synthesis agent. client may be nil when no endpoint
// is configured; fixturesDir holds canned responses for offline runs.
func NewSynth(client *LLMClient, fixturesDir string, logger *zap.Logger) *Synth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synth{client: client, fixturesDir: fixturesDir, logger: logger}
}

func (a *Synth) Name() string { return capability.LLMSynthesis }

func (a *Synth) Run(ctx context.Context, req runner.Request) (runner.Result, error) {
	dir := filepath.Join(req.ArtifactsDir, LLMDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return runner.Result{}, fmt.Errorf("create llm artifacts dir: %w", err)
	}

	model := ""
	if a.client != nil {
		model = a.client.model
	}
	chatReq := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: synthSystemPrompt},
			{Role: "user", Content: findingsDigest(req)},
		},
		MaxTokens:   synthMaxTokens,
		Temperature: synthTemperature,
	}

	// The request body is archived even when the call never happens, so
	// a skipped or failed synthesis still shows what would have been sent.
	reqPath := filepath.Join(dir, "request.json")
	if data, err := json.MarshalIndent(chatReq, "", "  "); err == nil {
		if err := os.WriteFile(reqPath, data, 0o644); err != nil {
			a.logger.Warn("write llm request artifact failed", zap.Error(err))
		}
	}

	if req.Offline {
		return a.fromFixture(dir, reqPath, model)
	}
	if a.client == nil {
		return runner.Skip(capability.LLMSynthesis, ReasonLLMUnavailable,
			map[string]any{"reason": "no endpoint configured"}), nil
	}

	content, rawBody, err := a.client.Complete(ctx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return runner.Result{}, ctx.Err()
		}
		errPath := filepath.Join(dir, "error.json")
		payload := map[string]any{"error": err.Error()}
		if len(rawBody) > 0 {
			payload["body"] = string(rawBody)
		}
		if data, marshalErr := json.MarshalIndent(payload, "", "  "); marshalErr == nil {
			if writeErr := os.WriteFile(errPath, data, 0o644); writeErr != nil {
				a.logger.Warn("write llm error artifact failed", zap.Error(writeErr))
			}
		}
		a.logger.Warn("llm synthesis failed", zap.Error(err))
		return runner.Result{
			Synthesis:     &runner.Synthesis{Status: "error", Model: model, Source: "live"},
			ArtifactPaths: []string{reqPath, errPath},
			Failure:       &runner.Failure{Kind: runner.FailureToolError, Diagnostic: err.Error()},
		}, nil
	}

	respPath := filepath.Join(dir, "response.json")
	if writeErr := os.WriteFile(respPath, rawBody, 0o644); writeErr != nil {
		a.logger.Warn("write llm response artifact failed", zap.Error(writeErr))
	}
	a.logger.Info("llm synthesis complete", zap.String("model", model), zap.Int("chars", len(content)))
	return runner.Result{
		Synthesis:     &runner.Synthesis{Status: "success", Model: model, Source: "live", Summary: content},
		ArtifactPaths: []string{reqPath, respPath},
		Summary:       "synthesis complete",
	}, nil
}

// fromFixture serves an offline run from the first canned response on
// disk. No fixture means the capability skips rather than going online.
func (a *Synth) fromFixture(dir, reqPath, model string) (runner.Result, error) {
	if a.fixturesDir == "" {
		return runner.Skip(capability.LLMSynthesis, ReasonLLMUnavailable,
			map[string]any{"offline": true}), nil
	}
	matches, err := filepath.Glob(filepath.Join(a.fixturesDir, "*.json"))
	if err != nil || len(matches) == 0 {
		return runner.Skip(capability.LLMSynthesis, ReasonLLMUnavailable,
			map[string]any{"offline": true, "fixtures": a.fixturesDir}), nil
	}
	sort.Strings(matches)

	raw, err := os.ReadFile(matches[0])
	if err != nil {
		return runner.Skip(capability.LLMSynthesis, ReasonLLMUnavailable,
			map[string]any{"offline": true, "error": err.Error()}), nil
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Choices) == 0 {
		return runner.Skip(capability.LLMSynthesis, ReasonLLMUnavailable,
			map[string]any{"offline": true, "fixture": matches[0], "reason": "fixture not a chat response"}), nil
	}

	respPath := filepath.Join(dir, "response.json")
	if writeErr := os.WriteFile(respPath, raw, 0o644); writeErr != nil {
		a.logger.Warn("write llm response artifact failed", zap.Error(writeErr))
	}
	a.logger.Info("llm synthesis served from fixture", zap.String("fixture", matches[0]))
	return runner.Result{
		Synthesis: &runner.Synthesis{
			Status:  "success",
			Model:   model,
			Source:  "fixture",
			Summary: strings.TrimSpace(parsed.Choices[0].Message.Content),
		},
		ArtifactPaths: []string{reqPath, respPath},
		Summary:       "synthesis from fixture",
	}, nil
}

// findingsDigest flattens the ranked findings into the user prompt.
func findingsDigest(req runner.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target: %s\n", req.Target)
	shown := len(req.Ranked)
	if shown > digestLimit {
		shown = digestLimit
	}
	fmt.Fprintf(&b, "Findings: %d total, top %d listed.\n", len(req.Findings), shown)
	for i, rf := range req.Ranked[:shown] {
		fmt.Fprintf(&b, "%d. [%s/%s] %s %s: %s", i+1, rf.Severity, rf.Confidence, rf.Tool, rf.Category, rf.Description)
		if rf.Location.File != "" {
			fmt.Fprintf(&b, " (%s)", rf.Location.String())
		}
		b.WriteByte('\n')
	}
	return b.String()
}
