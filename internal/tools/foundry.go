package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"warden/internal/finding"
)

// FuzzLogArtifact is the fuzz run capture log basename.
const FuzzLogArtifact = "foundry_fuzz.log"

// CategoryFuzzFailure tags property violations found by fuzzing.
const CategoryFuzzFailure = "fuzz_failure"

var seedPattern = regexp.MustCompile(`[Ss]eed[:=]?\s*(0x[0-9a-fA-F]+|\d+)`)

// FuzzReport is the outcome of one forge test pass.
type FuzzReport struct {
	Findings []finding.Finding
	ExitCode int
	TimedOut bool
	LogPath  string
}

// Foundry drives forge test fuzzing inside a target repository.
type Foundry struct {
	binary  string
	timeout time.Duration
	runner  *Runner
	logger  *zap.Logger
}

func NewFoundry(binary string, timeout time.Duration, runner *Runner, logger *zap.Logger) *Foundry {
	if binary == "" {
		binary = "forge"
	}
	if runner == nil {
		runner = NewRunner(0, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Foundry{binary: binary, timeout: timeout, runner: runner, logger: logger}
}

// Fuzz runs the target's test suite with the given fuzz-run count. A
// clean suite yields no findings; a failing one yields one finding per
// FAIL line. ErrBinaryNotFound passes through for the caller to turn
// into a skip.
func (f *Foundry) Fuzz(ctx context.Context, target, artifactsDir string, fuzzRuns int) (*FuzzReport, error) {
	logPath := filepath.Join(artifactsDir, FuzzLogArtifact)

	out, err := f.runner.Run(ctx, Invocation{
		Binary:  f.binary,
		Args:    []string{"test", "--fuzz-runs", fmt.Sprintf("%d", fuzzRuns)},
		Dir:     target,
		Timeout: f.timeout,
	})
	if err != nil {
		return nil, err
	}
	if writeErr := WriteToolLog(logPath, out.Stdout, out.Stderr); writeErr != nil {
		f.logger.Warn("could not write fuzz log", zap.Error(writeErr))
	}

	report := &FuzzReport{ExitCode: out.ExitCode, TimedOut: out.TimedOut, LogPath: logPath}
	if out.TimedOut {
		return report, nil
	}
	if out.ExitCode != 0 {
		report.Findings = ParseFuzzFailures(out.Stdout+"\n"+out.Stderr, logPath)
	}
	f.logger.Info("fuzz pass complete",
		zap.String("target", target),
		zap.Int("exit_code", out.ExitCode),
		zap.Int("failures", len(report.Findings)))
	return report, nil
}

// ParseFuzzFailures extracts FAIL lines from forge output. Each failing
// test becomes a high-severity, high-confidence finding; the failing seed
// is recorded as reproduction evidence when the output names one.
func ParseFuzzFailures(output, logPath string) []finding.Finding {
	seed := ""
	if m := seedPattern.FindStringSubmatch(output); m != nil {
		seed = m[1]
	}

	var findings []finding.Finding
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || !strings.Contains(line, "FAIL") {
			continue
		}
		fnd := finding.Finding{
			Tool:          "forge",
			Category:      CategoryFuzzFailure,
			Severity:      finding.SeverityHigh,
			Confidence:    finding.ConfidenceHigh,
			Description:   line,
			Location:      finding.Location{Function: failedTestName(line)},
			Repro:         seed,
			ArtifactPaths: []string{logPath},
		}
		if evidence, err := json.Marshal(map[string]any{"line": line, "seed": seed}); err == nil {
			fnd.Evidence = evidence
		}
		findings = append(findings, fnd)
	}
	return findings
}

// failedTestName pulls the test signature out of a forge failure line,
// e.g. `[FAIL. Reason: assertion failed] testWithdraw(uint256) (runs: 7)`.
func failedTestName(line string) string {
	idx := strings.Index(line, "] ")
	if idx < 0 {
		return ""
	}
	rest := strings.TrimSpace(line[idx+2:])
	if end := strings.Index(rest, " ("); end > 0 {
		return rest[:end]
	}
	if end := strings.IndexByte(rest, ' '); end > 0 {
		return rest[:end]
	}
	return rest
}
