package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"warden/internal/finding"
)

// Artifact basenames written by the analyzer wrapper. Downstream gates
// key on the JSON artifact being present.
const (
	AnalyzerJSONArtifact = "slither.json"
	AnalyzerLogArtifact  = "slither.log"
)

// Finding categories the analyzer normalizes into.
const (
	CategoryReentrancy      = "reentrancy"
	CategoryUncheckedReturn = "unchecked_return"
	CategoryDangerousCall   = "dangerous_call"
)

// ScanReport is the normalized output of one analyzer pass.
type ScanReport struct {
	Findings []finding.Finding
	Signals  map[string]int
	JSONPath string
	LogPath  string
}

// Slither drives the slither static analyzer.
type Slither struct {
	binary  string
	timeout time.Duration
	runner  *Runner
	logger  *zap.Logger
}

func NewSlither(binary string, timeout time.Duration, runner *Runner, logger *zap.Logger) *Slither {
	if binary == "" {
		binary = "slither"
	}
	if runner == nil {
		runner = NewRunner(0, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Slither{binary: binary, timeout: timeout, runner: runner, logger: logger}
}

// Scan runs the analyzer against target, writes the JSON and log
// artifacts, and parses detector results. Slither exits non-zero when it
// finds issues, so the exit code alone never fails a scan; only a missing
// binary, a timeout, or unparseable output does.
func (s *Slither) Scan(ctx context.Context, target, artifactsDir string) (*ScanReport, error) {
	jsonPath := filepath.Join(artifactsDir, AnalyzerJSONArtifact)
	logPath := filepath.Join(artifactsDir, AnalyzerLogArtifact)

	out, err := s.runner.Run(ctx, Invocation{
		Binary:  s.binary,
		Args:    []string{target, "--json", "-"},
		Timeout: s.timeout,
	})
	if err != nil {
		return nil, err
	}
	if writeErr := WriteToolLog(logPath, out.Stdout, out.Stderr); writeErr != nil {
		s.logger.Warn("could not write analyzer log", zap.Error(writeErr))
	}
	if out.TimedOut {
		return nil, fmt.Errorf("%w: %s after %s", ErrToolTimeout, s.binary, s.timeout)
	}

	payload := strings.TrimSpace(out.Stdout)
	if payload == "" {
		return nil, fmt.Errorf("%s produced no JSON output (exit %d): %s",
			s.binary, out.ExitCode, tail(out.Stderr, 300))
	}
	if err := os.WriteFile(jsonPath, []byte(payload), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", jsonPath, err)
	}

	findings, signals, err := ParseAnalyzerJSON([]byte(payload), jsonPath, logPath)
	if err != nil {
		return nil, fmt.Errorf("%s output (exit %d): %w", s.binary, out.ExitCode, err)
	}
	s.logger.Info("analyzer scan complete",
		zap.String("target", target),
		zap.Int("findings", len(findings)),
		zap.Int("exit_code", out.ExitCode))
	return &ScanReport{Findings: findings, Signals: signals, JSONPath: jsonPath, LogPath: logPath}, nil
}

// ParseAnalyzerFile parses a previously captured slither.json, used when
// offline mode reuses an existing artifact instead of re-running the
// analyzer.
func ParseAnalyzerFile(jsonPath string) (*ScanReport, error) {
	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, err
	}
	logPath := filepath.Join(filepath.Dir(jsonPath), AnalyzerLogArtifact)
	findings, signals, err := ParseAnalyzerJSON(raw, jsonPath, logPath)
	if err != nil {
		return nil, err
	}
	return &ScanReport{Findings: findings, Signals: signals, JSONPath: jsonPath, LogPath: logPath}, nil
}

type analyzerPayload struct {
	Results struct {
		Detectors []analyzerDetector `json:"detectors"`
	} `json:"results"`
}

type analyzerDetector struct {
	Check       string            `json:"check"`
	Impact      string            `json:"impact"`
	Confidence  string            `json:"confidence"`
	Description string            `json:"description"`
	Elements    []analyzerElement `json:"elements"`
}

type analyzerElement struct {
	Name          string `json:"name"`
	SourceMapping struct {
		FilenameRelative string `json:"filename_relative"`
		FilenameAbsolute string `json:"filename_absolute"`
		Lines            []int  `json:"lines"`
	} `json:"source_mapping"`
}

// ParseAnalyzerJSON normalizes detector results into findings plus
// per-category signal counts. Detector checks outside the known category
// map carry no audit signal here and are dropped. Findings come back
// sorted by location then category for reproducible ordering.
func ParseAnalyzerJSON(raw []byte, jsonPath, logPath string) ([]finding.Finding, map[string]int, error) {
	var payload analyzerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, fmt.Errorf("parse analyzer JSON: %w", err)
	}

	artifacts := []string{jsonPath, logPath}
	signals := map[string]int{}
	var findings []finding.Finding
	for _, det := range payload.Results.Detectors {
		category := categorize(det.Check)
		if category == "" {
			continue
		}
		signals[category]++

		f := finding.Finding{
			Tool:          "slither",
			Category:      category,
			Severity:      finding.ParseSeverity(det.Impact),
			Confidence:    finding.ParseConfidence(det.Confidence),
			Description:   strings.TrimSpace(det.Description),
			Location:      elementLocation(det.Elements),
			ArtifactPaths: artifacts,
		}
		if evidence, err := json.Marshal(map[string]any{"check": det.Check, "impact": det.Impact}); err == nil {
			f.Evidence = evidence
		}
		findings = append(findings, f)
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Location.File != findings[j].Location.File {
			return findings[i].Location.File < findings[j].Location.File
		}
		if findings[i].Location.Line != findings[j].Location.Line {
			return findings[i].Location.Line < findings[j].Location.Line
		}
		return findings[i].Category < findings[j].Category
	})
	return findings, signals, nil
}

// categorize maps a detector check name onto an audit category; unmapped
// checks return "".
func categorize(check string) string {
	c := strings.ToLower(strings.TrimSpace(check))
	switch {
	case strings.HasPrefix(c, "reentrancy"):
		return CategoryReentrancy
	case strings.HasPrefix(c, "unchecked"):
		return CategoryUncheckedReturn
	case strings.Contains(c, "delegatecall"),
		strings.Contains(c, "low-level"),
		c == "suicidal",
		strings.HasPrefix(c, "arbitrary-send"),
		strings.HasPrefix(c, "controlled-"):
		return CategoryDangerousCall
	}
	return ""
}

func elementLocation(elements []analyzerElement) finding.Location {
	for _, el := range elements {
		sm := el.SourceMapping
		file := sm.FilenameRelative
		if file == "" {
			file = sm.FilenameAbsolute
		}
		if file == "" && el.Name == "" {
			continue
		}
		loc := finding.Location{File: file, Function: el.Name}
		if len(sm.Lines) > 0 {
			loc.Line = sm.Lines[0]
		}
		return loc
	}
	return finding.Location{}
}

// WriteToolLog writes the conventional two-section capture log.
func WriteToolLog(path, stdout, stderr string) error {
	body := strings.Join([]string{
		"### stdout",
		strings.TrimSpace(stdout),
		"",
		"### stderr",
		strings.TrimSpace(stderr),
	}, "\n") + "\n"
	return os.WriteFile(path, []byte(body), 0o644)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
