package tools

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"warden/internal/finding"
)

// LintLogArtifact is the quick-lint summary log basename.
const LintLogArtifact = "quick_lint.log"

// CategoryTodoMarker tags leftover TODO/FIXME comments in target sources.
const CategoryTodoMarker = "todo_marker"

// QuickLint scans Solidity sources under target for TODO/FIXME markers
// and writes a short summary log. It needs no external binary, so it
// still contributes when the analyzer is missing.
func QuickLint(target, artifactsDir string) ([]finding.Finding, error) {
	logPath := filepath.Join(artifactsDir, LintLogArtifact)

	files, err := solidityFiles(target)
	if err != nil {
		return nil, err
	}

	var findings []finding.Finding
	for _, path := range files {
		found, err := scanFile(path, logPath)
		if err != nil {
			return nil, err
		}
		findings = append(findings, found...)
	}

	summary := fmt.Sprintf("# Quick Lint Summary\nFiles: %d\nFindings: %d\n", len(files), len(findings))
	if err := os.WriteFile(logPath, []byte(summary), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", logPath, err)
	}
	return findings, nil
}

func scanFile(path, logPath string) ([]finding.Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var findings []finding.Finding
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if !strings.Contains(text, "TODO") && !strings.Contains(text, "FIXME") {
			continue
		}
		severity := finding.SeverityInfo
		if strings.Contains(text, "FIXME") {
			severity = finding.SeverityLow
		}
		fnd := finding.Finding{
			Tool:          "quick_lint",
			Category:      CategoryTodoMarker,
			Severity:      severity,
			Confidence:    finding.ConfidenceLow,
			Description:   "TODO/FIXME marker found in Solidity source.",
			Location:      finding.Location{File: path, Line: line},
			ArtifactPaths: []string{logPath},
		}
		if evidence, err := json.Marshal(map[string]any{"path": path, "line": line}); err == nil {
			fnd.Evidence = evidence
		}
		findings = append(findings, fnd)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return findings, nil
}

// solidityFiles returns the .sol files under root in deterministic order.
// A .sol file path is returned as-is; a missing root yields nothing.
func solidityFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if strings.HasSuffix(root, ".sol") {
			return []string{root}, nil
		}
		return nil, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".sol") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
