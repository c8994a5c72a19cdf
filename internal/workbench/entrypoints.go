// Package workbench holds the developer-facing helpers around audits:
// entry point enumeration for scoping a review, and scaffolding of a
// deliberately vulnerable practice target.
package workbench

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Entry point artifact basenames.
const (
	EntrypointsJSONArtifact = "entrypoints.json"
	EntrypointsLogArtifact  = "entrypoints.log"
)

// Entry point sources.
const (
	SourceAnalyzer  = "analyzer"
	SourceHeuristic = "heuristic"
)

// Entrypoint is one externally callable, state-changing function.
type Entrypoint struct {
	Contract   string `json:"contract,omitempty"`
	Function   string `json:"function"`
	Visibility string `json:"visibility"`
	Mutability string `json:"mutability,omitempty"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line,omitempty"`
	Source     string `json:"source"`
}

// Enumerate lists the target's public and external state-changing
// functions, sorted by name. Analyzer JSON is authoritative when it
// yields anything; otherwise a regex pass over the Solidity sources
// approximates the list.
func Enumerate(target, analyzerJSON string) ([]Entrypoint, string, error) {
	if analyzerJSON != "" {
		eps, err := fromAnalyzer(analyzerJSON)
		if err == nil && len(eps) > 0 {
			return eps, SourceAnalyzer, nil
		}
	}
	eps, err := fromSources(target)
	if err != nil {
		return nil, "", err
	}
	return eps, SourceHeuristic, nil
}

// WriteArtifacts stores the enumeration as entrypoints.json plus a
// readable log, returning the written paths.
func WriteArtifacts(eps []Entrypoint, source, target, artifactsDir string) ([]string, error) {
	jsonPath := filepath.Join(artifactsDir, EntrypointsJSONArtifact)
	data, err := json.MarshalIndent(eps, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write entrypoints json: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Entry Points\n")
	fmt.Fprintf(&b, "Target: %s\n", target)
	fmt.Fprintf(&b, "Source: %s\n", source)
	fmt.Fprintf(&b, "Count: %d\n\n", len(eps))
	for _, ep := range eps {
		name := ep.Function
		if ep.Contract != "" {
			name = ep.Contract + "." + ep.Function
		}
		fmt.Fprintf(&b, "%s (%s", name, ep.Visibility)
		if ep.Mutability != "" {
			fmt.Fprintf(&b, " %s", ep.Mutability)
		}
		b.WriteString(")")
		if ep.File != "" {
			fmt.Fprintf(&b, " %s:%d", ep.File, ep.Line)
		}
		b.WriteString("\n")
	}
	logPath := filepath.Join(artifactsDir, EntrypointsLogArtifact)
	if err := os.WriteFile(logPath, []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write entrypoints log: %w", err)
	}
	return []string{jsonPath, logPath}, nil
}

// analyzerFunctions is the slice of analyzer JSON the enumeration reads.
type analyzerFunctions struct {
	Functions []struct {
		Name       string `json:"name"`
		Contract   string `json:"contract"`
		Visibility string `json:"visibility"`
		Mutability string `json:"mutability"`
		File       string `json:"file"`
		Line       int    `json:"line"`
	} `json:"functions"`
}

func fromAnalyzer(jsonPath string) ([]Entrypoint, error) {
	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, err
	}
	var in analyzerFunctions
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}

	var eps []Entrypoint
	for _, fn := range in.Functions {
		v := strings.ToLower(fn.Visibility)
		if v != "public" && v != "external" {
			continue
		}
		m := strings.ToLower(fn.Mutability)
		if m == "view" || m == "pure" {
			continue
		}
		eps = append(eps, Entrypoint{
			Contract:   fn.Contract,
			Function:   fn.Name,
			Visibility: v,
			Mutability: m,
			File:       fn.File,
			Line:       fn.Line,
			Source:     SourceAnalyzer,
		})
	}
	sortEntrypoints(eps)
	return eps, nil
}

var (
	contractPattern = regexp.MustCompile(`^\s*(?:abstract\s+)?contract\s+(\w+)`)
	functionPattern = regexp.MustCompile(`function\s+(\w+)\s*\([^)]*\)\s*([^{;]*)`)
)

// fromSources is the degraded path: a line-oriented scan that catches the
// common single-line declaration shape. Multi-line signatures are missed,
// which is acceptable for a fallback that exists to give the operator a
// starting list when the analyzer is absent.
func fromSources(target string) ([]Entrypoint, error) {
	files, err := solidityFiles(target)
	if err != nil {
		return nil, err
	}

	var eps []Entrypoint
	for _, path := range files {
		rel, relErr := filepath.Rel(target, path)
		if relErr != nil {
			rel = path
		}
		found, err := scanSource(path, rel)
		if err != nil {
			return nil, err
		}
		eps = append(eps, found...)
	}
	sortEntrypoints(eps)
	return eps, nil
}

func scanSource(path, rel string) ([]Entrypoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		eps      []Entrypoint
		contract string
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if m := contractPattern.FindStringSubmatch(line); m != nil {
			contract = m[1]
			continue
		}
		m := functionPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		qualifiers := " " + strings.ToLower(m[2]) + " "
		visibility := ""
		switch {
		case strings.Contains(qualifiers, " public "):
			visibility = "public"
		case strings.Contains(qualifiers, " external "):
			visibility = "external"
		default:
			continue
		}
		if strings.Contains(qualifiers, " view ") || strings.Contains(qualifiers, " pure ") {
			continue
		}
		eps = append(eps, Entrypoint{
			Contract:   contract,
			Function:   m[1],
			Visibility: visibility,
			File:       rel,
			Line:       lineNo,
			Source:     SourceHeuristic,
		})
	}
	return eps, scanner.Err()
}

func solidityFiles(target string) ([]string, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if strings.HasSuffix(target, ".sol") {
			return []string{target}, nil
		}
		return nil, nil
	}
	var files []string
	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
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

func sortEntrypoints(eps []Entrypoint) {
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Function != eps[j].Function {
			return eps[i].Function < eps[j].Function
		}
		if eps[i].File != eps[j].File {
			return eps[i].File < eps[j].File
		}
		return eps[i].Line < eps[j].Line
	})
}
