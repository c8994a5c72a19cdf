// Package finding defines the normalized finding model shared by every
// analysis capability. Adapters map tool-specific output into this shape
// before it enters the kernel; nothing downstream ever sees raw tool JSON.
package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Severity classifies how dangerous a finding is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities from least to most dangerous.
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of the severity (info=0 .. critical=4).
// Unknown severities rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether the severity is one of the closed enum values.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// ParseSeverity normalizes tool-reported impact strings into the closed
// severity enum. Slither reports "High"/"Medium"/"Low"/"Informational";
// anything unrecognized maps to info so it never inflates a score.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Confidence classifies how much the reporting tool trusts a finding.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

var confidenceRank = map[Confidence]int{
	ConfidenceLow:    0,
	ConfidenceMedium: 1,
	ConfidenceHigh:   2,
}

// Rank returns the ordinal position of the confidence (low=0 .. high=2).
func (c Confidence) Rank() int {
	if r, ok := confidenceRank[c]; ok {
		return r
	}
	return -1
}

// Valid reports whether the confidence is one of the closed enum values.
func (c Confidence) Valid() bool {
	_, ok := confidenceRank[c]
	return ok
}

// ParseConfidence normalizes tool-reported confidence strings. Heuristic
// sources ("heuristic", empty, unknown) map to low.
func ParseConfidence(raw string) Confidence {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high":
		return ConfidenceHigh
	case "medium":
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Location pins a finding to a place in the target source.
type Location struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
}

// String renders the location as file:line#function, omitting empty parts.
func (l Location) String() string {
	var b strings.Builder
	b.WriteString(l.File)
	if l.Line > 0 {
		fmt.Fprintf(&b, ":%d", l.Line)
	}
	if l.Function != "" {
		b.WriteString("#")
		b.WriteString(l.Function)
	}
	return b.String()
}

// Finding is one normalized observation produced by a capability execution.
// Findings are immutable once produced.
type Finding struct {
	Tool        string     `json:"tool"`
	Category    string     `json:"category"`
	Severity    Severity   `json:"severity"`
	Confidence  Confidence `json:"confidence"`
	Description string     `json:"description"`
	Location    Location   `json:"location"`

	// Evidence carries the raw tool payload untouched. The kernel never
	// inspects it; it exists for reports and replay.
	Evidence json.RawMessage `json:"evidence,omitempty"`

	// Repro points at reproduction material (a failing test, a seed, a
	// script) when the producing tool has one.
	Repro string `json:"repro,omitempty"`

	ArtifactPaths []string `json:"artifact_paths,omitempty"`
}

// Identity is the deduplication key: two findings with the same identity
// describe the same observation regardless of which run produced them.
func (f Finding) Identity() string {
	return f.Tool + "|" + f.Category + "|" + f.Location.String() + "|" + f.Description
}

// ID returns a short stable identifier derived from the identity key,
// usable in scoreboards and trend diffs.
func (f Finding) ID() string {
	sum := sha256.Sum256([]byte(f.Identity()))
	return hex.EncodeToString(sum[:])[:12]
}

// Validate reports the provenance fields a well-formed finding must carry.
func (f Finding) Validate() error {
	switch {
	case f.Tool == "":
		return fmt.Errorf("finding missing tool")
	case f.Category == "":
		return fmt.Errorf("finding missing category")
	case f.Description == "":
		return fmt.Errorf("finding missing description")
	case !f.Severity.Valid():
		return fmt.Errorf("finding has invalid severity %q", f.Severity)
	case !f.Confidence.Valid():
		return fmt.Errorf("finding has invalid confidence %q", f.Confidence)
	}
	return nil
}
