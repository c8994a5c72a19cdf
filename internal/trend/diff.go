package trend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"warden/internal/aggregate"
	"warden/internal/finding"
	"warden/internal/runstore"
	"warden/internal/tools"
)

// Auditor runs one full audit against a checked-out worktree and returns
// the finished state with its ranked findings.
type Auditor func(ctx context.Context, dir string) (*runstore.RunState, []aggregate.RankedFinding, error)

// DiffReport is the finding-level comparison of two audited revisions.
type DiffReport struct {
	Base string `json:"base"`
	Head string `json:"head"`

	// Regressions are head-only findings at high or critical severity.
	Regressions []aggregate.RankedFinding `json:"regressions,omitempty"`
	// Resolutions are base findings absent from head.
	Resolutions []finding.Finding `json:"resolutions,omitempty"`
	// NewLowRisk counts head-only findings below the regression bar.
	NewLowRisk int `json:"new_low_risk"`
	Unchanged  int `json:"unchanged"`

	BaseFindings int `json:"base_findings"`
	HeadFindings int `json:"head_findings"`
}

// HasRegressions reports whether the head revision introduced findings
// that should fail a gate.
func (d *DiffReport) HasRegressions() bool { return len(d.Regressions) > 0 }

// Differ audits two revisions of the same repository in throwaway git
// worktrees and diffs the resulting finding sets.
type Differ struct {
	git    string
	runner *tools.Runner
	audit  Auditor
	logger *zap.Logger
}

// NewDiffer builds a differ that shells out to the given git binary.
// Empty means "git" from PATH.
func NewDiffer(git string, audit Auditor, logger *zap.Logger) *Differ {
	if git == "" {
		git = "git"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Differ{git: git, runner: tools.NewRunner(0, logger), audit: audit, logger: logger}
}

// CompareRevisions checks out base and head in temporary worktrees, audits
// each, and returns the finding-level diff. Worktrees are removed before
// returning, even on error.
func (d *Differ) CompareRevisions(ctx context.Context, target, base, head string) (*DiffReport, error) {
	root, err := os.MkdirTemp("", "warden-diff-")
	if err != nil {
		return nil, fmt.Errorf("create worktree root: %w", err)
	}
	defer os.RemoveAll(root)

	baseDir, err := d.addWorktree(ctx, target, base, filepath.Join(root, "base"))
	if err != nil {
		return nil, err
	}
	defer d.removeWorktree(target, baseDir)
	headDir, err := d.addWorktree(ctx, target, head, filepath.Join(root, "head"))
	if err != nil {
		return nil, err
	}
	defer d.removeWorktree(target, headDir)

	d.logger.Info("auditing base revision", zap.String("revision", base))
	baseState, _, err := d.audit(ctx, baseDir)
	if err != nil {
		return nil, fmt.Errorf("audit base %s: %w", base, err)
	}
	d.logger.Info("auditing head revision", zap.String("revision", head))
	headState, headRanked, err := d.audit(ctx, headDir)
	if err != nil {
		return nil, fmt.Errorf("audit head %s: %w", head, err)
	}

	report := DiffFindings(baseState.Findings, headRanked)
	report.Base, report.Head = base, head
	report.HeadFindings = len(headState.Findings)
	return report, nil
}

// DiffFindings compares the base finding set against the head ranking by
// identity key. Locations from the analyzer are repository-relative, so
// identities stay stable across worktrees.
func DiffFindings(base []finding.Finding, headRanked []aggregate.RankedFinding) *DiffReport {
	baseByID := make(map[string]finding.Finding, len(base))
	for _, f := range base {
		baseByID[f.Identity()] = f
	}

	report := &DiffReport{BaseFindings: len(base), HeadFindings: len(headRanked)}
	headSeen := make(map[string]bool, len(headRanked))
	for _, rf := range headRanked {
		id := rf.Identity()
		headSeen[id] = true
		if _, ok := baseByID[id]; ok {
			report.Unchanged++
			continue
		}
		if rf.Severity == finding.SeverityHigh || rf.Severity == finding.SeverityCritical {
			report.Regressions = append(report.Regressions, rf)
		} else {
			report.NewLowRisk++
		}
	}
	for _, f := range base {
		if !headSeen[f.Identity()] {
			report.Resolutions = append(report.Resolutions, f)
		}
	}
	sort.Slice(report.Resolutions, func(i, j int) bool {
		return report.Resolutions[i].Identity() < report.Resolutions[j].Identity()
	})
	return report
}

func (d *Differ) addWorktree(ctx context.Context, target, rev, dir string) (string, error) {
	out, err := d.runner.Run(ctx, tools.Invocation{
		Binary: d.git,
		Args:   []string{"-C", target, "worktree", "add", "--detach", dir, rev},
	})
	if err != nil {
		return "", fmt.Errorf("git worktree add %s: %w", rev, err)
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("git worktree add %s failed (exit %d): %s", rev, out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return dir, nil
}

func (d *Differ) removeWorktree(target, dir string) {
	out, err := d.runner.Run(context.Background(), tools.Invocation{
		Binary: d.git,
		Args:   []string{"-C", target, "worktree", "remove", "--force", dir},
	})
	if err != nil || out.ExitCode != 0 {
		d.logger.Warn("could not remove worktree", zap.String("dir", dir))
		_ = os.RemoveAll(dir)
	}
}

// MarkdownDiff renders the diff for the terminal.
func MarkdownDiff(report *DiffReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Warden Diff: %s..%s\n\n", report.Base, report.Head)
	fmt.Fprintf(&b, "Base findings: %d, head findings: %d, unchanged: %d, new low-risk: %d\n\n",
		report.BaseFindings, report.HeadFindings, report.Unchanged, report.NewLowRisk)

	fmt.Fprintf(&b, "## Regressions (%d)\n\n", len(report.Regressions))
	if len(report.Regressions) == 0 {
		b.WriteString("None.\n")
	}
	for _, rf := range report.Regressions {
		fmt.Fprintf(&b, "- [%s/%s] %s %s: %s\n", rf.Severity, rf.Confidence, rf.Tool, rf.Category, rf.Description)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Resolutions (%d)\n\n", len(report.Resolutions))
	if len(report.Resolutions) == 0 {
		b.WriteString("None.\n")
	}
	for _, f := range report.Resolutions {
		fmt.Fprintf(&b, "- [%s] %s %s: %s\n", f.Severity, f.Tool, f.Category, f.Description)
	}
	return b.String()
}
