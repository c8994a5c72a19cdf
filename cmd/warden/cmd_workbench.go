package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"warden/internal/capability"
	"warden/internal/kernel"
	"warden/internal/report"
	"warden/internal/runstore"
	"warden/internal/tools"
	"warden/internal/workbench"
)

var (
	entrypointsTarget string
	entrypointsRunDir string
)

// entrypointsCmd lists the externally callable attack surface
var entrypointsCmd = &cobra.Command{
	Use:   "entrypoints",
	Short: "List a target's externally callable state-changing functions",
	Long: `Enumerates the public and external non-view functions of a Solidity
target, sorted by name. When a prior run's analyzer JSON is available via
--run-dir it is used as the authoritative source and the enumeration is
stored next to the run's other artifacts; otherwise a regex pass over the
sources approximates the list.`,
	RunE: runEntrypoints,
}

// capabilitiesCmd prints the capability registry
var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Show the capability registry with costs and gates",
	RunE:  runCapabilities,
}

// workbenchCmd scaffolds a practice target
var workbenchCmd = &cobra.Command{
	Use:   "workbench DIR",
	Short: "Scaffold a deliberately vulnerable practice target",
	Long: `Writes a small Foundry project with known vulnerabilities into an empty
directory: a leaky vault contract, a failing fuzz property, and a local
lookup corpus. Auditing it exercises every capability without touching
real code.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkbench,
}

func init() {
	entrypointsCmd.Flags().StringVar(&entrypointsTarget, "target", "", "Target directory to enumerate")
	entrypointsCmd.Flags().StringVar(&entrypointsRunDir, "run-dir", "", "Stored run whose analyzer output should be used")
}

func runEntrypoints(cmd *cobra.Command, args []string) error {
	if entrypointsTarget == "" {
		return fmt.Errorf("%w: --target is required", kernel.ErrConfiguration)
	}

	analyzerJSON := ""
	artifactsDir := ""
	if entrypointsRunDir != "" {
		store := runstore.NewStore(cfg.Runs.Root, logger)
		_, dir, err := store.Resolve(entrypointsRunDir)
		if err != nil {
			return err
		}
		artifactsDir = dir
		analyzerJSON = filepath.Join(dir, tools.AnalyzerJSONArtifact)
	}

	eps, source, err := workbench.Enumerate(entrypointsTarget, analyzerJSON)
	if err != nil {
		return err
	}

	colorCyan.Printf("%d entry points (source: %s)\n", len(eps), source)
	for _, ep := range eps {
		name := ep.Function
		if ep.Contract != "" {
			name = ep.Contract + "." + ep.Function
		}
		line := fmt.Sprintf("  %s (%s", name, ep.Visibility)
		if ep.Mutability != "" {
			line += " " + ep.Mutability
		}
		line += ")"
		if ep.File != "" {
			line += fmt.Sprintf(" %s:%d", ep.File, ep.Line)
		}
		fmt.Println(line)
	}

	if artifactsDir != "" {
		paths, err := workbench.WriteArtifacts(eps, source, entrypointsTarget, artifactsDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			colorCyan.Printf("  wrote %s\n", p)
		}
	}
	return nil
}

func runCapabilities(cmd *cobra.Command, args []string) error {
	registry, err := capability.NewRegistry(cfg.Capabilities)
	if err != nil {
		return fmt.Errorf("%w: %v", kernel.ErrConfiguration, err)
	}

	var b strings.Builder
	b.WriteString("# Warden Capabilities\n\n")
	b.WriteString("| capability | cost | min level | idempotent | preconditions |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, c := range registry.Ordered() {
		idem := "no"
		if c.Idempotent {
			idem = "yes"
		}
		fmt.Fprintf(&b, "| %s | %d | %d | %s | %s |\n",
			c.Name, c.Cost, c.MinLevel, idem, requirementSummary(c))
	}
	fmt.Print(report.RenderTerm(b.String()))
	return nil
}

// requirementSummary renders a capability's gate chain the way the
// registry evaluates it, one clause per gate.
func requirementSummary(c capability.Capability) string {
	if c.Disabled {
		return "disabled (" + c.DisabledReason + ")"
	}
	var parts []string
	r := c.Requires
	if len(r.Executed) > 0 {
		parts = append(parts, "after "+strings.Join(r.Executed, ", "))
	}
	if r.NeedsAnalyzerJSON {
		parts = append(parts, "analyzer json on disk")
	}
	if r.MinFindings > 0 {
		parts = append(parts, fmt.Sprintf("findings >= %d", r.MinFindings))
	}
	if r.MinSignalScore > 0 {
		clause := fmt.Sprintf("signals >= %d", r.MinSignalScore)
		if r.MinGraphScore > 0 {
			clause += fmt.Sprintf(" or graph >= %d", r.MinGraphScore)
		}
		parts = append(parts, clause)
	}
	if r.TopConfidence != "" {
		parts = append(parts, fmt.Sprintf("top confidence >= %s", r.TopConfidence))
	}
	if r.RequireRepro {
		parts = append(parts, "reproduction required")
	}
	if r.MinRemainingBudget > 0 {
		parts = append(parts, fmt.Sprintf("budget headroom >= %d", r.MinRemainingBudget))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "; ")
}

func runWorkbench(cmd *cobra.Command, args []string) error {
	dir := args[0]
	paths, err := workbench.Scaffold(dir)
	if err != nil {
		return err
	}
	colorGreen.Printf("✓ scaffolded practice target in %s\n", dir)
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}
	fmt.Printf("\nAudit it with:\n  warden audit --target %s --cap 10\n", dir)
	return nil
}
