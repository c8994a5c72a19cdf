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
	"warden/internal/finding"
	"warden/internal/runner"
	"warden/internal/tools"
)

// GraphArtifact is the call-graph summary written next to the analyzer output.
const GraphArtifact = "call_graph.json"

const (
	CategoryGraphCycle      = "call_graph_cycle"
	CategoryPrivilegedEntry = "privileged_entrypoint"
	CategorySensitiveCall   = "sensitive_external_call"
)

// Graph mines the analyzer JSON for structural risk: call cycles,
// privileged entry points, and external calls reachable from them. It
// never re-runs the analyzer, so without the JSON artifact it skips.
type Graph struct {
	logger *zap.Logger
}

func NewGraph(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{logger: logger}
}

func (a *Graph) Name() string { return capability.GraphAnalysis }

func (a *Graph) Run(ctx context.Context, req runner.Request) (runner.Result, error) {
	jsonPath := filepath.Join(req.ArtifactsDir, tools.AnalyzerJSONArtifact)
	raw, err := os.ReadFile(jsonPath)
	if os.IsNotExist(err) {
		return runner.Skip(capability.GraphAnalysis, capability.ReasonAnalyzerJSONMissing, map[string]any{"path": jsonPath}), nil
	}
	if err != nil {
		return runner.Result{}, fmt.Errorf("read analyzer json: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return runner.Result{}, err
	}

	picture, err := analyzeCallGraph(raw)
	if err != nil {
		return runner.Result{}, fmt.Errorf("analyze call graph: %w", err)
	}

	res := runner.Result{
		Findings: picture.findings(),
		Graph: &runner.GraphSummary{
			Score:          picture.Score,
			Cycles:         len(picture.Cycles),
			Privileged:     len(picture.Privileged),
			SensitiveCalls: len(picture.Sensitive),
		},
		Summary: fmt.Sprintf("graph score %d (%d cycles, %d privileged, %d sensitive)",
			picture.Score, len(picture.Cycles), len(picture.Privileged), len(picture.Sensitive)),
	}

	artifact := filepath.Join(req.ArtifactsDir, GraphArtifact)
	if data, err := json.MarshalIndent(picture, "", "  "); err == nil {
		if err := os.WriteFile(artifact, data, 0o644); err != nil {
			a.logger.Warn("write call graph artifact failed", zap.Error(err))
		} else {
			res.ArtifactPaths = []string{artifact}
		}
	}
	return res, nil
}

// graphInputs is the slice of the analyzer JSON the graph pass cares
// about. Absent sections simply contribute nothing.
type graphInputs struct {
	CallGraph struct {
		Nodes []string `json:"nodes"`
		Edges []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"edges"`
	} `json:"call_graph"`
	FunctionCalls []struct {
		Caller string `json:"caller"`
		Callee string `json:"callee"`
	} `json:"function_calls"`
	Functions []struct {
		Name          string            `json:"name"`
		Visibility    string            `json:"visibility"`
		Modifiers     []string          `json:"modifiers"`
		Calls         []string          `json:"calls"`
		ExternalCalls []json.RawMessage `json:"external_calls"`
	} `json:"functions"`
}

type callGraphPicture struct {
	Score      int        `json:"score"`
	Cycles     [][]string `json:"cycles,omitempty"`
	Privileged []string   `json:"privileged_entry_points,omitempty"`
	Sensitive  []string   `json:"sensitive_external_calls,omitempty"`

	// sensitiveVia remembers which entry point reached each sensitive
	// call, for finding evidence. Keyed by function name.
	sensitiveVia map[string]string
}

var privilegeMarkers = []string{"owner", "admin", "role", "auth"}

func analyzeCallGraph(raw []byte) (*callGraphPicture, error) {
	var in graphInputs
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}

	nodes := map[string]bool{}
	adj := map[string]map[string]bool{}
	addEdge := func(from, to string) {
		if from == "" || to == "" {
			return
		}
		nodes[from] = true
		nodes[to] = true
		if adj[from] == nil {
			adj[from] = map[string]bool{}
		}
		adj[from][to] = true
	}
	for _, n := range in.CallGraph.Nodes {
		if n != "" {
			nodes[n] = true
		}
	}
	for _, e := range in.CallGraph.Edges {
		addEdge(e.From, e.To)
	}
	for _, c := range in.FunctionCalls {
		addEdge(c.Caller, c.Callee)
	}

	external := map[string]bool{}
	var privileged []string
	for _, fn := range in.Functions {
		if fn.Name == "" {
			continue
		}
		nodes[fn.Name] = true
		for _, callee := range fn.Calls {
			addEdge(fn.Name, callee)
		}
		if len(fn.ExternalCalls) > 0 {
			external[fn.Name] = true
		}
		if isPrivilegedEntry(fn.Visibility, fn.Modifiers) {
			privileged = append(privileged, fn.Name)
		}
	}
	sort.Strings(privileged)

	ordered := make([]string, 0, len(nodes))
	for n := range nodes {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)
	// Sorted adjacency keeps cycle and reachability output stable.
	sortedAdj := make(map[string][]string, len(adj))
	for from, tos := range adj {
		lst := make([]string, 0, len(tos))
		for to := range tos {
			lst = append(lst, to)
		}
		sort.Strings(lst)
		sortedAdj[from] = lst
	}

	pic := &callGraphPicture{
		Cycles:       findCycles(sortedAdj, ordered),
		Privileged:   privileged,
		sensitiveVia: map[string]string{},
	}
	for _, entry := range privileged {
		for fn := range reachableFrom(sortedAdj, entry) {
			if external[fn] {
				if _, ok := pic.sensitiveVia[fn]; !ok {
					pic.sensitiveVia[fn] = entry
					pic.Sensitive = append(pic.Sensitive, fn)
				}
			}
		}
	}
	sort.Strings(pic.Sensitive)

	if len(pic.Cycles) > 0 {
		pic.Score++
	}
	if len(pic.Privileged) > 0 {
		pic.Score++
	}
	if len(pic.Sensitive) > 0 {
		pic.Score++
	}
	return pic, nil
}

func isPrivilegedEntry(visibility string, modifiers []string) bool {
	v := strings.ToLower(visibility)
	if v != "public" && v != "external" {
		return false
	}
	for _, mod := range modifiers {
		m := strings.ToLower(mod)
		for _, marker := range privilegeMarkers {
			if strings.Contains(m, marker) {
				return true
			}
		}
	}
	return false
}

func (p *callGraphPicture) findings() []finding.Finding {
	var out []finding.Finding
	for _, cyc := range p.Cycles {
		path := strings.Join(cyc, " -> ") + " -> " + cyc[0]
		f := finding.Finding{
			Tool:        "call_graph",
			Category:    CategoryGraphCycle,
			Severity:    finding.SeverityMedium,
			Confidence:  finding.ConfidenceMedium,
			Description: "Call graph cycle: " + path,
			Location:    finding.Location{Function: cyc[0]},
		}
		if evidence, err := json.Marshal(map[string]any{"cycle": cyc}); err == nil {
			f.Evidence = evidence
		}
		out = append(out, f)
	}
	for _, name := range p.Privileged {
		out = append(out, finding.Finding{
			Tool:        "call_graph",
			Category:    CategoryPrivilegedEntry,
			Severity:    finding.SeverityMedium,
			Confidence:  finding.ConfidenceMedium,
			Description: fmt.Sprintf("Privileged entry point %s is externally reachable.", name),
			Location:    finding.Location{Function: name},
		})
	}
	for _, name := range p.Sensitive {
		f := finding.Finding{
			Tool:        "call_graph",
			Category:    CategorySensitiveCall,
			Severity:    finding.SeverityHigh,
			Confidence:  finding.ConfidenceMedium,
			Description: fmt.Sprintf("External call in %s is reachable from a privileged entry point.", name),
			Location:    finding.Location{Function: name},
		}
		if evidence, err := json.Marshal(map[string]any{"entrypoint": p.sensitiveVia[name]}); err == nil {
			f.Evidence = evidence
		}
		out = append(out, f)
	}
	return out
}

// findCycles walks the graph depth-first and reports each elementary
// cycle it closes, rotated to start at its smallest node so the same
// cycle never appears twice.
func findCycles(adj map[string][]string, ordered []string) [][]string {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var stack []string
	var cycles [][]string
	seen := map[string]bool{}

	var visit func(n string)
	visit = func(n string) {
		color[n] = grey
		stack = append(stack, n)
		for _, m := range adj[n] {
			switch color[m] {
			case white:
				visit(m)
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] != m {
						continue
					}
					cyc := canonicalCycle(stack[i:])
					key := strings.Join(cyc, "\x00")
					if !seen[key] {
						seen[key] = true
						cycles = append(cycles, cyc)
					}
					break
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
	}
	for _, n := range ordered {
		if color[n] == white {
			visit(n)
		}
	}
	sort.Slice(cycles, func(i, j int) bool {
		return strings.Join(cycles[i], "\x00") < strings.Join(cycles[j], "\x00")
	})
	return cycles
}

func canonicalCycle(cyc []string) []string {
	min := 0
	for i := range cyc {
		if cyc[i] < cyc[min] {
			min = i
		}
	}
	out := make([]string, 0, len(cyc))
	out = append(out, cyc[min:]...)
	out = append(out, cyc[:min]...)
	return out
}

func reachableFrom(adj map[string][]string, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range adj[n] {
			if !seen[m] {
				seen[m] = true
				queue = append(queue, m)
			}
		}
	}
	return seen
}
