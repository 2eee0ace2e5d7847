package engine

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Reserved names at the output root that no artifact may claim.
const (
	ManifestFile = ".manifest.db"
	LockFile     = ".egaboot.lock"
)

// Graph holds declared artifacts and their dependency edges.
// Artifacts may be declared in any order; edges are resolved lazily.
type Graph struct {
	// artifacts maps identifiers to their declarations
	artifacts map[string]*Artifact

	// declared keeps declaration order, used to break ordering ties
	declared []string

	// index maps identifiers to their declaration position
	index map[string]int

	// owners maps output paths to the artifact that produces them
	owners map[string]string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		artifacts: make(map[string]*Artifact),
		declared:  make([]string, 0),
		index:     make(map[string]int),
		owners:    make(map[string]string),
	}
}

// Declare adds an artifact to the graph. Dependencies may reference
// artifacts that are declared later.
func (g *Graph) Declare(a Artifact) error {
	if a.ID == "" {
		return NewValidationError("artifact has empty identifier", nil)
	}
	if _, exists := g.artifacts[a.ID]; exists {
		return NewValidationError(fmt.Sprintf("duplicate artifact identifier: %s", a.ID), nil).
			WithArtifact(a.ID).
			WithCode(ErrCodeDuplicate)
	}
	if a.Generate == nil {
		return NewValidationError("artifact has no generator", nil).WithArtifact(a.ID)
	}
	if len(a.Outputs) == 0 {
		return NewValidationError("artifact declares no outputs", nil).WithArtifact(a.ID)
	}

	seenDeps := make(map[string]bool, len(a.Dependencies))
	for _, dep := range a.Dependencies {
		if dep == a.ID {
			return NewCycleError([]string{a.ID, a.ID}).WithArtifact(a.ID)
		}
		if seenDeps[dep] {
			return NewValidationError(fmt.Sprintf("dependency %s listed twice", dep), nil).WithArtifact(a.ID)
		}
		seenDeps[dep] = true
	}

	outputs := make([]Output, len(a.Outputs))
	seenOutputs := make(map[string]bool, len(a.Outputs))
	for i, out := range a.Outputs {
		clean, err := cleanOutputPath(out.Path)
		if err != nil {
			return NewValidationError("invalid output path", err).WithArtifact(a.ID).WithPath(out.Path)
		}
		if seenOutputs[clean] {
			return NewValidationError("output listed twice", nil).
				WithArtifact(a.ID).
				WithPath(clean).
				WithCode(ErrCodeDuplicate)
		}
		seenOutputs[clean] = true
		if owner, taken := g.owners[clean]; taken {
			return NewValidationError(fmt.Sprintf("output already produced by %s", owner), nil).
				WithArtifact(a.ID).
				WithPath(clean).
				WithCode(ErrCodeDuplicate)
		}
		outputs[i] = Output{Path: clean, Perm: out.Perm}
	}
	for _, out := range outputs {
		g.owners[out.Path] = a.ID
	}

	artifact := a
	artifact.Outputs = outputs
	artifact.Dependencies = append([]string(nil), a.Dependencies...)

	g.artifacts[a.ID] = &artifact
	g.index[a.ID] = len(g.declared)
	g.declared = append(g.declared, a.ID)
	return nil
}

// Artifact returns the declaration for id.
func (g *Graph) Artifact(id string) (*Artifact, bool) {
	a, ok := g.artifacts[id]
	return a, ok
}

// IDs returns all identifiers in declaration order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.declared...)
}

// Len returns the number of declared artifacts.
func (g *Graph) Len() int {
	return len(g.declared)
}

// Owner returns the artifact that produces the output at p.
func (g *Graph) Owner(p string) (string, bool) {
	id, ok := g.owners[path.Clean(p)]
	return id, ok
}

// Group returns the identifiers named by a group alias, in declaration order.
func (g *Graph) Group(name string) ([]string, error) {
	switch name {
	case GroupAll:
		return g.IDs(), nil
	case GroupSecrets, GroupCerts, GroupUsers, GroupConfigs:
	default:
		return nil, NewValidationError(fmt.Sprintf("unknown group alias: %s", name), nil).
			WithCode(ErrCodeUnknownArtifact)
	}

	ids := make([]string, 0)
	for _, id := range g.declared {
		if g.artifacts[id].Kind.Group() == name {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Dependents returns the identifiers that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	dependents := make([]string, 0)
	for _, other := range g.declared {
		for _, dep := range g.artifacts[other].Dependencies {
			if dep == id {
				dependents = append(dependents, other)
				break
			}
		}
	}
	return dependents
}

// Validate checks that every dependency is declared and that the graph
// has no cycles.
func (g *Graph) Validate() error {
	for _, id := range g.declared {
		for _, dep := range g.artifacts[id].Dependencies {
			if _, exists := g.artifacts[dep]; !exists {
				return NewValidationError(
					fmt.Sprintf("artifact %s depends on undeclared artifact %s", id, dep), nil,
				).WithArtifact(id).WithCode(ErrCodeUnknownArtifact)
			}
		}
	}
	return g.detectCycles()
}

// ResolveOrder expands targets (identifiers or group aliases) to their
// transitive dependency closure and returns it in topological order.
// Ties are broken by declaration order so the result is deterministic.
// No targets means every artifact.
func (g *Graph) ResolveOrder(targets []string) ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	roots, err := g.expandTargets(targets)
	if err != nil {
		return nil, err
	}

	closure := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if closure[id] {
			return
		}
		closure[id] = true
		for _, dep := range g.artifacts[id].Dependencies {
			visit(dep)
		}
	}
	for _, id := range roots {
		visit(id)
	}

	return g.topoSort(closure)
}

// Levels groups an ordered set of identifiers into dependency levels.
// Artifacts within a level do not depend on one another.
func (g *Graph) Levels(order []string) [][]string {
	level := make(map[string]int, len(order))
	levels := make([][]string, 0)
	for _, id := range order {
		l := 0
		for _, dep := range g.artifacts[id].Dependencies {
			if dl, ok := level[dep]; ok && dl+1 > l {
				l = dl + 1
			}
		}
		level[id] = l
		for len(levels) <= l {
			levels = append(levels, make([]string, 0))
		}
		levels[l] = append(levels[l], id)
	}
	return levels
}

func (g *Graph) expandTargets(targets []string) ([]string, error) {
	if len(targets) == 0 {
		return g.IDs(), nil
	}

	ids := make([]string, 0, len(targets))
	for _, target := range targets {
		if _, ok := g.artifacts[target]; ok {
			ids = append(ids, target)
			continue
		}
		group, err := g.Group(target)
		if err != nil {
			return nil, NewValidationError(fmt.Sprintf("unknown build target: %s", target), nil).
				WithCode(ErrCodeUnknownArtifact)
		}
		ids = append(ids, group...)
	}
	return ids, nil
}

// topoSort orders the selected nodes with Kahn's algorithm.
func (g *Graph) topoSort(selected map[string]bool) ([]string, error) {
	inDegree := make(map[string]int, len(selected))
	dependents := make(map[string][]string, len(selected))
	for id := range selected {
		inDegree[id] += 0
		for _, dep := range g.artifacts[id].Dependencies {
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	ready := make([]string, 0)
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	g.sortByDeclaration(ready)

	order := make([]string, 0, len(selected))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		unlocked := false
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
				unlocked = true
			}
		}
		if unlocked {
			g.sortByDeclaration(ready)
		}
	}

	if len(order) != len(selected) {
		return nil, NewValidationError("failed to order all artifacts - possible cycle", nil).
			WithCode(ErrCodeCycle)
	}
	return order, nil
}

func (g *Graph) sortByDeclaration(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return g.index[ids[i]] < g.index[ids[j]]
	})
}

// detectCycles uses depth-first search to find a dependency cycle.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range g.declared {
		if visited[id] {
			continue
		}
		if cycle := g.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewCycleError(cycle)
		}
	}
	return nil
}

func (g *Graph) detectCyclesUtil(id string, visited, recStack map[string]bool, trail []string) []string {
	visited[id] = true
	recStack[id] = true
	trail = append(trail, id)

	for _, dep := range g.artifacts[id].Dependencies {
		if !visited[dep] {
			if cycle := g.detectCyclesUtil(dep, visited, recStack, trail); cycle != nil {
				return cycle
			}
		} else if recStack[dep] {
			for i, member := range trail {
				if member == dep {
					cycle := append([]string(nil), trail[i:]...)
					return append(cycle, dep)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// ToDOT renders the ordered subgraph in Graphviz DOT format, one cluster
// per dependency level.
func (g *Graph) ToDOT(order []string) string {
	var sb strings.Builder

	sb.WriteString("digraph Artifacts {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels(order) {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			a := g.artifacts[id]
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, id, a.Kind, kindColor(a.Kind))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range order {
		for _, dep := range g.artifacts[id].Dependencies {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, id)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func kindColor(k Kind) string {
	switch k {
	case KindSecret:
		return "lightcoral"
	case KindCA, KindCert:
		return "lightblue"
	case KindUser:
		return "lightyellow"
	case KindConfig:
		return "lightgreen"
	case KindTopology:
		return "lightgray"
	default:
		return "white"
	}
}

func cleanOutputPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if path.IsAbs(p) || strings.Contains(p, "\\") {
		return "", fmt.Errorf("path %q must be relative to the output root", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the output root", p)
	}
	if clean == ManifestFile || strings.HasPrefix(clean, ManifestFile+"-") || clean == LockFile {
		return "", fmt.Errorf("path %q is reserved", p)
	}
	return clean, nil
}
