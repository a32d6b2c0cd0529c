package engine

import (
	"fmt"
	"sort"
	"strings"
)

// StepGraph is the validated dependency graph of the creation pipeline.
type StepGraph struct {
	// Nodes maps each step to its node.
	Nodes map[Step]*StepNode

	// Levels groups steps that may run concurrently, in execution order.
	Levels [][]Step

	// Roots are the steps without dependencies.
	Roots []Step

	// Depth is the number of levels.
	Depth int
}

// StepNode is one step of a StepGraph.
type StepNode struct {
	Step         Step
	Level        int
	Dependencies []Step
	Dependents   []Step
}

// Order returns every step in a valid topological order.
func (g *StepGraph) Order() []Step {
	out := make([]Step, 0, len(g.Nodes))
	for _, level := range g.Levels {
		out = append(out, level...)
	}
	return out
}

// DAGBuilder builds a StepGraph from a dependency map.
// It rejects unknown steps and cycles, and assigns execution levels.
type DAGBuilder struct {
	// adjacencyList maps steps to their dependents
	adjacencyList map[Step][]Step

	// reverseAdjacencyList maps steps to their dependencies
	reverseAdjacencyList map[Step][]Step

	// inDegree tracks the number of incoming edges for each node
	inDegree map[Step]int

	// levels maps execution level to steps at that level
	levels [][]Step
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		adjacencyList:        make(map[Step][]Step),
		reverseAdjacencyList: make(map[Step][]Step),
		inDegree:             make(map[Step]int),
	}
}

// BuildGraph validates deps and computes the execution levels.
func (b *DAGBuilder) BuildGraph(deps map[Step][]Step) (*StepGraph, error) {
	if err := b.initialize(deps); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}
	return b.buildStepGraph(), nil
}

func (b *DAGBuilder) initialize(deps map[Step][]Step) error {
	for step := range deps {
		if err := step.Validate(); err != nil {
			return NewPermanentError("invalid step in graph", err).WithCode(ErrCodeValidation)
		}
		b.adjacencyList[step] = nil
		b.reverseAdjacencyList[step] = nil
		b.inDegree[step] = 0
	}

	for _, step := range sortedSteps(deps) {
		for _, dep := range deps[step] {
			if _, exists := deps[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("step %s depends on unknown step %s", step, dep), nil,
				).WithCode(ErrCodeValidation)
			}
			// dependency must complete before step can start
			b.adjacencyList[dep] = append(b.adjacencyList[dep], step)
			b.reverseAdjacencyList[step] = append(b.reverseAdjacencyList[step], dep)
			b.inDegree[step]++
		}
	}
	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[Step]bool)
	recStack := make(map[Step]bool)

	for _, step := range sortedSteps(b.adjacencyList) {
		if visited[step] {
			continue
		}
		if cycle := b.detectCyclesUtil(step, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil,
			).WithCode(ErrCodeValidation)
		}
	}
	return nil
}

func (b *DAGBuilder) detectCyclesUtil(step Step, visited, recStack map[Step]bool, path []Step) []Step {
	visited[step] = true
	recStack[step] = true
	path = append(path, step)

	for _, dependent := range b.adjacencyList[step] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, s := range path {
				if s == dependent {
					return append(append([]Step{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[step] = false
	return nil
}

// computeLevels assigns execution levels using Kahn's algorithm.
// Steps at the same level can run in parallel.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[Step]int, len(b.inDegree))
	for step, degree := range b.inDegree {
		inDegree[step] = degree
	}

	var current []Step
	for _, step := range sortedSteps(inDegree) {
		if inDegree[step] == 0 {
			current = append(current, step)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		var next []Step
		for _, step := range current {
			for _, dependent := range b.adjacencyList[step] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		current = next
	}

	if processed != len(b.inDegree) {
		return NewPermanentError("failed to process all steps - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

func (b *DAGBuilder) buildStepGraph() *StepGraph {
	graph := &StepGraph{
		Nodes:  make(map[Step]*StepNode, len(b.inDegree)),
		Levels: b.levels,
		Depth:  len(b.levels),
	}
	for level, steps := range b.levels {
		for _, step := range steps {
			graph.Nodes[step] = &StepNode{
				Step:         step,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[step],
				Dependents:   b.adjacencyList[step],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, step)
			}
		}
	}
	return graph
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *StepGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph CreationPipeline {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, steps := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, step := range steps {
			sb.WriteString(fmt.Sprintf("    %q;\n", step))
		}
		sb.WriteString("  }\n\n")
	}

	for _, step := range g.Order() {
		for _, dep := range g.Nodes[step].Dependencies {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, step))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []Step) string {
	parts := make([]string, len(cycle))
	for i, s := range cycle {
		parts[i] = string(s)
	}
	return strings.Join(parts, " -> ")
}

func sortedSteps[V any](m map[Step]V) []Step {
	out := make([]Step, 0, len(m))
	for step := range m {
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
