// Package dag holds a recipe definition's job graph as an arena of nodes with
// index-based edges.
package dag

import (
	"fmt"
	"sort"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// Node is one job of a recipe.
type Node struct {
	Name string
	Def  core.RecipeJobDef
}

// Edge runs from a predecessor to a dependant and carries the
// output-to-input connections between them.
type Edge struct {
	From, To    int
	Connections []core.Connection
}

// Graph is an immutable, cycle-free recipe job graph.
type Graph struct {
	nodes  []Node
	edges  []Edge
	byName map[string]int
	in     [][]int // edge indexes by dependant
	out    [][]int // edge indexes by predecessor
	order  []int
}

// Build derives the graph of a recipe definition. It rejects duplicate and
// unknown job names, recipe inputs that are not declared, and cycles.
func Build(def core.RecipeDefinition) (*Graph, error) {
	g := &Graph{byName: make(map[string]int, len(def.Jobs))}
	if len(def.Jobs) == 0 {
		return nil, fmt.Errorf("%w: no jobs", core.ErrInvalidRecipe)
	}

	declared := make(map[string]bool, len(def.InputData))
	for _, in := range def.InputData {
		declared[in.Name] = true
	}

	for _, j := range def.Jobs {
		if j.Name == "" {
			return nil, fmt.Errorf("%w: job without a name", core.ErrInvalidRecipe)
		}
		if _, dup := g.byName[j.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate job %q", core.ErrInvalidRecipe, j.Name)
		}
		for _, b := range j.RecipeInputs {
			if !declared[b.RecipeInput] {
				return nil, fmt.Errorf("%w: job %q binds undeclared recipe input %q", core.ErrInvalidRecipe, j.Name, b.RecipeInput)
			}
		}
		g.byName[j.Name] = len(g.nodes)
		g.nodes = append(g.nodes, Node{Name: j.Name, Def: j})
	}

	g.in = make([][]int, len(g.nodes))
	g.out = make([][]int, len(g.nodes))
	for to, n := range g.nodes {
		for _, dep := range n.Def.Dependencies {
			from, ok := g.byName[dep.Name]
			if !ok {
				return nil, fmt.Errorf("%w: job %q depends on unknown job %q", core.ErrInvalidRecipe, n.Name, dep.Name)
			}
			if from == to {
				return nil, fmt.Errorf("%w: job %q depends on itself", core.ErrRecipeCycle, n.Name)
			}
			g.in[to] = append(g.in[to], len(g.edges))
			g.out[from] = append(g.out[from], len(g.edges))
			g.edges = append(g.edges, Edge{From: from, To: to, Connections: dep.Connections})
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// Validate checks a recipe definition without keeping the graph.
func Validate(def core.RecipeDefinition) error {
	_, err := Build(def)
	return err
}

// topoSort runs Kahn's algorithm, taking ready nodes in definition order.
func (g *Graph) topoSort() ([]int, error) {
	indeg := make([]int, len(g.nodes))
	for _, e := range g.edges {
		indeg[e.To]++
	}
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Ints(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, ei := range g.out[n] {
			to := g.edges[ei].To
			indeg[to]--
			if indeg[to] == 0 {
				ready = append(ready, to)
			}
		}
	}

	if len(order) != len(g.nodes) {
		var stuck []string
		for i, d := range indeg {
			if d > 0 {
				stuck = append(stuck, g.nodes[i].Name)
			}
		}
		return nil, fmt.Errorf("%w: %v", core.ErrRecipeCycle, stuck)
	}
	return order, nil
}

// Len returns the number of jobs.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node at index i.
func (g *Graph) Node(i int) Node { return g.nodes[i] }

// Lookup returns the index of the named job.
func (g *Graph) Lookup(name string) (int, bool) {
	i, ok := g.byName[name]
	return i, ok
}

// Order returns the node indexes in topological order.
func (g *Graph) Order() []int {
	out := make([]int, len(g.order))
	copy(out, g.order)
	return out
}

// Incoming returns the edges into node i.
func (g *Graph) Incoming(i int) []Edge {
	return g.collect(g.in[i])
}

// Outgoing returns the edges out of node i.
func (g *Graph) Outgoing(i int) []Edge {
	return g.collect(g.out[i])
}

func (g *Graph) collect(idx []int) []Edge {
	edges := make([]Edge, len(idx))
	for k, ei := range idx {
		edges[k] = g.edges[ei]
	}
	return edges
}

// Roots returns the nodes without predecessors.
func (g *Graph) Roots() []int {
	var roots []int
	for i := range g.nodes {
		if len(g.in[i]) == 0 {
			roots = append(roots, i)
		}
	}
	return roots
}

// Descendants returns every node reachable from the given nodes, including
// them, in topological order.
func (g *Graph) Descendants(from ...int) []int {
	seen := make([]bool, len(g.nodes))
	stack := append([]int(nil), from...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		for _, ei := range g.out[n] {
			stack = append(stack, g.edges[ei].To)
		}
	}
	var out []int
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// Releasable reports whether node i may be queued: every predecessor has
// COMPLETED, or is optional and has ended without completing.
func (g *Graph) Releasable(i int, status map[string]core.JobStatus) bool {
	for _, ei := range g.in[i] {
		pred := g.nodes[g.edges[ei].From]
		s := status[pred.Name]
		if s == core.StatusCompleted {
			continue
		}
		if pred.Def.Optional && ended(s) {
			continue
		}
		return false
	}
	return true
}

func ended(s core.JobStatus) bool {
	switch s {
	case core.StatusFailed, core.StatusCanceled, core.StatusSuperseded:
		return true
	}
	return false
}

// Status derives a recipe's status from its jobs' statuses, keyed by job
// name. FAILED if any required job failed or was canceled; COMPLETED if every
// required job completed; RUNNING otherwise.
func (g *Graph) Status(status map[string]core.JobStatus) core.RecipeStatus {
	completed := true
	for _, n := range g.nodes {
		if n.Def.Optional {
			continue
		}
		switch status[n.Name] {
		case core.StatusFailed, core.StatusCanceled:
			return core.RecipeFailed
		case core.StatusCompleted:
		default:
			completed = false
		}
	}
	if completed {
		return core.RecipeCompleted
	}
	return core.RecipeRunning
}
