package module

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the dependency graph of a registry. An edge runs from a
// dependency to each module that declares it in depends_on.
type Graph struct {
	// Nodes maps module ids to graph nodes.
	Nodes map[string]*GraphNode

	// Levels groups module ids that may start together. Level 0 has no
	// dependencies.
	Levels [][]string

	// Depth is the number of levels.
	Depth int
}

// GraphNode is one module in the dependency graph.
type GraphNode struct {
	ID           string
	Dependencies []string
	Dependents   []string
	Level        int
}

// DependenciesOf returns the direct dependencies of id.
func (g *Graph) DependenciesOf(id string) []string {
	if g == nil {
		return nil
	}
	if n, ok := g.Nodes[id]; ok {
		return n.Dependencies
	}
	return nil
}

// DependentsOf returns the modules that directly depend on id.
func (g *Graph) DependentsOf(id string) []string {
	if g == nil {
		return nil
	}
	if n, ok := g.Nodes[id]; ok {
		return n.Dependents
	}
	return nil
}

// graphBuilder computes levels with Kahn's algorithm and isolates cycles.
type graphBuilder struct {
	deps       map[string][]string
	dependents map[string][]string
	inDegree   map[string]int
}

func newGraphBuilder(descs map[string]*Descriptor) *graphBuilder {
	b := &graphBuilder{
		deps:       make(map[string][]string, len(descs)),
		dependents: make(map[string][]string, len(descs)),
		inDegree:   make(map[string]int, len(descs)),
	}
	for id, d := range descs {
		b.deps[id] = append([]string(nil), d.DependsOn...)
		b.inDegree[id] = len(d.DependsOn)
		if _, ok := b.dependents[id]; !ok {
			b.dependents[id] = nil
		}
		for _, dep := range d.DependsOn {
			b.dependents[dep] = append(b.dependents[dep], id)
		}
	}
	return b
}

// levels returns the topological levels and the ids that could not be
// ordered because they sit on or behind a cycle.
func (b *graphBuilder) levels() ([][]string, []string) {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, n := range b.inDegree {
		inDegree[id] = n
	}

	current := make([]string, 0)
	for id, n := range inDegree {
		if n == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	placed := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		placed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if placed == len(inDegree) {
		return levels, nil
	}

	blocked := make([]string, 0, len(inDegree)-placed)
	for id, n := range inDegree {
		if n > 0 {
			blocked = append(blocked, id)
		}
	}
	sort.Strings(blocked)
	return levels, blocked
}

// findCycle returns one dependency cycle reachable from start, formatted as
// "a -> b -> a", or "" when start only depends on a cycle.
func (b *graphBuilder) findCycle(start string) string {
	visited := make(map[string]bool)
	onPath := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(id string) string
	dfs = func(id string) string {
		visited[id] = true
		onPath[id] = true
		path = append(path, id)

		for _, dep := range b.deps[id] {
			if onPath[dep] {
				for i, p := range path {
					if p == dep {
						cycle := append(append([]string(nil), path[i:]...), dep)
						return strings.Join(cycle, " -> ")
					}
				}
			}
			if !visited[dep] {
				if c := dfs(dep); c != "" {
					return c
				}
			}
		}

		onPath[id] = false
		path = path[:len(path)-1]
		return ""
	}

	cycle := dfs(start)
	if cycle == "" || !strings.HasPrefix(cycle, start+" ") {
		return ""
	}
	return cycle
}

func (b *graphBuilder) build(levels [][]string) *Graph {
	g := &Graph{
		Nodes:  make(map[string]*GraphNode, len(b.deps)),
		Levels: levels,
		Depth:  len(levels),
	}
	for level, ids := range levels {
		for _, id := range ids {
			dependents := append([]string(nil), b.dependents[id]...)
			sort.Strings(dependents)
			g.Nodes[id] = &GraphNode{
				ID:           id,
				Dependencies: b.deps[id],
				Dependents:   dependents,
				Level:        level,
			}
		}
	}
	return g
}

// cycleReason describes why id was excluded by the cycle check.
func (b *graphBuilder) cycleReason(id string) string {
	if cycle := b.findCycle(id); cycle != "" {
		return fmt.Sprintf("dependency cycle: %s", cycle)
	}
	return "depends on a module in a dependency cycle"
}
