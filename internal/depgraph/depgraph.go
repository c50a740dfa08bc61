// Package depgraph merges per-formula requirement lists into one directed
// dependency graph and answers traversal queries over it.
package depgraph

import (
	"fmt"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/relikd/cellar/internal/formula"
	"github.com/relikd/cellar/internal/resolve"
)

// CycleError reports a dependency cycle. Package graphs are expected to be a
// DAG; a cycle is an authoring defect that must be surfaced, never silently
// broken by dropping an arbitrary edge.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

type graphOptions struct {
	defaultKinds []formula.Kind
}

type Option func(*graphOptions)

// WithDefaultKinds sets the kind filter used by queries when the caller does
// not name kinds explicitly. The default excludes build and test edges.
func WithDefaultKinds(kinds ...formula.Kind) Option {
	return func(o *graphOptions) { o.defaultKinds = kinds }
}

// Graph is the merged dependency graph of the formula universe. It is
// immutable after Build and safe for concurrent queries.
type Graph struct {
	defaultKinds map[formula.Kind]bool
	order        []string // known formulas in observation order
	known        map[string]bool
	forward      map[string][]resolve.Requirement
	reverse      map[string][]string // target -> dependents, observation order
}

// Build merges resolved requirement sequences into one graph under a single
// writer, then runs cycle detection over runtime, build and test edges.
// Partial graphs are never returned.
func Build(resolutions []*resolve.Resolution, options ...Option) (*Graph, error) {
	opts := &graphOptions{
		defaultKinds: []formula.Kind{formula.Runtime, formula.Recommended, formula.Optional},
	}
	for _, opt := range options {
		opt(opts)
	}

	g := &Graph{
		defaultKinds: make(map[formula.Kind]bool, len(opts.defaultKinds)),
		known:        make(map[string]bool, len(resolutions)),
		forward:      make(map[string][]resolve.Requirement, len(resolutions)),
		reverse:      make(map[string][]string),
	}
	for _, kind := range opts.defaultKinds {
		g.defaultKinds[kind] = true
	}

	for _, res := range resolutions {
		if g.known[res.Formula] {
			return nil, errors.Errorf("duplicate formula %q", res.Formula)
		}
		g.known[res.Formula] = true
		g.order = append(g.order, res.Formula)
		g.forward[res.Formula] = res.Requirements
		for _, req := range res.Requirements {
			if !contains(g.reverse[req.Target], res.Formula) {
				g.reverse[req.Target] = append(g.reverse[req.Target], res.Formula)
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, errors.WithStack(&CycleError{Cycle: cycle})
	}
	return g, nil
}

// Known reports whether name is a formula in the universe.
func (g *Graph) Known(name string) bool { return g.known[name] }

// Formulas returns all known formula names in observation order.
func (g *Graph) Formulas() []string { return g.order }

// Forward returns the direct dependency targets of name, filtered by kinds
// (default filter when none given), deduplicated in declaration order.
func (g *Graph) Forward(name string, kinds ...formula.Kind) []string {
	filter := g.kindFilter(kinds)
	var out []string
	for _, req := range g.forward[name] {
		if filter[req.Kind] && !contains(out, req.Target) {
			out = append(out, req.Target)
		}
	}
	return out
}

// Reverse returns every formula whose requirements reference name, in the
// order the graph builder observed their definitions.
func (g *Graph) Reverse(name string) []string {
	return g.reverse[name]
}

// All returns the transitive dependency closure of name in breadth-first,
// declaration order. name itself is excluded.
func (g *Graph) All(name string, kinds ...formula.Kind) []string {
	filter := g.kindFilter(kinds)
	var out []string
	queue := []string{name}
	seen := map[string]bool{name: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, req := range g.forward[current] {
			if !filter[req.Kind] || seen[req.Target] {
				continue
			}
			seen[req.Target] = true
			out = append(out, req.Target)
			queue = append(queue, req.Target)
		}
	}
	return out
}

// AllReverse returns every formula that transitively depends on name.
func (g *Graph) AllReverse(name string) []string {
	var out []string
	queue := []string{name}
	seen := map[string]bool{name: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range g.reverse[current] {
			if seen[dependent] {
				continue
			}
			seen[dependent] = true
			out = append(out, dependent)
			queue = append(queue, dependent)
		}
	}
	return out
}

// Leaves returns formulas that no other known formula depends on through a
// runtime or build edge, in observation order.
func (g *Graph) Leaves() []string {
	depended := map[string]bool{}
	for _, name := range g.order {
		for _, req := range g.forward[name] {
			if req.Kind == formula.Runtime || req.Kind == formula.Build {
				depended[req.Target] = true
			}
		}
	}
	var out []string
	for _, name := range g.order {
		if !depended[name] {
			out = append(out, name)
		}
	}
	return out
}

// Missing returns, for each formula in the installed set, its requirement
// targets absent from that set. Iteration order of the result's keys is not
// deterministic; callers sort for display.
func (g *Graph) Missing(installed map[string]bool) map[string][]string {
	missing := map[string][]string{}
	for _, name := range g.order {
		if !installed[name] {
			continue
		}
		for _, req := range g.forward[name] {
			if !g.defaultKinds[req.Kind] && req.Kind != formula.Build {
				continue
			}
			if !installed[req.Target] && !contains(missing[name], req.Target) {
				missing[name] = append(missing[name], req.Target)
			}
		}
	}
	return missing
}

// Obsolete returns the set of formulas that would no longer be needed if the
// given roots were removed: the roots plus every transitive dependency not
// reachable from any surviving formula.
func (g *Graph) Obsolete(roots []string) map[string]bool {
	removed := map[string]bool{}
	for _, root := range roots {
		removed[root] = true
		for _, dep := range g.All(root) {
			removed[dep] = true
		}
	}
	// Keep anything some survivor still depends on.
	changed := true
	for changed {
		changed = false
		for name := range removed {
			for _, dependent := range g.reverse[name] {
				if !removed[dependent] {
					delete(removed, name)
					changed = true
					break
				}
			}
		}
	}
	for _, root := range roots {
		removed[root] = true
	}
	return removed
}

// findCycle runs a depth-first three-color walk over runtime, build and test
// edges. Returns the cycle path when one exists.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.order))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		stack = append(stack, name)
		for _, req := range g.forward[name] {
			switch req.Kind {
			case formula.Runtime, formula.Build, formula.Test:
			default:
				continue
			}
			if !g.known[req.Target] {
				continue
			}
			switch color[req.Target] {
			case grey:
				// Slice the cycle out of the current path.
				for i, on := range stack {
					if on == req.Target {
						cycle = append(append(cycle, stack[i:]...), req.Target)
						return true
					}
				}
			case white:
				if visit(req.Target) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	for _, name := range g.order {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return nil
}

func (g *Graph) kindFilter(kinds []formula.Kind) map[formula.Kind]bool {
	if len(kinds) == 0 {
		return g.defaultKinds
	}
	filter := make(map[formula.Kind]bool, len(kinds))
	for _, kind := range kinds {
		filter[kind] = true
	}
	return filter
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
