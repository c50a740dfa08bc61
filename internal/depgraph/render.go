package depgraph

import (
	"fmt"
	"io"

	"github.com/relikd/cellar/internal/formula"
	"github.com/relikd/cellar/internal/resolve"
)

// Tree writes a box-drawing dependency tree for root to w. reverse renders
// dependents instead of dependencies. A node already on the current path is
// printed but not descended into: optional and recommended edges may form
// cycles that graph construction accepts.
func (g *Graph) Tree(w io.Writer, root string, reverse bool, kinds ...formula.Kind) {
	fmt.Fprintln(w, root)
	g.treeLevel(w, root, "", map[string]bool{root: true}, reverse, kinds)
}

func (g *Graph) treeLevel(w io.Writer, name, prefix string, path map[string]bool, reverse bool, kinds []formula.Kind) {
	var children []string
	if reverse {
		children = g.Reverse(name)
	} else {
		children = g.Forward(name, kinds...)
	}
	for i, child := range children {
		connector, indent := "├── ", "│   "
		if i == len(children)-1 {
			connector, indent = "└── ", "    "
		}
		fmt.Fprintf(w, "%s%s%s\n", prefix, connector, child)
		if path[child] {
			continue
		}
		path[child] = true
		g.treeLevel(w, child, prefix+indent, path, reverse, kinds)
		delete(path, child)
	}
}

// Dot writes the subgraph reachable from roots in Graphviz dot format.
// Parallel edges between the same pair of formulas collapse to one, keeping
// the first-seen kind. An empty roots slice renders the whole graph. reverse
// walks dependents instead of dependencies; edge direction is unchanged.
func (g *Graph) Dot(w io.Writer, roots []string, reverse bool, kinds ...formula.Kind) {
	if len(roots) == 0 {
		roots = g.order
	}
	fmt.Fprintln(w, "digraph deps {")
	filter := g.kindFilter(kinds)
	seen := map[[2]string]bool{}
	edge := func(from string, req resolve.Requirement) {
		key := [2]string{from, req.Target}
		if seen[key] {
			return
		}
		seen[key] = true
		switch req.Kind {
		case formula.Runtime:
			fmt.Fprintf(w, "  %q -> %q;\n", from, req.Target)
		default:
			fmt.Fprintf(w, "  %q -> %q [style=dashed, label=%q];\n", from, req.Target, string(req.Kind))
		}
	}
	var emit func(name string)
	if reverse {
		emit = func(name string) {
			for _, dependent := range g.reverse[name] {
				for _, req := range g.forward[dependent] {
					if req.Target != name || !filter[req.Kind] {
						continue
					}
					before := len(seen)
					edge(dependent, req)
					if len(seen) > before {
						emit(dependent)
					}
				}
			}
		}
	} else {
		emit = func(name string) {
			for _, req := range g.forward[name] {
				if !filter[req.Kind] {
					continue
				}
				before := len(seen)
				edge(name, req)
				if len(seen) > before {
					emit(req.Target)
				}
			}
		}
	}
	for _, root := range roots {
		emit(root)
	}
	fmt.Fprintln(w, "}")
}
