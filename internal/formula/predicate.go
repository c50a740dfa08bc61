package formula

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

// Guard is the boolean expression attached to a directive via `if`. It is a
// conjunction of method-call-shaped predicates, evaluated left to right with
// short circuiting.
type Guard struct {
	All []*Predicate `parser:"@@ ('&&' @@)*"`
}

func (g *Guard) String() string {
	parts := make([]string, 0, len(g.All))
	for _, p := range g.All {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, " && ")
}

// Predicate is one guard term in its surface shape: a receiver chain with an
// optional index and an optional comparison or argument. Only a fixed set of
// shapes is ever interpreted; anything else is an evaluation error, never a
// silent false.
//
//	MacOS.version >= :catalina
//	Formula["curl"].any_version_installed?
//	build.with? "debug"
//	DevelopmentTools.clang_build_version >= 1500
type Predicate struct {
	Pos lexer.Position

	Head  string   `parser:"@Ident"`
	Index string   `parser:"('[' @String ']')?"`
	Calls []string `parser:"('.' @Ident)*"`
	Op    string   `parser:"( @('<=' | '>=' | '==' | '<' | '>')"`
	Sym   Symbol   `parser:"  ( @Symbol"`
	Num   string   `parser:"  | @Number )"`
	Arg   string   `parser:"| @String )?"`
}

// Path returns the dotted receiver chain, eg. "MacOS.version".
func (p *Predicate) Path() string {
	return strings.Join(append([]string{p.Head}, p.Calls...), ".")
}

func (p *Predicate) String() string {
	out := p.Head
	if p.Index != "" {
		out += fmt.Sprintf("[%q]", p.Index)
	}
	for _, call := range p.Calls {
		out += "." + call
	}
	if p.Op != "" {
		if p.Sym != "" {
			out += fmt.Sprintf(" %s :%s", p.Op, p.Sym)
		} else {
			out += fmt.Sprintf(" %s %s", p.Op, p.Num)
		}
	} else if p.Arg != "" {
		out += fmt.Sprintf(" %q", p.Arg)
	}
	return out
}
