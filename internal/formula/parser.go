// Package formula implements a parser for package definition files.
//
// The accepted language is a restricted, method-call-shaped subset of the
// upstream formula DSL: dependency stanzas, OS-provided-copy stanzas, nested
// conditional blocks, options, and a handful of metadata stanzas. Guards are
// parsed into a Predicate AST and interpreted later against a fixed set of
// forms; no host code is ever executed.
package formula

import (
	"fmt"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/relikd/cellar/internal/platform"
)

func knownRelease(name string) bool {
	_, err := platform.ReleaseNamed(name)
	return err == nil
}

var (
	documentParser = participle.MustBuild[document](
		participle.Lexer(formulaLexer),
		participle.Union[Directive](
			&DependsOn{}, &UsesFromMacOS{}, &OnBlock{}, &Option{},
			&SystemRequirement{}, &Desc{}, &Homepage{}, &KegOnly{},
		),
		participle.Elide("Whitespace", "Comment"),
		participle.Unquote("String"),
		participle.UseLookahead(3),
	)
	formulaLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "Comment", Pattern: `#[^\n]*`},
		{Name: "String", Pattern: `"(\\.|[^"])*"`},
		{Name: "Symbol", Pattern: `:[a-zA-Z_][a-zA-Z0-9_]*`},
		{Name: "On", Pattern: `on_[a-z][a-z0-9_]*`},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*[?!]?`},
		{Name: "Number", Pattern: `[0-9]+(\.[0-9]+)*`},
		{Name: "Op", Pattern: `=>|<=|>=|==|&&|<|>`},
		{Name: "Punct", Pattern: `[\[\],.:]`},
		{Name: "Whitespace", Pattern: `\s+`},
	})
)

type document struct {
	Class      string      `parser:"'class' @Ident '<' 'Formula'"`
	Directives []Directive `parser:"@@* 'end'"`
}

// Symbol captures a `:name` token without its leading colon.
type Symbol string

func (s *Symbol) Capture(values []string) error {
	*s = Symbol(strings.TrimPrefix(values[0], ":"))
	return nil
}

// Kind classifies a dependency requirement.
type Kind string

const (
	Runtime     Kind = "runtime"
	Build       Kind = "build"
	Test        Kind = "test"
	Recommended Kind = "recommended"
	Optional    Kind = "optional"
)

var validKinds = map[Kind]bool{Build: true, Test: true, Recommended: true, Optional: true}

// Directive is one parsed unit from a formula.
type Directive interface {
	directive()
	// Validate the directive after parsing.
	Validate() error
	String() string
}

// Tag is a single `=>` modifier: either a kind symbol or an option string.
type Tag struct {
	Kind   Symbol `parser:"@Symbol"`
	Option string `parser:"| @String"`
}

func (t Tag) Validate() error {
	if t.Kind != "" && !validKinds[Kind(t.Kind)] {
		return errors.Errorf("unknown dependency tag :%s", t.Kind)
	}
	return nil
}

// DependsOn declares a dependency on another formula, optionally tagged and
// guarded.
type DependsOn struct {
	Pos lexer.Position

	Target string `parser:"'depends_on' @String"`
	Tags   []Tag  `parser:"('=>' (@@ | '[' @@ (',' @@)* ']'))?"`
	Guard  *Guard `parser:"('if' @@)?"`
}

func (d *DependsOn) directive() {}
func (d *DependsOn) Validate() error {
	for _, tag := range d.Tags {
		if err := tag.Validate(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Kinds returns the declared kind tags, defaulting to runtime when none are
// given.
func (d *DependsOn) Kinds() []Kind {
	var kinds []Kind
	for _, tag := range d.Tags {
		if tag.Kind != "" {
			kinds = append(kinds, Kind(tag.Kind))
		}
	}
	if len(kinds) == 0 {
		kinds = []Kind{Runtime}
	}
	return kinds
}

// Options returns the option strings attached to the stanza.
func (d *DependsOn) Options() []string {
	var opts []string
	for _, tag := range d.Tags {
		if tag.Option != "" {
			opts = append(opts, tag.Option)
		}
	}
	return opts
}

func (d *DependsOn) String() string {
	out := fmt.Sprintf("depends_on %q", d.Target)
	if len(d.Tags) > 0 {
		parts := make([]string, 0, len(d.Tags))
		for _, tag := range d.Tags {
			if tag.Kind != "" {
				parts = append(parts, ":"+string(tag.Kind))
			} else {
				parts = append(parts, fmt.Sprintf("%q", tag.Option))
			}
		}
		out += " => [" + strings.Join(parts, ", ") + "]"
	}
	if d.Guard != nil {
		out += " if " + d.Guard.String()
	}
	return out
}

// UsesFromMacOS declares a dependency supplied by the operating system on
// macOS at or above Since.
type UsesFromMacOS struct {
	Pos lexer.Position

	Target string `parser:"'uses_from_macos' @String"`
	Tags   []Tag  `parser:"('=>' (@@ | '[' @@ (',' @@)* ']'))?"`
	Since  Symbol `parser:"(',' 'since' ':' @Symbol)?"`
}

func (u *UsesFromMacOS) directive() {}
func (u *UsesFromMacOS) Validate() error {
	for _, tag := range u.Tags {
		if err := tag.Validate(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Kinds returns the explicitly declared kind tags, defaulting to runtime.
func (u *UsesFromMacOS) Kinds() []Kind {
	var kinds []Kind
	for _, tag := range u.Tags {
		if tag.Kind != "" {
			kinds = append(kinds, Kind(tag.Kind))
		}
	}
	if len(kinds) == 0 {
		kinds = []Kind{Runtime}
	}
	return kinds
}

func (u *UsesFromMacOS) String() string {
	out := fmt.Sprintf("uses_from_macos %q", u.Target)
	if u.Since != "" {
		out += ", since: :" + string(u.Since)
	}
	return out
}

// SystemRequirement is a depends_on stanza naming a platform constraint
// instead of a formula, eg. `depends_on :xcode` or `depends_on arch: :arm64`.
// It never produces dependency requirements; a failed constraint marks the
// formula unsupported on the target platform.
type SystemRequirement struct {
	Pos lexer.Position

	Symbol Symbol `parser:"'depends_on' ( @Symbol"`
	Key    string `parser:"| @Ident ':'"`
	Value  Symbol `parser:"  ( @Symbol"`
	ValStr string `parser:"  | @String ) )"`
}

func (s *SystemRequirement) directive() {}
func (s *SystemRequirement) Validate() error {
	if s.Symbol != "" {
		switch s.Symbol {
		case "macos", "linux", "xcode":
			return nil
		}
		return errors.Errorf("unknown depends_on symbol :%s", s.Symbol)
	}
	switch s.Key {
	case "arch", "macos", "maximum_macos", "xcode":
		return nil
	}
	return errors.Errorf("unknown depends_on requirement %q", s.Key)
}

func (s *SystemRequirement) String() string {
	if s.Symbol != "" {
		return "depends_on :" + string(s.Symbol)
	}
	if s.ValStr != "" {
		return fmt.Sprintf("depends_on %s: %q", s.Key, s.ValStr)
	}
	return fmt.Sprintf("depends_on %s: :%s", s.Key, s.Value)
}

// SystemCond is one argument of an on_system block: a bare OS symbol or a
// `macos: :version[_or_older|_or_newer]` predicate.
type SystemCond struct {
	Symbol Symbol `parser:"@Symbol"`
	MacOS  Symbol `parser:"| 'macos' ':' @Symbol"`
}

// OnBlock is a conditional block. Name carries the full keyword, eg.
// "on_macos", "on_arm", "on_mojave", "on_system". Conds hold the block
// arguments; for plain OS-version blocks a single :or_older / :or_newer
// modifier may appear.
type OnBlock struct {
	Pos lexer.Position

	Name     string      `parser:"@On"`
	Conds    []SystemCond `parser:"(@@ (',' @@)*)?"`
	Children []Directive  `parser:"'do' @@* 'end'"`
}

func (o *OnBlock) directive() {}

// Selector returns the block keyword without the "on_" prefix.
func (o *OnBlock) Selector() string { return strings.TrimPrefix(o.Name, "on_") }

func (o *OnBlock) Validate() error {
	switch sel := o.Selector(); sel {
	case "macos", "linux", "arm", "intel":
		if len(o.Conds) > 0 {
			return errors.Errorf("%s takes no arguments", o.Name)
		}
	case "arch":
		if len(o.Conds) != 1 || (o.Conds[0].Symbol != "arm" && o.Conds[0].Symbol != "intel") {
			return errors.Errorf("on_arch requires :arm or :intel")
		}
	case "system":
		if len(o.Conds) == 0 {
			return errors.Errorf("on_system requires at least one condition")
		}
		for _, cond := range o.Conds {
			if cond.Symbol != "" && cond.Symbol != "linux" && cond.Symbol != "macos" {
				return errors.Errorf("unknown on_system condition :%s", cond.Symbol)
			}
		}
	default:
		if !knownRelease(sel) {
			return errors.Errorf("unknown block on_%s", sel)
		}
		if len(o.Conds) > 1 {
			return errors.Errorf("%s takes at most one modifier", o.Name)
		}
		if len(o.Conds) == 1 {
			mod := o.Conds[0].Symbol
			if mod != "or_older" && mod != "or_newer" {
				return errors.Errorf("unknown %s modifier :%s", o.Name, mod)
			}
		}
	}
	for _, child := range o.Children {
		if err := child.Validate(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (o *OnBlock) String() string {
	out := o.Name
	parts := make([]string, 0, len(o.Conds))
	for _, cond := range o.Conds {
		if cond.MacOS != "" {
			parts = append(parts, "macos: :"+string(cond.MacOS))
		} else {
			parts = append(parts, ":"+string(cond.Symbol))
		}
	}
	if len(parts) > 0 {
		out += " " + strings.Join(parts, ", ")
	}
	return out + " do ... end"
}

// Option declares a build option flag.
type Option struct {
	Pos lexer.Position

	Name        string `parser:"'option' @String"`
	Description string `parser:"(',' @String)?"`
}

func (o *Option) directive()      {}
func (o *Option) Validate() error { return nil }
func (o *Option) String() string  { return fmt.Sprintf("option %q, %q", o.Name, o.Description) }

// Metadata stanzas. They carry no dependency information but appear in real
// formula files, so the parser accepts them anywhere a directive may appear.

type Desc struct {
	Text string `parser:"'desc' @String"`
}

func (d *Desc) directive()      {}
func (d *Desc) Validate() error { return nil }
func (d *Desc) String() string  { return fmt.Sprintf("desc %q", d.Text) }

type Homepage struct {
	URL string `parser:"'homepage' @String"`
}

func (h *Homepage) directive()      {}
func (h *Homepage) Validate() error { return nil }
func (h *Homepage) String() string  { return fmt.Sprintf("homepage %q", h.URL) }

type KegOnly struct {
	Reason Symbol `parser:"'keg_only' (@Symbol"`
	Text   string `parser:"| @String)?"`
}

func (k *KegOnly) directive()      {}
func (k *KegOnly) Validate() error { return nil }
func (k *KegOnly) String() string  { return "keg_only" }

// Formula is one parsed package definition: a name and its directive tree in
// declaration order.
type Formula struct {
	Name       string
	Directives []Directive
}

// Desc returns the top-level description, if any.
func (f *Formula) Desc() string {
	for _, d := range f.Directives {
		if desc, ok := d.(*Desc); ok {
			return desc.Text
		}
	}
	return ""
}

// Homepage returns the top-level homepage URL, if any.
func (f *Formula) Homepage() string {
	for _, d := range f.Directives {
		if h, ok := d.(*Homepage); ok {
			return h.URL
		}
	}
	return ""
}

// KegOnly reports whether the formula must not be linked into the prefix by
// default.
func (f *Formula) KegOnly() bool {
	for _, d := range f.Directives {
		if _, ok := d.(*KegOnly); ok {
			return true
		}
	}
	return false
}

// ParseError is a parse or validation failure scoped to a single formula. A
// batch run reports it and continues with unrelated formulas.
type ParseError struct {
	Formula string
	Err     error
}

func (e *ParseError) Error() string { return fmt.Sprintf("%s: %s", e.Formula, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Parse a single formula definition.
func Parse(name, source string) (*Formula, error) {
	doc, err := documentParser.ParseString(name, source)
	if err != nil {
		return nil, &ParseError{Formula: name, Err: err}
	}
	for _, directive := range doc.Directives {
		if err := directive.Validate(); err != nil {
			return nil, &ParseError{Formula: name, Err: err}
		}
	}
	return &Formula{Name: name, Directives: doc.Directives}, nil
}
