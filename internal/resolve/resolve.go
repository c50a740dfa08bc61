// Package resolve walks a formula's directive tree against a target platform
// and emits its normalized dependency requirements.
package resolve

import (
	"github.com/alecthomas/errors"

	"github.com/relikd/cellar/internal/formula"
	"github.com/relikd/cellar/internal/platform"
)

// Requirement is one resolved dependency edge, emitted only when every
// enclosing block condition and the stanza's own guard held on the target.
type Requirement struct {
	Source  string
	Target  string
	Kind    formula.Kind
	Options []string
}

// Resolution is the outcome of resolving one formula.
type Resolution struct {
	Formula string
	// Requirements in declaration order.
	Requirements []Requirement
	// Unsupported lists reasons the formula cannot be used on the target
	// platform. Empty means supported.
	Unsupported []string
}

// Resolver resolves formulas against one immutable platform snapshot. It is
// stateless and safe for concurrent use.
type Resolver struct {
	eval evaluator
}

func New(target *platform.Platform) *Resolver {
	return &Resolver{eval: evaluator{target: target}}
}

// Resolve walks the directive tree depth first. The scope parameter threads
// the evaluated truth of every enclosing block; a stanza emits only when the
// whole scope holds. Block conditions are always evaluated, even under a
// false scope, so malformed conditions surface on every platform.
func (r *Resolver) Resolve(f *formula.Formula) (*Resolution, error) {
	res := &Resolution{Formula: f.Name}
	if err := r.walk(f.Directives, nil, res); err != nil {
		return nil, errors.Errorf("%s: %w", f.Name, err)
	}
	return res, nil
}

func (r *Resolver) walk(directives []formula.Directive, scope []bool, res *Resolution) error {
	for _, directive := range directives {
		switch d := directive.(type) {
		case *formula.OnBlock:
			active, err := r.eval.block(d)
			if err != nil {
				return err
			}
			// Nesting is conjunctive regardless of order; sibling blocks each
			// get their own scope entry.
			inner := append(scope[:len(scope):len(scope)], active)
			if err := r.walk(d.Children, inner, res); err != nil {
				return err
			}

		case *formula.DependsOn:
			if !allTrue(scope) {
				continue
			}
			if d.Guard != nil {
				ok, err := r.eval.guard(d.Guard)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
			}
			for _, kind := range d.Kinds() {
				res.Requirements = append(res.Requirements, Requirement{
					Source:  res.Formula,
					Target:  d.Target,
					Kind:    kind,
					Options: d.Options(),
				})
			}

		case *formula.UsesFromMacOS:
			if !allTrue(scope) {
				continue
			}
			if err := r.usesFromMacOS(d, res); err != nil {
				return err
			}

		case *formula.SystemRequirement:
			if !allTrue(scope) {
				continue
			}
			reason, err := r.eval.requirement(d)
			if err != nil {
				return err
			}
			if reason != "" {
				res.Unsupported = append(res.Unsupported, reason)
			}
		}
	}
	return nil
}

// usesFromMacOS applies the OS-provided-copy substitution rule: on macOS at
// or above the stanza's since release (or unconditionally without one) the
// runtime dependency is suppressed because the OS supplies it. Build and test
// kinds are still emitted on macOS, since build tooling cannot rely on the
// system copy. On Linux, or below the since release, the stanza behaves like
// a plain depends_on.
func (r *Resolver) usesFromMacOS(d *formula.UsesFromMacOS, res *Resolution) error {
	suppressed := r.eval.target.OSIs(platform.MacOS)
	if suppressed && d.Since != "" {
		since, err := platform.ReleaseNamed(string(d.Since))
		if err != nil {
			return errors.Errorf("%s: %w", d.Pos, err)
		}
		suppressed = r.eval.target.AtLeast(since)
	}
	for _, kind := range d.Kinds() {
		if kind == formula.Runtime && suppressed {
			continue
		}
		res.Requirements = append(res.Requirements, Requirement{
			Source: res.Formula,
			Target: d.Target,
			Kind:   kind,
		})
	}
	return nil
}

func allTrue(scope []bool) bool {
	for _, active := range scope {
		if !active {
			return false
		}
	}
	return true
}
