package resolve

import (
	"strings"

	"github.com/alecthomas/errors"

	"github.com/relikd/cellar/internal/formula"
	"github.com/relikd/cellar/internal/platform"
)

// ErrUnknownPredicate marks a guard whose shape is outside the interpreted
// set. It aborts resolution of the enclosing formula: silently treating an
// unknown guard as false could hide a real dependency.
var ErrUnknownPredicate = errors.New("unknown predicate")

// evaluator interprets the fixed predicate set against one target platform.
// Evaluation is pure and boolean valued.
type evaluator struct {
	target *platform.Platform
}

// guard evaluates a conjunction left to right, short circuiting on the first
// false term.
func (e evaluator) guard(g *formula.Guard) (bool, error) {
	for _, p := range g.All {
		ok, err := e.predicate(p)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e evaluator) predicate(p *formula.Predicate) (bool, error) {
	switch p.Path() {
	case "MacOS.version":
		if p.Op == "" || p.Sym == "" {
			return false, e.unknown(p)
		}
		if !e.target.OSIs(platform.MacOS) {
			return false, nil
		}
		ok, err := e.target.CompareRelease(p.Op, string(p.Sym))
		if err != nil {
			return false, errors.Errorf("%s: %w", p.Pos, err)
		}
		return ok, nil

	case "Formula.any_version_installed?":
		if p.Index == "" || p.Op != "" || p.Arg != "" {
			return false, e.unknown(p)
		}
		return e.target.AnyVersionInstalled(p.Index), nil

	case "build.with?":
		if p.Arg == "" {
			return false, e.unknown(p)
		}
		return e.target.OptionSet(p.Arg), nil

	case "build.without?":
		if p.Arg == "" {
			return false, e.unknown(p)
		}
		return e.target.OptionUnset(p.Arg), nil

	case "DevelopmentTools.clang_build_version":
		return e.toolCompare(p, "clang")

	case "DevelopmentTools.gcc_version":
		return e.toolCompare(p, "gcc")
	}
	return false, e.unknown(p)
}

func (e evaluator) toolCompare(p *formula.Predicate, tool string) (bool, error) {
	if p.Op == "" || p.Num == "" {
		return false, e.unknown(p)
	}
	ok, err := e.target.ToolVersionCompare(tool, p.Op, p.Num)
	if err != nil {
		return false, errors.Errorf("%s: %w", p.Pos, err)
	}
	return ok, nil
}

func (e evaluator) unknown(p *formula.Predicate) error {
	return errors.Errorf("%s: %w: %s", p.Pos, ErrUnknownPredicate, p)
}

// block evaluates an OnBlock condition. Unknown block names are rejected at
// parse time, so the default branch only sees known release names.
func (e evaluator) block(b *formula.OnBlock) (bool, error) {
	switch sel := b.Selector(); sel {
	case "macos":
		return e.target.OSIs(platform.MacOS), nil
	case "linux":
		return e.target.OSIs(platform.Linux), nil
	case "arm":
		return e.target.ArchIs(platform.ARM64), nil
	case "intel":
		return e.target.ArchIs(platform.X8664), nil
	case "arch":
		if b.Conds[0].Symbol == "arm" {
			return e.target.ArchIs(platform.ARM64), nil
		}
		return e.target.ArchIs(platform.X8664), nil
	case "system":
		// Conditions are independent alternatives: any match activates.
		for _, cond := range b.Conds {
			ok, err := e.systemCond(b, cond)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		op := "=="
		if len(b.Conds) == 1 {
			if b.Conds[0].Symbol == "or_older" {
				op = "<="
			} else {
				op = ">="
			}
		}
		ok, err := e.target.CompareRelease(op, sel)
		if err != nil {
			return false, errors.Errorf("%s: %w", b.Pos, err)
		}
		return ok, nil
	}
}

func (e evaluator) systemCond(b *formula.OnBlock, cond formula.SystemCond) (bool, error) {
	switch {
	case cond.Symbol == "linux":
		return e.target.OSIs(platform.Linux), nil
	case cond.Symbol == "macos":
		return e.target.OSIs(platform.MacOS), nil
	case cond.MacOS != "":
		name := string(cond.MacOS)
		op := "=="
		if base, ok := strings.CutSuffix(name, "_or_older"); ok {
			name, op = base, "<="
		} else if base, ok := strings.CutSuffix(name, "_or_newer"); ok {
			name, op = base, ">="
		}
		ok, err := e.target.CompareRelease(op, name)
		if err != nil {
			return false, errors.Errorf("%s: %w", b.Pos, err)
		}
		return ok, nil
	}
	return false, errors.Errorf("%s: unknown on_system condition", b.Pos)
}

// requirement checks a platform constraint stanza. It returns an empty string
// when the constraint is satisfied, otherwise a human-readable reason why the
// formula is unsupported on the target.
func (e evaluator) requirement(req *formula.SystemRequirement) (string, error) {
	if req.Symbol != "" {
		switch req.Symbol {
		case "linux":
			if !e.target.OSIs(platform.Linux) {
				return "Linux only", nil
			}
		case "macos":
			if !e.target.OSIs(platform.MacOS) {
				return "macOS only", nil
			}
		case "xcode":
			return e.xcodeAtLeast(req, "1", "needs Xcode")
		}
		return "", nil
	}

	switch req.Key {
	case "arch":
		switch req.Value {
		case "x86_64":
			if e.target.ArchIs(platform.ARM64) {
				return "no ARM support", nil
			}
		case "arm64":
			if !e.target.ArchIs(platform.ARM64) {
				return "ARM only", nil
			}
		default:
			return "", errors.Errorf("%s: unknown arch requirement :%s", req.Pos, req.Value)
		}
		return "", nil

	case "macos", "maximum_macos":
		op := ">="
		if req.Key == "maximum_macos" {
			op = "<="
		}
		r, err := platform.ReleaseNamed(string(req.Value))
		if err != nil {
			return "", errors.Errorf("%s: %w", req.Pos, err)
		}
		reason := "needs macOS " + op + " " + r.Number()
		if !e.target.OSIs(platform.MacOS) {
			return reason, nil
		}
		ok, err := e.target.CompareRelease(op, string(req.Value))
		if err != nil {
			return "", errors.Errorf("%s: %w", req.Pos, err)
		}
		if !ok {
			return reason, nil
		}
		return "", nil

	case "xcode":
		if req.ValStr != "" {
			return e.xcodeAtLeast(req, req.ValStr, "needs Xcode >= "+req.ValStr)
		}
		// Symbol values like :build only assert that Xcode is present.
		return e.xcodeAtLeast(req, "1", "needs Xcode")
	}
	return "", errors.Errorf("%s: unknown requirement %q", req.Pos, req.Key)
}

func (e evaluator) xcodeAtLeast(req *formula.SystemRequirement, version, reason string) (string, error) {
	ok, err := e.target.ToolVersionCompare("xcode", ">=", version)
	if err != nil {
		return "", errors.Errorf("%s: %w", req.Pos, err)
	}
	if !ok {
		return reason, nil
	}
	return "", nil
}
