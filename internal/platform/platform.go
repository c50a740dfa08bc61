// Package platform describes the target machine a formula is resolved against.
package platform

import (
	"strconv"
	"strings"

	"github.com/alecthomas/errors"
)

type OS string

const (
	MacOS OS = "macos"
	Linux OS = "linux"
)

type Arch string

const (
	ARM64 Arch = "arm64"
	X8664 Arch = "x86_64"
)

// Release is an index into the ordered macOS release table. Releases are
// compared by index, never by name.
type Release int

// Ordered oldest to newest. The table is fixed reference data; comparisons
// against names outside it are resolution errors.
var releaseNames = []string{
	"yosemite",
	"el_capitan",
	"sierra",
	"high_sierra",
	"mojave",
	"catalina",
	"big_sur",
	"monterey",
	"ventura",
	"sonoma",
	"sequoia",
	"tahoe",
}

// Marketing version numbers, same order as releaseNames.
var releaseNumbers = []string{
	"10.10", "10.11", "10.12", "10.13", "10.14", "10.15",
	"11", "12", "13", "14", "15", "26",
}

var releaseIndex = func() map[string]Release {
	m := make(map[string]Release, len(releaseNames))
	for i, name := range releaseNames {
		m[name] = Release(i)
	}
	return m
}()

// ReleaseNamed maps a release name such as "catalina" to its position in the
// total order.
func ReleaseNamed(name string) (Release, error) {
	r, ok := releaseIndex[name]
	if !ok {
		return 0, errors.Errorf("unknown macOS release %q", name)
	}
	return r, nil
}

func (r Release) String() string { return releaseNames[r] }

// Number returns the marketing version, eg. "10.15" for catalina.
func (r Release) Number() string { return releaseNumbers[r] }

// VersionLookup answers installed-version queries against the local cellar.
type VersionLookup interface {
	// InstalledVersions returns all installed versions of a formula, oldest
	// first. Empty if the formula is not installed.
	InstalledVersions(formula string) []string
}

// Platform is an immutable snapshot of the target machine, constructed once
// per invocation.
type Platform struct {
	OS      OS
	Arch    Arch
	Release Release           // macOS release; meaningless when OS is Linux
	Tools   map[string]string // development tool versions, eg. "clang" -> "1500.3.9.4"
	Options map[string]bool   // active build options, eg. "debug" -> true

	Installed VersionLookup
}

func (p *Platform) OSIs(os OS) bool     { return p.OS == os }
func (p *Platform) ArchIs(a Arch) bool  { return p.Arch == a }
func (p *Platform) IsExactly(r Release) bool { return p.OS == MacOS && p.Release == r }
func (p *Platform) AtLeast(r Release) bool   { return p.OS == MacOS && p.Release >= r }
func (p *Platform) AtMost(r Release) bool    { return p.OS == MacOS && p.Release <= r }

// OptionSet reports whether a build option was requested, eg. build.with? "debug".
func (p *Platform) OptionSet(name string) bool { return p.Options[name] }

// OptionUnset is the build.without? query.
func (p *Platform) OptionUnset(name string) bool { return !p.Options[name] }

// InstalledVersionOf returns the most recently installed version of the
// formula, or "" when none is installed. Lookup order is install time, not
// version precedence; version selection lives in the cellar.
func (p *Platform) InstalledVersionOf(formula string) string {
	if p.Installed == nil {
		return ""
	}
	versions := p.Installed.InstalledVersions(formula)
	if len(versions) == 0 {
		return ""
	}
	return versions[len(versions)-1]
}

// AnyVersionInstalled reports whether at least one version of the formula is
// present in the cellar. A nil lookup means nothing is installed.
func (p *Platform) AnyVersionInstalled(formula string) bool {
	return p.Installed != nil && len(p.Installed.InstalledVersions(formula)) > 0
}

// CompareRelease applies op to the machine release and a named release.
// Returns an error off macOS only for the caller to decide; version
// comparisons on Linux are always false.
func (p *Platform) CompareRelease(op, name string) (bool, error) {
	if p.OS != MacOS {
		return false, nil
	}
	r, err := ReleaseNamed(name)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return CompareOrdered(int(p.Release), op, int(r))
}

// ToolVersionCompare applies op to an installed tool version and a wanted
// version. A tool that cannot be found compares as version 0, matching the
// behavior of probing a missing binary.
func (p *Platform) ToolVersionCompare(tool, op, want string) (bool, error) {
	have := p.Tools[tool]
	if have == "" {
		have = "0"
	}
	return CompareOrdered(CompareVersions(have, want), op, 0)
}

// CompareVersions compares dotted numeric version strings field by field.
// Tool versions such as clang's "1500.3.9.4" carry four fields, so this is
// deliberately not semver.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// CompareOrdered applies a comparison operator string to two ordered values.
func CompareOrdered(a int, op string, b int) (bool, error) {
	switch op {
	case "<":
		return a < b, nil
	case "<=":
		return a <= b, nil
	case ">":
		return a > b, nil
	case ">=":
		return a >= b, nil
	case "==":
		return a == b, nil
	}
	return false, errors.Errorf("unknown comparison operator %q", op)
}
