package depgraph

import (
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"

	"github.com/relikd/cellar/internal/formula"
	"github.com/relikd/cellar/internal/resolve"
)

func res(name string, reqs ...resolve.Requirement) *resolve.Resolution {
	for i := range reqs {
		reqs[i].Source = name
	}
	return &resolve.Resolution{Formula: name, Requirements: reqs}
}

func req(target string, kind formula.Kind) resolve.Requirement {
	return resolve.Requirement{Target: target, Kind: kind}
}

func testGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := Build([]*resolve.Resolution{
		res("ffmpeg", req("libvpx", formula.Runtime), req("pkg-config", formula.Build), req("x264", formula.Runtime)),
		res("libvpx", req("pkg-config", formula.Build)),
		res("x264", req("nasm", formula.Build)),
		res("mpv", req("ffmpeg", formula.Runtime), req("libass", formula.Runtime)),
		res("libass", req("freetype", formula.Runtime)),
		res("freetype"),
		res("nasm"),
		res("pkg-config"),
	})
	assert.NoError(t, err)
	return g
}

func TestForward(t *testing.T) {
	g := testGraph(t)

	tests := []struct {
		name     string
		formula  string
		kinds    []formula.Kind
		expected []string
	}{
		{name: "DefaultExcludesBuild", formula: "ffmpeg", expected: []string{"libvpx", "x264"}},
		{name: "ExplicitBuild", formula: "ffmpeg", kinds: []formula.Kind{formula.Build}, expected: []string{"pkg-config"}},
		{name: "AllKinds", formula: "ffmpeg", kinds: []formula.Kind{formula.Runtime, formula.Build}, expected: []string{"libvpx", "pkg-config", "x264"}},
		{name: "NoDeps", formula: "nasm", expected: nil},
		{name: "UnknownFormula", formula: "nope", expected: nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, g.Forward(test.formula, test.kinds...))
		})
	}
}

func TestForwardDeduplicates(t *testing.T) {
	g, err := Build([]*resolve.Resolution{
		res("a", req("b", formula.Runtime), req("b", formula.Runtime)),
		res("b"),
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"b"}, g.Forward("a"))
}

func TestWithDefaultKinds(t *testing.T) {
	g, err := Build([]*resolve.Resolution{
		res("a", req("b", formula.Runtime), req("c", formula.Build)),
		res("b"),
		res("c"),
	}, WithDefaultKinds(formula.Build))
	assert.NoError(t, err)
	assert.Equal(t, []string{"c"}, g.Forward("a"))
}

func TestReverseObservationOrder(t *testing.T) {
	g := testGraph(t)
	// pkg-config is referenced by ffmpeg first, then libvpx.
	assert.Equal(t, []string{"ffmpeg", "libvpx"}, g.Reverse("pkg-config"))
	assert.Equal(t, []string{"mpv"}, g.Reverse("ffmpeg"))
}

func TestAll(t *testing.T) {
	g := testGraph(t)
	assert.Equal(t, []string{"ffmpeg", "libass", "libvpx", "x264", "freetype"}, g.All("mpv"))
	assert.Equal(t, []string{"mpv"}, g.AllReverse("libass"))
	assert.Equal(t, []string{"ffmpeg", "mpv"}, g.AllReverse("libvpx"))
}

func TestLeaves(t *testing.T) {
	g := testGraph(t)
	assert.Equal(t, []string{"mpv"}, g.Leaves())
}

func TestMissing(t *testing.T) {
	g := testGraph(t)
	installed := map[string]bool{"mpv": true, "ffmpeg": true, "libvpx": true}
	missing := g.Missing(installed)
	assert.Equal(t, map[string][]string{
		"ffmpeg": {"pkg-config", "x264"},
		"libvpx": {"pkg-config"},
		"mpv":    {"libass"},
	}, missing)
}

func TestObsolete(t *testing.T) {
	g := testGraph(t)
	removed := g.Obsolete([]string{"mpv"})
	// ffmpeg and everything below it go, but a second root keeps survivors.
	assert.True(t, removed["mpv"])
	assert.True(t, removed["libass"])
	assert.True(t, removed["ffmpeg"])

	g2, err := Build([]*resolve.Resolution{
		res("a", req("shared", formula.Runtime)),
		res("b", req("shared", formula.Runtime)),
		res("shared"),
	})
	assert.NoError(t, err)
	removed = g2.Obsolete([]string{"a"})
	assert.True(t, removed["a"])
	assert.False(t, removed["shared"])
}

func TestDuplicateFormula(t *testing.T) {
	_, err := Build([]*resolve.Resolution{res("a"), res("a")})
	assert.EqualError(t, err, `duplicate formula "a"`)
}

func TestCycleDetection(t *testing.T) {
	_, err := Build([]*resolve.Resolution{
		res("a", req("b", formula.Runtime)),
		res("b", req("c", formula.Build)),
		res("c", req("a", formula.Runtime)),
	})
	assert.Error(t, err)
	cerr := &CycleError{}
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, []string{"a", "b", "c", "a"}, cerr.Cycle)
}

func TestCycleIgnoresOptionalEdges(t *testing.T) {
	_, err := Build([]*resolve.Resolution{
		res("a", req("b", formula.Runtime)),
		res("b", req("a", formula.Optional)),
	})
	assert.NoError(t, err)
}

func TestTree(t *testing.T) {
	g := testGraph(t)
	w := &strings.Builder{}
	g.Tree(w, "mpv", false)
	assert.Equal(t, `mpv
├── ffmpeg
│   ├── libvpx
│   └── x264
└── libass
    └── freetype
`, w.String())
}

func TestTreeReverse(t *testing.T) {
	g := testGraph(t)
	w := &strings.Builder{}
	g.Tree(w, "freetype", true)
	assert.Equal(t, `freetype
└── libass
    └── mpv
`, w.String())
}

func TestTreeTerminatesOnOptionalCycle(t *testing.T) {
	// Optional edges may close a cycle without failing Build; rendering must
	// cut the repeated node instead of recursing through it.
	g, err := Build([]*resolve.Resolution{
		res("a", req("b", formula.Runtime)),
		res("b", req("a", formula.Optional)),
	})
	assert.NoError(t, err)

	w := &strings.Builder{}
	g.Tree(w, "a", false)
	assert.Equal(t, `a
└── b
    └── a
`, w.String())

	w.Reset()
	g.Tree(w, "a", true)
	assert.Equal(t, `a
└── b
    └── a
`, w.String())
}

func TestDot(t *testing.T) {
	g := testGraph(t)
	w := &strings.Builder{}
	g.Dot(w, []string{"libass"}, false, formula.Runtime, formula.Build)
	assert.Equal(t, `digraph deps {
  "libass" -> "freetype";
}
`, w.String())
}

func TestDotReverse(t *testing.T) {
	g := testGraph(t)
	w := &strings.Builder{}
	g.Dot(w, []string{"freetype"}, true, formula.Runtime)
	assert.Equal(t, `digraph deps {
  "libass" -> "freetype";
  "mpv" -> "libass";
}
`, w.String())
}
