package platform

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestReleaseOrdering(t *testing.T) {
	yosemite, err := ReleaseNamed("yosemite")
	assert.NoError(t, err)
	tahoe, err := ReleaseNamed("tahoe")
	assert.NoError(t, err)
	assert.True(t, yosemite < tahoe)
	assert.Equal(t, "10.10", yosemite.Number())
	assert.Equal(t, "26", tahoe.Number())

	_, err = ReleaseNamed("windows_11")
	assert.EqualError(t, err, `unknown macOS release "windows_11"`)
}

func TestCompareRelease(t *testing.T) {
	sonoma, err := ReleaseNamed("sonoma")
	assert.NoError(t, err)
	mac := &Platform{OS: MacOS, Arch: ARM64, Release: sonoma}

	tests := []struct {
		name     string
		op       string
		release  string
		expected bool
	}{
		{name: "AtLeastOlder", op: ">=", release: "ventura", expected: true},
		{name: "AtLeastSelf", op: ">=", release: "sonoma", expected: true},
		{name: "AtLeastNewer", op: ">=", release: "sequoia", expected: false},
		{name: "Exactly", op: "==", release: "sonoma", expected: true},
		{name: "Below", op: "<", release: "tahoe", expected: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ok, err := mac.CompareRelease(test.op, test.release)
			assert.NoError(t, err)
			assert.Equal(t, test.expected, ok)
		})
	}

	t.Run("UnknownRelease", func(t *testing.T) {
		_, err := mac.CompareRelease(">=", "bogus")
		assert.Error(t, err)
	})

	t.Run("AlwaysFalseOnLinux", func(t *testing.T) {
		linux := &Platform{OS: Linux, Arch: X8664}
		ok, err := linux.CompareRelease(">=", "yosemite")
		assert.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"1500.3.9.4", "1500", 1},
		{"1500.3.9.4", "1500.3.9.4", 0},
		{"15", "1500", -1},
		{"10.10", "10.9", 1},
		{"13", "13.0.0", 0},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, CompareVersions(test.a, test.b), "%s vs %s", test.a, test.b)
	}
}

func TestToolVersionCompare(t *testing.T) {
	p := &Platform{OS: MacOS, Tools: map[string]string{"clang": "1500.3.9.4"}}

	ok, err := p.ToolVersionCompare("clang", ">=", "1500")
	assert.NoError(t, err)
	assert.True(t, ok)

	// A missing tool compares as version 0.
	ok, err = p.ToolVersionCompare("gcc", ">", "0")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = p.ToolVersionCompare("clang", "~>", "1500")
	assert.Error(t, err)
}

type staticLookup []string

func (s staticLookup) InstalledVersions(string) []string { return s }

func TestAnyVersionInstalled(t *testing.T) {
	p := &Platform{OS: Linux}
	assert.False(t, p.AnyVersionInstalled("curl"))
	p.Installed = staticLookup{}
	assert.False(t, p.AnyVersionInstalled("curl"))
	p.Installed = staticLookup{"8.4.0"}
	assert.True(t, p.AnyVersionInstalled("curl"))
}

func TestOptionSet(t *testing.T) {
	p := &Platform{Options: map[string]bool{"tls": true, "docs": false}}
	assert.True(t, p.OptionSet("tls"))
	assert.False(t, p.OptionSet("docs"))
	assert.False(t, p.OptionSet("unknown"))
	assert.False(t, p.OptionUnset("tls"))
	assert.True(t, p.OptionUnset("docs"))
}

func TestInstalledVersionOf(t *testing.T) {
	p := &Platform{}
	assert.Equal(t, "", p.InstalledVersionOf("curl"))
	p.Installed = staticLookup{"8.1.0", "8.4.0"}
	assert.Equal(t, "8.4.0", p.InstalledVersionOf("curl"))
	// Recency wins, not version precedence.
	p.Installed = staticLookup{"9.0.0", "8.4.0"}
	assert.Equal(t, "8.4.0", p.InstalledVersionOf("curl"))
}
