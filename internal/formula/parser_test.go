package formula

import (
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"
)

func strings_(directives []Directive) []string {
	out := make([]string, 0, len(directives))
	for _, d := range directives {
		out = append(out, d.String())
	}
	return out
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		want    []string
		wantErr bool
	}{
		{
			name: "Minimal",
			source: `class Jq < Formula
				depends_on "oniguruma"
			end`,
			want: []string{`depends_on "oniguruma"`},
		},
		{
			name: "KindTag",
			source: `class Jq < Formula
				depends_on "cmake" => :build
			end`,
			want: []string{`depends_on "cmake" => [:build]`},
		},
		{
			name: "MultipleTags",
			source: `class Jq < Formula
				depends_on "pkg-config" => [:build, :test]
			end`,
			want: []string{`depends_on "pkg-config" => [:build, :test]`},
		},
		{
			name: "OptionTag",
			source: `class Curl < Formula
				depends_on "openssl" => ["with-tls"]
			end`,
			want: []string{`depends_on "openssl" => ["with-tls"]`},
		},
		{
			name: "Guard",
			source: `class Gettext < Formula
				depends_on "libintl" if MacOS.version >= :catalina
			end`,
			want: []string{`depends_on "libintl" if MacOS.version >= :catalina`},
		},
		{
			name: "GuardConjunction",
			source: `class Wget < Formula
				depends_on "openssl" if build.with? "tls" && Formula["curl"].any_version_installed?
			end`,
			want: []string{`depends_on "openssl" if build.with? "tls" && Formula["curl"].any_version_installed?`},
		},
		{
			name: "ToolGuard",
			source: `class Llvm < Formula
				depends_on "zstd" if DevelopmentTools.clang_build_version >= 1500
			end`,
			want: []string{`depends_on "zstd" if DevelopmentTools.clang_build_version >= 1500`},
		},
		{
			name: "UsesFromMacOS",
			source: `class Git < Formula
				uses_from_macos "zlib"
				uses_from_macos "curl", since: :monterey
			end`,
			want: []string{`uses_from_macos "zlib"`, `uses_from_macos "curl", since: :monterey`},
		},
		{
			name: "SystemRequirements",
			source: `class Swift < Formula
				depends_on :xcode
				depends_on xcode: "14.1"
				depends_on arch: :arm64
				depends_on macos: :ventura
				depends_on maximum_macos: :sonoma
			end`,
			want: []string{
				`depends_on :xcode`,
				`depends_on xcode: "14.1"`,
				`depends_on arch: :arm64`,
				`depends_on macos: :ventura`,
				`depends_on maximum_macos: :sonoma`,
			},
		},
		{
			name: "OnBlocks",
			source: `class Vim < Formula
				on_macos do
					depends_on "gettext"
				end
				on_linux do
					depends_on "acl"
				end
				on_arm do
				end
				on_intel do
				end
				on_arch :arm do
				end
			end`,
			want: []string{
				"on_macos do ... end",
				"on_linux do ... end",
				"on_arm do ... end",
				"on_intel do ... end",
				"on_arch :arm do ... end",
			},
		},
		{
			name: "OnSystem",
			source: `class Rust < Formula
				on_system :linux, macos: :monterey_or_older do
					depends_on "python"
				end
			end`,
			want: []string{"on_system :linux, macos: :monterey_or_older do ... end"},
		},
		{
			name: "OnRelease",
			source: `class Node < Formula
				on_sonoma :or_older do
				end
				on_mojave do
				end
			end`,
			want: []string{"on_sonoma :or_older do ... end", "on_mojave do ... end"},
		},
		{
			name: "Metadata",
			source: `class Jq < Formula
				desc "Lightweight JSON processor"
				homepage "https://jqlang.github.io/jq/"
				option "with-docs", "Build the manual"
				keg_only :versioned_formula
			end`,
			want: []string{
				`desc "Lightweight JSON processor"`,
				`homepage "https://jqlang.github.io/jq/"`,
				`option "with-docs", "Build the manual"`,
				"keg_only",
			},
		},
		{
			name: "Comments",
			source: `class Jq < Formula
				# build tooling
				depends_on "cmake" => :build # inline
			end`,
			want: []string{`depends_on "cmake" => [:build]`},
		},
		{
			name:    "MissingEnd",
			source:  `class Jq < Formula`,
			wantErr: true,
		},
		{
			name: "UnknownTag",
			source: `class Jq < Formula
				depends_on "cmake" => :runtme
			end`,
			wantErr: true,
		},
		{
			name: "UnknownBlock",
			source: `class Jq < Formula
				on_windows do
				end
			end`,
			wantErr: true,
		},
		{
			name: "OnMacosWithArgument",
			source: `class Jq < Formula
				on_macos :arm do
				end
			end`,
			wantErr: true,
		},
		{
			name: "BadArchBlock",
			source: `class Jq < Formula
				on_arch :mips do
				end
			end`,
			wantErr: true,
		},
		{
			name: "BadReleaseModifier",
			source: `class Jq < Formula
				on_sonoma :or_whatever do
				end
			end`,
			wantErr: true,
		},
		{
			name: "UnknownRequirementSymbol",
			source: `class Jq < Formula
				depends_on :windows
			end`,
			wantErr: true,
		},
		{
			name: "UnknownRequirementKey",
			source: `class Jq < Formula
				depends_on kernel: :xnu
			end`,
			wantErr: true,
		},
		{
			name: "NestedBlockValidation",
			source: `class Jq < Formula
				on_macos do
					depends_on "x" => :bogus
				end
			end`,
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f, err := Parse(test.name, test.source)
			if test.wantErr {
				assert.Error(t, err)
				perr := &ParseError{}
				assert.True(t, errors.As(err, &perr))
				assert.Equal(t, test.name, perr.Formula)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.want, strings_(f.Directives))
		})
	}
}

func TestParseStructure(t *testing.T) {
	f, err := Parse("vim", `class Vim < Formula
		on_macos do
			on_arm do
				depends_on "libsodium" => [:build, "with-asm"]
			end
		end
	end`)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(f.Directives))

	outer, ok := f.Directives[0].(*OnBlock)
	assert.True(t, ok)
	assert.Equal(t, "macos", outer.Selector())

	inner, ok := outer.Children[0].(*OnBlock)
	assert.True(t, ok)
	assert.Equal(t, "arm", inner.Selector())

	dep, ok := inner.Children[0].(*DependsOn)
	assert.True(t, ok)
	assert.Equal(t, "libsodium", dep.Target)
	assert.Equal(t, []Kind{Build}, dep.Kinds())
	assert.Equal(t, []string{"with-asm"}, dep.Options())
}

func TestKindsDefaultToRuntime(t *testing.T) {
	f, err := Parse("jq", `class Jq < Formula
		depends_on "oniguruma"
		uses_from_macos "zlib"
	end`)
	assert.NoError(t, err)
	assert.Equal(t, []Kind{Runtime}, f.Directives[0].(*DependsOn).Kinds())
	assert.Equal(t, []Kind{Runtime}, f.Directives[1].(*UsesFromMacOS).Kinds())
}

func TestFormulaMetadata(t *testing.T) {
	f, err := Parse("jq", `class Jq < Formula
		desc "JSON processor"
		homepage "https://example.com"
		keg_only "shadowed by the system copy"
	end`)
	assert.NoError(t, err)
	assert.Equal(t, "JSON processor", f.Desc())
	assert.Equal(t, "https://example.com", f.Homepage())
	assert.True(t, f.KegOnly())
}

func TestGuardPath(t *testing.T) {
	f, err := Parse("t", `class T < Formula
		depends_on "x" if Formula["curl"].any_version_installed?
	end`)
	assert.NoError(t, err)
	guard := f.Directives[0].(*DependsOn).Guard
	assert.Equal(t, 1, len(guard.All))
	assert.Equal(t, "Formula.any_version_installed?", guard.All[0].Path())
	assert.Equal(t, "curl", guard.All[0].Index)
}
