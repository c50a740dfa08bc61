package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	"github.com/lmittmann/tint"

	"github.com/relikd/cellar/internal/bottle"
	"github.com/relikd/cellar/internal/cellar"
	"github.com/relikd/cellar/internal/depgraph"
	"github.com/relikd/cellar/internal/formula"
	"github.com/relikd/cellar/internal/platform"
	"github.com/relikd/cellar/internal/resolve"
)

// errMissingDeps signals exit code 2 from the missing command.
var errMissingDeps = errors.New("missing dependencies")

var cli struct {
	Version  kong.VersionFlag `help:"Print the version and exit."`
	Debug    bool             `help:"Enable debug logging."`
	JSON     bool             `help:"Enable JSON logging."`
	Prefix   string           `help:"Cellar prefix." default:"/usr/local" env:"CELLAR_PREFIX" type:"path"`
	Formulae string           `help:"Directory containing formula files (default PREFIX/formulae)." env:"CELLAR_FORMULAE"`

	OS        string            `help:"Target OS (macos or linux)." default:"${default_os}" enum:"macos,linux"`
	Arch      string            `help:"Target architecture." default:"${default_arch}" enum:"arm64,x86_64"`
	OSVersion string            `help:"Target macOS release name, eg. sequoia." default:"sequoia"`
	Tool      map[string]string `help:"Development tool versions, eg. clang=1500.3.9.4." placeholder:"NAME=VERSION"`
	With      []string          `help:"Enable a build option." placeholder:"OPTION"`
	Without   []string          `help:"Disable a build option." placeholder:"OPTION"`

	Deps    depsCmd    `cmd:"" help:"Show dependencies of formulas."`
	Uses    usesCmd    `cmd:"" help:"Show formulas that depend on the given formulas."`
	Leaves  leavesCmd  `cmd:"" help:"Show formulas nothing else depends on."`
	Missing missingCmd `cmd:"" help:"Show installed formulas with missing dependencies."`
	List    listCmd    `cmd:"" help:"List installed formulas."`
	Install   installCmd   `cmd:"" help:"Record an installed formula version and link it."`
	Uninstall uninstallCmd `cmd:"" help:"Remove formulas and their no-longer-needed dependencies."`
	Link    linkCmd    `cmd:"" help:"Link an installed version."`
	Unlink  unlinkCmd  `cmd:"" help:"Unlink a formula."`
	Switch  switchCmd  `cmd:"" help:"Switch the linked version of a formula."`
	Pin     pinCmd     `cmd:"" help:"Pin formulas to their current version."`
	Unpin   unpinCmd   `cmd:"" help:"Unpin formulas."`
	Upgrade upgradeCmd `cmd:"" help:"Relink formulas to their latest installed version."`
	Fetch   fetchCmd   `cmd:"" help:"Download a bottle and verify its checksum."`
}

// app carries shared state into subcommand Run methods via kong.Bind. The
// registry is opened lazily so read-only graph commands never touch it.
type app struct {
	ctx      context.Context
	logger   *slog.Logger
	registry *cellar.Registry
	selector *cellar.Selector
}

func (a *app) openRegistry() (*cellar.Registry, *cellar.Selector, error) {
	if a.registry != nil {
		return a.registry, a.selector, nil
	}
	dir := filepath.Join(cli.Prefix, "var")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, nil, errors.Wrap(err, "create registry dir")
	}
	registry, err := cellar.OpenRegistry(a.ctx, filepath.Join(dir, "cellar.db"))
	if err != nil {
		return nil, nil, err
	}
	a.registry = registry
	a.selector = cellar.NewSelector(cli.Prefix, registry, a.logger)
	return a.registry, a.selector, nil
}

func (a *app) target() (*platform.Platform, error) {
	release, err := platform.ReleaseNamed(cli.OSVersion)
	if err != nil {
		return nil, err
	}
	options := map[string]bool{}
	for _, name := range cli.With {
		options[name] = true
	}
	for _, name := range cli.Without {
		options[name] = false
	}
	target := &platform.Platform{
		OS:      platform.OS(cli.OS),
		Arch:    platform.Arch(cli.Arch),
		Release: release,
		Tools:   cli.Tool,
		Options: options,
	}
	if registry, _, err := a.openRegistry(); err == nil {
		target.Installed = registry
	} else {
		a.logger.Debug("registry unavailable, treating cellar as empty", "error", err)
	}
	return target, nil
}

// universe parses every formula in the formula directory and resolves it
// against the target platform. Broken formulas are logged and skipped; the
// rest of the batch continues.
func (a *app) universe() (*depgraph.Graph, error) {
	dir := cli.Formulae
	if dir == "" {
		dir = filepath.Join(cli.Prefix, "formulae")
	}
	formulas, errs := formula.LoadDir(dir)
	for _, err := range errs {
		a.logger.Error("skipping broken formula", "error", err)
	}
	target, err := a.target()
	if err != nil {
		return nil, err
	}
	resolutions, errs := resolve.ResolveAll(a.ctx, resolve.New(target), formulas)
	for _, err := range errs {
		a.logger.Error("skipping unresolvable formula", "error", err)
	}
	for _, res := range resolutions {
		for _, reason := range res.Unsupported {
			a.logger.Warn("formula unsupported on this platform", "formula", res.Formula, "reason", reason)
		}
	}
	return depgraph.Build(resolutions)
}

func requestedKinds(includeBuild, includeTest bool) []formula.Kind {
	kinds := []formula.Kind{formula.Runtime, formula.Recommended, formula.Optional}
	if includeBuild {
		kinds = append(kinds, formula.Build)
	}
	if includeTest {
		kinds = append(kinds, formula.Test)
	}
	return kinds
}

type depsCmd struct {
	Tree         bool     `help:"Render as a dependency tree." xor:"format"`
	Dot          bool     `help:"Render as Graphviz dot." xor:"format"`
	IncludeBuild bool     `help:"Include build-time dependencies."`
	IncludeTest  bool     `help:"Include test-time dependencies."`
	Formulas     []string `arg:"" help:"Formula names."`
}

func (c *depsCmd) Run(a *app) error {
	graph, err := a.universe()
	if err != nil {
		return err
	}
	kinds := requestedKinds(c.IncludeBuild, c.IncludeTest)
	for _, name := range c.Formulas {
		if !graph.Known(name) {
			return errors.Errorf("unknown formula %q", name)
		}
	}
	switch {
	case c.Tree:
		for _, name := range c.Formulas {
			graph.Tree(os.Stdout, name, false, kinds...)
		}
	case c.Dot:
		graph.Dot(os.Stdout, c.Formulas, false, kinds...)
	default:
		union := map[string]bool{}
		for _, name := range c.Formulas {
			for _, dep := range graph.All(name, kinds...) {
				union[dep] = true
			}
		}
		for _, dep := range sortedKeys(union) {
			fmt.Println(dep)
		}
	}
	return nil
}

type usesCmd struct {
	Tree     bool     `help:"Render as a dependent tree." xor:"format"`
	Dot      bool     `help:"Render as Graphviz dot." xor:"format"`
	Formulas []string `arg:"" help:"Formula names."`
}

func (c *usesCmd) Run(a *app) error {
	graph, err := a.universe()
	if err != nil {
		return err
	}
	for _, name := range c.Formulas {
		if !graph.Known(name) {
			return errors.Errorf("unknown formula %q", name)
		}
	}
	switch {
	case c.Tree:
		for _, name := range c.Formulas {
			graph.Tree(os.Stdout, name, true)
		}
	case c.Dot:
		graph.Dot(os.Stdout, c.Formulas, true)
	default:
		union := map[string]bool{}
		for _, name := range c.Formulas {
			for _, dependent := range graph.AllReverse(name) {
				union[dependent] = true
			}
		}
		for _, dependent := range sortedKeys(union) {
			fmt.Println(dependent)
		}
	}
	return nil
}

type leavesCmd struct{}

func (c *leavesCmd) Run(a *app) error {
	graph, err := a.universe()
	if err != nil {
		return err
	}
	for _, name := range graph.Leaves() {
		fmt.Println(name)
	}
	return nil
}

type missingCmd struct {
	Formulas []string `arg:"" optional:"" help:"Restrict the report to these formulas."`
}

func (c *missingCmd) Run(a *app) error {
	graph, err := a.universe()
	if err != nil {
		return err
	}
	registry, _, err := a.openRegistry()
	if err != nil {
		return err
	}
	records, err := registry.All(a.ctx)
	if err != nil {
		return err
	}
	installed := map[string]bool{}
	for _, record := range records {
		installed[record.Formula] = true
	}
	missing := graph.Missing(installed)
	if len(c.Formulas) > 0 {
		restricted := map[string][]string{}
		for _, name := range c.Formulas {
			if deps, ok := missing[name]; ok {
				restricted[name] = deps
			}
		}
		missing = restricted
	}
	if len(missing) == 0 {
		return nil
	}
	for _, name := range sortedMapKeys(missing) {
		for _, dep := range missing[name] {
			fmt.Printf("%s: %s\n", name, dep)
		}
	}
	return errors.WithStack(errMissingDeps)
}

type listCmd struct {
	Versions bool `help:"Show all installed versions."`
	Pinned   bool `help:"Only list pinned formulas."`
}

func (c *listCmd) Run(a *app) error {
	registry, _, err := a.openRegistry()
	if err != nil {
		return err
	}
	records, err := registry.All(a.ctx)
	if err != nil {
		return err
	}
	printed := map[string]bool{}
	for _, record := range records {
		if c.Pinned && !record.Pinned {
			continue
		}
		if c.Versions {
			marker := ""
			if record.Linked {
				marker = " *"
			}
			fmt.Printf("%s %s%s\n", record.Formula, record.Version, marker)
		} else if !printed[record.Formula] {
			printed[record.Formula] = true
			fmt.Println(record.Formula)
		}
	}
	return nil
}

type installCmd struct {
	Name    string `arg:"" help:"Formula name."`
	Version string `arg:"" help:"Version to record."`
}

func (c *installCmd) Run(a *app) error {
	_, selector, err := a.openRegistry()
	if err != nil {
		return err
	}
	return selector.Install(a.ctx, c.Name, c.Version)
}

type uninstallCmd struct {
	IgnoreDependencies bool     `help:"Uninstall even when other installed formulas depend on the target."`
	Formulas           []string `arg:"" help:"Formula names."`
}

func (c *uninstallCmd) Run(a *app) error {
	graph, err := a.universe()
	if err != nil {
		return err
	}
	registry, selector, err := a.openRegistry()
	if err != nil {
		return err
	}
	records, err := registry.All(a.ctx)
	if err != nil {
		return err
	}
	installed := map[string]bool{}
	for _, record := range records {
		installed[record.Formula] = true
	}
	roots := map[string]bool{}
	for _, name := range c.Formulas {
		if !installed[name] {
			return errors.Errorf("%s: %w", name, cellar.ErrNotInstalled)
		}
		roots[name] = true
	}
	if !c.IgnoreDependencies {
		for _, name := range c.Formulas {
			var blockers []string
			for _, dependent := range graph.AllReverse(name) {
				if installed[dependent] && !roots[dependent] {
					blockers = append(blockers, dependent)
				}
			}
			if len(blockers) > 0 {
				return errors.Errorf("%s is required by %s", name, strings.Join(blockers, ", "))
			}
		}
	}
	// Removing the roots can leave dependency-only formulas without any
	// remaining dependents. They go too.
	plan := graph.Obsolete(c.Formulas)
	order := append([]string{}, c.Formulas...)
	for _, name := range graph.Formulas() {
		if plan[name] && installed[name] && !roots[name] {
			order = append(order, name)
		}
	}
	for _, name := range order {
		if err := selector.Uninstall(a.ctx, name); err != nil {
			return err
		}
		fmt.Println(name)
	}
	return nil
}

type linkCmd struct {
	Name    string `arg:"" help:"Formula name."`
	Version string `arg:"" optional:"" help:"Version to link (default: latest installed)."`
}

func (c *linkCmd) Run(a *app) error {
	_, selector, err := a.openRegistry()
	if err != nil {
		return err
	}
	return selector.Link(a.ctx, c.Name, c.Version)
}

type unlinkCmd struct {
	Name string `arg:"" help:"Formula name."`
}

func (c *unlinkCmd) Run(a *app) error {
	_, selector, err := a.openRegistry()
	if err != nil {
		return err
	}
	return selector.Unlink(a.ctx, c.Name)
}

type switchCmd struct {
	Name    string `arg:"" help:"Formula name."`
	Version string `arg:"" help:"Installed version to switch to."`
}

func (c *switchCmd) Run(a *app) error {
	_, selector, err := a.openRegistry()
	if err != nil {
		return err
	}
	return selector.Switch(a.ctx, c.Name, c.Version)
}

type pinCmd struct {
	Formulas []string `arg:"" help:"Formula names."`
}

func (c *pinCmd) Run(a *app) error {
	_, selector, err := a.openRegistry()
	if err != nil {
		return err
	}
	for _, name := range c.Formulas {
		if err := selector.Pin(a.ctx, name); err != nil {
			return err
		}
	}
	return nil
}

type unpinCmd struct {
	Formulas []string `arg:"" help:"Formula names."`
}

func (c *unpinCmd) Run(a *app) error {
	_, selector, err := a.openRegistry()
	if err != nil {
		return err
	}
	for _, name := range c.Formulas {
		if err := selector.Unpin(a.ctx, name); err != nil {
			return err
		}
	}
	return nil
}

type upgradeCmd struct {
	Force    bool     `help:"Upgrade pinned formulas too."`
	Formulas []string `arg:"" help:"Formula names."`
}

func (c *upgradeCmd) Run(a *app) error {
	_, selector, err := a.openRegistry()
	if err != nil {
		return err
	}
	for _, name := range c.Formulas {
		if err := selector.Upgrade(a.ctx, name, c.Force); err != nil {
			return err
		}
	}
	return nil
}

type fetchCmd struct {
	Retries int           `help:"Retry attempts for transient failures." default:"3"`
	Timeout time.Duration `help:"Overall download timeout." default:"10m"`
	Name    string        `arg:"" help:"Formula name."`
	Version string        `arg:"" help:"Version being fetched."`
	URL     string        `arg:"" help:"Bottle URL."`
	SHA256  string        `arg:"" help:"Expected SHA-256 of the bottle."`
}

func (c *fetchCmd) Run(a *app) error {
	dir := filepath.Join(cli.Prefix, "var", "cache")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.Wrap(err, "create cache dir")
	}
	ctx, cancel := context.WithTimeout(a.ctx, c.Timeout)
	defer cancel()
	fetcher := bottle.NewFetcher(a.logger, bottle.WithRetries(c.Retries))
	dest := filepath.Join(dir, fmt.Sprintf("%s-%s.tar.gz", c.Name, c.Version))
	if err := fetcher.Fetch(ctx, c.URL, dest, c.SHA256); err != nil {
		return err
	}
	fmt.Println(dest)
	return nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedMapKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func defaultOS() string {
	if runtime.GOOS == "darwin" {
		return "macos"
	}
	return "linux"
}

func defaultArch() string {
	if runtime.GOARCH == "arm64" {
		return "arm64"
	}
	return "x86_64"
}

func main() {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		version = info.Main.Version
	}
	kctx := kong.Parse(&cli,
		kong.Description("A lightweight package cellar: formula dependency resolution and version selection."),
		kong.Vars{
			"version":      version,
			"default_os":   defaultOS(),
			"default_arch": defaultArch(),
		},
		kong.Configuration(kongtoml.Loader, "~/.config/cellar.toml", "/etc/cellar.toml"),
	)

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cli.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: "15:04:05"})
	}
	logger := slog.New(handler)

	a := &app{ctx: context.Background(), logger: logger}
	err := kctx.Run(a)
	// kctx.Exit and FatalIfErrorf never return, so the registry must be
	// closed before either runs.
	if a.registry != nil {
		_ = a.registry.Close()
	}
	if code := exitCode(err); code == 2 {
		kctx.Exit(code)
	}
	kctx.FatalIfErrorf(err)
}

// exitCode maps a command error to the process exit code: 0 ok, 1 for
// resolution or graph errors, 2 when missing dependencies were reported.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errMissingDeps):
		return 2
	default:
		return 1
	}
}
