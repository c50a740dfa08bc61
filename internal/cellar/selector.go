package cellar

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	"golang.org/x/mod/semver"

	"github.com/relikd/cellar/internal/flock"
	"github.com/relikd/cellar/internal/platform"
)

// Selector drives version state transitions for installed formulas: which
// versions exist, which one is linked, and which are pinned. Registry rows
// and the opt symlink on disk change together; the symlink swap is atomic.
type Selector struct {
	prefix   string
	registry *Registry
	logger   *slog.Logger
}

func NewSelector(prefix string, registry *Registry, logger *slog.Logger) *Selector {
	return &Selector{prefix: prefix, registry: registry, logger: logger}
}

// KegPath is where a specific version of a formula lives on disk.
func (s *Selector) KegPath(name, version string) string {
	return filepath.Join(s.prefix, "cellar", name, version)
}

// OptPath is the stable symlink pointing at the linked keg.
func (s *Selector) OptPath(name string) string {
	return filepath.Join(s.prefix, "opt", name)
}

// Install records a new keg version and links it. The keg directory is
// created if absent so a subsequent fetch can populate it.
func (s *Selector) Install(ctx context.Context, name, version string) error {
	release, err := s.lock(ctx, name)
	if err != nil {
		return err
	}
	defer release() //nolint:errcheck
	if err := os.MkdirAll(s.KegPath(name, version), 0750); err != nil {
		return errors.Wrap(err, "create keg")
	}
	if err := s.registry.Install(ctx, name, version); err != nil {
		return err
	}
	return s.activate(name, version)
}

// Link activates a version of an installed formula. An empty version picks
// the latest installed one. Linking the already-linked version is a no-op.
func (s *Selector) Link(ctx context.Context, name, version string) error {
	release, err := s.lock(ctx, name)
	if err != nil {
		return err
	}
	defer release() //nolint:errcheck
	if version == "" {
		version, err = s.Latest(ctx, name)
		if err != nil {
			return err
		}
	}
	if current, ok, err := s.registry.Linked(ctx, name); err != nil {
		return err
	} else if ok && current == version {
		return nil
	}
	if err := s.registry.SetLinked(ctx, name, version); err != nil {
		return err
	}
	return s.activate(name, version)
}

// Unlink deactivates a formula without removing any keg. Idempotent.
func (s *Selector) Unlink(ctx context.Context, name string) error {
	release, err := s.lock(ctx, name)
	if err != nil {
		return err
	}
	defer release() //nolint:errcheck
	if _, ok, err := s.registry.Linked(ctx, name); err != nil {
		return err
	} else if !ok {
		return nil
	}
	if err := s.registry.SetLinked(ctx, name, ""); err != nil {
		return err
	}
	err = os.Remove(s.OptPath(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "remove opt link")
	}
	return nil
}

// Switch relinks a formula to another installed version. Unlike Link it
// insists the target version already exists in the registry.
func (s *Selector) Switch(ctx context.Context, name, version string) error {
	release, err := s.lock(ctx, name)
	if err != nil {
		return err
	}
	defer release() //nolint:errcheck
	installed, err := s.registry.Records(ctx, name)
	if err != nil {
		return err
	}
	found := false
	for _, record := range installed {
		if record.Version == version {
			found = true
			break
		}
	}
	if !found {
		return errors.Errorf("%s %s: %w", name, version, ErrVersionNotInstalled)
	}
	if err := s.registry.SetLinked(ctx, name, version); err != nil {
		return err
	}
	return s.activate(name, version)
}

// Uninstall removes every installed version of a formula: the opt link, all
// registry records, and the keg directories.
func (s *Selector) Uninstall(ctx context.Context, name string) error {
	release, err := s.lock(ctx, name)
	if err != nil {
		return err
	}
	defer release() //nolint:errcheck
	records, err := s.registry.Records(ctx, name)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.Errorf("%s: %w", name, ErrNotInstalled)
	}
	if err := s.registry.SetLinked(ctx, name, ""); err != nil {
		return err
	}
	err = os.Remove(s.OptPath(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "remove opt link")
	}
	for _, record := range records {
		if err := s.registry.Uninstall(ctx, name, record.Version); err != nil {
			return err
		}
	}
	return errors.Wrap(os.RemoveAll(filepath.Join(s.prefix, "cellar", name)), "remove kegs")
}

// Pin prevents a formula from being upgraded. Unpin reverses it.
func (s *Selector) Pin(ctx context.Context, name string) error {
	return s.registry.SetPinned(ctx, name, true)
}

func (s *Selector) Unpin(ctx context.Context, name string) error {
	return s.registry.SetPinned(ctx, name, false)
}

// Upgrade relinks a formula to its latest installed version. Pinned formulas
// are skipped with a notice unless force is set.
func (s *Selector) Upgrade(ctx context.Context, name string, force bool) error {
	records, err := s.registry.Records(ctx, name)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.Errorf("%s: %w", name, ErrNotInstalled)
	}
	if records[0].Pinned && !force {
		s.logger.Info("skipping pinned formula", "formula", name)
		return nil
	}
	latest, err := s.Latest(ctx, name)
	if err != nil {
		return err
	}
	return s.Link(ctx, name, latest)
}

// Latest returns the highest installed version of a formula.
func (s *Selector) Latest(ctx context.Context, name string) (string, error) {
	records, err := s.registry.Records(ctx, name)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", errors.Errorf("%s: %w", name, ErrNotInstalled)
	}
	versions := make([]string, 0, len(records))
	for _, record := range records {
		versions = append(versions, record.Version)
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) < 0
	})
	return versions[len(versions)-1], nil
}

// activate points the opt symlink at the keg, staging the new link next to
// the old one and renaming it into place so readers never see a gap.
func (s *Selector) activate(name, version string) error {
	opt := s.OptPath(name)
	if err := os.MkdirAll(filepath.Dir(opt), 0750); err != nil {
		return errors.Wrap(err, "create opt dir")
	}
	staging := opt + ".new"
	_ = os.Remove(staging)
	if err := os.Symlink(s.KegPath(name, version), staging); err != nil {
		return errors.Wrap(err, "stage opt link")
	}
	if err := os.Rename(staging, opt); err != nil {
		_ = os.Remove(staging)
		return errors.Wrap(err, "activate opt link")
	}
	return nil
}

func (s *Selector) lock(ctx context.Context, name string) (func() error, error) {
	dir := filepath.Join(s.prefix, "var", "locks")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "create lock dir")
	}
	return flock.Acquire(ctx, filepath.Join(dir, name+".lock"), 10*time.Second)
}

// CompareVersions orders two version strings. Valid semver pairs compare by
// semver precedence, anything else falls back to dotted numeric comparison
// with a lexical tiebreak for suffixed versions like "9.6p1".
func CompareVersions(a, b string) int {
	va, vb := "v"+a, "v"+b
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb)
	}
	if cmp := platform.CompareVersions(a, b); cmp != 0 {
		return cmp
	}
	return strings.Compare(a, b)
}
