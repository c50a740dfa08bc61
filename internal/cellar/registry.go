// Package cellar tracks installed formula versions and which of them is
// active. The registry is a SQLite database under the cellar prefix; keg
// activation on disk is handled by Selector.
package cellar

import (
	"context"
	"database/sql"

	"github.com/alecthomas/errors"
	sqlite "modernc.org/sqlite"

	"github.com/relikd/cellar/internal/platform"
)

var (
	ErrNotInstalled        = errors.New("not installed")
	ErrVersionNotInstalled = errors.New("version not installed")
	ErrAlreadyInstalled    = errors.New("already installed")
	ErrPinned              = errors.New("pinned")
)

// Record is one installed keg as tracked by the registry.
type Record struct {
	Formula string
	Version string
	Linked  bool
	Pinned  bool
}

const schema = `
CREATE TABLE IF NOT EXISTS kegs (
	formula TEXT NOT NULL,
	version TEXT NOT NULL,
	linked INTEGER NOT NULL DEFAULT 0,
	pinned INTEGER NOT NULL DEFAULT 0,
	installed_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (formula, version)
);
`

// Registry stores installed-version records. Safe for concurrent use; all
// multi-row state changes run in a transaction.
type Registry struct {
	db *sql.DB
}

var _ platform.VersionLookup = (*Registry)(nil)

// OpenRegistry opens (creating if necessary) the registry database at path.
// Use ":memory:" for an ephemeral registry in tests.
func OpenRegistry(ctx context.Context, path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open registry")
	}
	// One connection: SQLite serializes writers anyway, and a pooled
	// ":memory:" DSN would otherwise open a fresh empty database per conn.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate registry")
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error { return errors.WithStack(r.db.Close()) }

// Install records a new keg and links it, unlinking any previously linked
// version of the same formula. Installing the same version twice is an error.
func (r *Registry) Install(ctx context.Context, name, version string) error {
	return r.transact(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE kegs SET linked = 0 WHERE formula = ?`, name)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO kegs (formula, version, linked, pinned)
			SELECT ?, ?, 1, coalesce(max(pinned), 0) FROM kegs WHERE formula = ?`,
			name, version, name)
		return translateErr(err)
	})
}

// Uninstall removes one keg record.
func (r *Registry) Uninstall(ctx context.Context, name, version string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM kegs WHERE formula = ? AND version = ?`, name, version)
	if err != nil {
		return errors.WithStack(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Errorf("%s %s: %w", name, version, ErrVersionNotInstalled)
	}
	return nil
}

// Records returns all kegs of one formula, oldest install first.
func (r *Registry) Records(ctx context.Context, name string) ([]Record, error) {
	return r.query(ctx, `SELECT formula, version, linked, pinned FROM kegs WHERE formula = ? ORDER BY installed_at, version`, name)
}

// All returns every keg record ordered by formula then install time.
func (r *Registry) All(ctx context.Context) ([]Record, error) {
	return r.query(ctx, `SELECT formula, version, linked, pinned FROM kegs ORDER BY formula, installed_at, version`)
}

// Linked returns the linked version of a formula, or ok=false when none is.
func (r *Registry) Linked(ctx context.Context, name string) (version string, ok bool, err error) {
	row := r.db.QueryRowContext(ctx, `SELECT version FROM kegs WHERE formula = ? AND linked = 1`, name)
	err = row.Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WithStack(err)
	}
	return version, true, nil
}

// SetLinked makes version the sole linked keg of the formula. An empty
// version unlinks everything. Idempotent.
func (r *Registry) SetLinked(ctx context.Context, name, version string) error {
	return r.transact(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE kegs SET linked = 0 WHERE formula = ?`, name)
		if err != nil {
			return errors.WithStack(err)
		}
		if version == "" {
			return nil
		}
		result, err := tx.ExecContext(ctx, `UPDATE kegs SET linked = 1 WHERE formula = ? AND version = ?`, name, version)
		if err != nil {
			return errors.WithStack(err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return errors.Errorf("%s %s: %w", name, version, ErrVersionNotInstalled)
		}
		return nil
	})
}

// SetPinned pins or unpins every keg of the formula.
func (r *Registry) SetPinned(ctx context.Context, name string, pinned bool) error {
	result, err := r.db.ExecContext(ctx, `UPDATE kegs SET pinned = ? WHERE formula = ?`, pinned, name)
	if err != nil {
		return errors.WithStack(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Errorf("%s: %w", name, ErrNotInstalled)
	}
	return nil
}

// InstalledVersions implements platform version lookup for guard evaluation.
// Errors degrade to "nothing installed".
func (r *Registry) InstalledVersions(name string) []string {
	records, err := r.Records(context.Background(), name)
	if err != nil {
		return nil
	}
	versions := make([]string, 0, len(records))
	for _, record := range records {
		versions = append(versions, record.Version)
	}
	return versions
}

func (r *Registry) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.Formula, &record.Version, &record.Linked, &record.Pinned); err != nil {
			return nil, errors.WithStack(err)
		}
		records = append(records, record)
	}
	return records, errors.WithStack(rows.Err())
}

func (r *Registry) transact(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.WithStack(tx.Commit())
}

func translateErr(err error) error {
	var sqliteError *sqlite.Error
	if errors.As(err, &sqliteError) && (sqliteError.Code() == 19 || sqliteError.Code() == 1555 || sqliteError.Code() == 2067) { // SQLITE_CONSTRAINT / _PRIMARYKEY / _UNIQUE
		return errors.Errorf("%w: %w", ErrAlreadyInstalled, err)
	}
	return errors.WithStack(err)
}
