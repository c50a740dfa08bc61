package resolve

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/relikd/cellar/internal/formula"
)

// ResolveAll resolves every formula concurrently. Resolution is pure, so the
// only synchronization point is the join before results are returned: callers
// never observe a partial universe. Per-formula failures are collected in
// errs rather than aborting unrelated formulas; results keeps input order
// with failed entries removed.
func ResolveAll(ctx context.Context, r *Resolver, formulas []*formula.Formula) (results []*Resolution, errs []error) {
	resolved := make([]*Resolution, len(formulas))
	failures := make([]error, len(formulas))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, f := range formulas {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err //nolint
			}
			res, err := r.Resolve(f)
			if err != nil {
				failures[i] = err
				return nil
			}
			resolved[i] = res
			return nil
		})
	}
	// Goroutines only report context cancellation; real failures are
	// per-formula and land in failures.
	if err := g.Wait(); err != nil {
		return nil, []error{err}
	}

	for i := range formulas {
		if failures[i] != nil {
			errs = append(errs, failures[i])
		} else if resolved[i] != nil {
			results = append(results, resolved[i])
		}
	}
	return results, errs
}
