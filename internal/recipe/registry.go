package recipe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"forge.example/forge/internal/forgeerr"
)

// Registry is the parsed, alias-resolved index of every recipe under a
// pkgbuilds tree. Recipes are stored in an arena (a slice, addressed by ID)
// so that other packages (the solver, the planner) can hold lightweight IDs
// instead of pointers, keeping the Registry the sole owner of recipe
// storage.
type Registry struct {
	recipes []Recipe
	byName  map[string]ID
}

// Get returns the recipe stored at id.
func (r *Registry) Get(id ID) *Recipe { return &r.recipes[id] }

// Lookup resolves a name (canonical, provided, or replaced) to a recipe ID.
func (r *Registry) Lookup(name string) (ID, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// All returns every recipe ID in discovery order.
func (r *Registry) All() []ID {
	ids := make([]ID, len(r.recipes))
	for i := range r.recipes {
		ids[i] = ID(i)
	}
	return ids
}

// Len reports how many recipes are indexed.
func (r *Registry) Len() int { return len(r.recipes) }

// Discover walks every repository directory under pkgbuildsDir, parses each
// recipe found with parser using a worker pool bounded at 4×NumCPU, and
// reduces the results into a single alias-resolved Registry.
//
// When two recipes declare the same name (whether as their canonical name,
// a provides entry, or a replaces entry), the later one encountered wins
// and a warning is logged. The warning always names the replaced recipe by
// its canonical name, even when the collision happened on an alias.
func Discover(ctx context.Context, pkgbuildsDir string, repositories []string, parser Parser) (*Registry, error) {
	var paths []struct{ repo, path string }
	for _, repo := range repositories {
		repoDir := filepath.Join(pkgbuildsDir, repo)
		entries, err := os.ReadDir(repoDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, &forgeerr.DiscoveryError{Path: repoDir, Err: err}
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			paths = append(paths, struct{ repo, path string }{repo, filepath.Join(repoDir, e.Name())})
		}
	}

	results := make([][]Recipe, len(paths))
	sem := semaphore.NewWeighted(int64(runtime.NumCPU() * 4))
	g, gctx := errgroup.WithContext(ctx)

	for i, p := range paths {
		i, p := i, p
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			recipes, err := parser.Parse(gctx, p.repo, p.path)
			if err != nil {
				return &forgeerr.DiscoveryError{Path: p.path, Err: err}
			}
			results[i] = recipes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	reg := &Registry{byName: make(map[string]ID)}

	for i, recipes := range results {
		relPath, err := filepath.Rel(pkgbuildsDir, paths[i].path)
		if err != nil {
			relPath = paths[i].path
		}
		for _, r := range recipes {
			r.Path = relPath
			id := ID(len(reg.recipes))
			r.ID = id
			reg.recipes = append(reg.recipes, r)

			for _, alias := range r.Names() {
				if existingID, ok := reg.byName[alias]; ok {
					existing := reg.recipes[existingID]
					slog.Warn("overriding recipe with same name",
						"existing", existing.Name, "new", r.Path)
				}
				reg.byName[alias] = id
			}
		}
	}

	reg.computeLocalDepends()
	return reg, nil
}

// computeLocalDepends filters each recipe's Depends down to the names this
// registry actually provides a recipe for, dropping dependencies that are
// satisfied by the base system instead (anything not found in the recipe
// tree, such as glibc or bash).
func (r *Registry) computeLocalDepends() {
	for i := range r.recipes {
		rec := &r.recipes[i]
		rec.LocalDepends = make([]string, 0, len(rec.Depends))
		for _, dep := range rec.Depends {
			if _, ok := r.byName[dep]; ok {
				rec.LocalDepends = append(rec.LocalDepends, dep)
			} else {
				slog.Debug("dropping non-local dependency", "recipe", rec.Path, "dep", dep)
			}
		}
	}
}

// Filter returns the recipes whose Path or Name matches one of the given
// selectors, or every recipe if selectors contains "all". allowEmpty
// controls whether a selector set that matches nothing is an error.
func Filter(r *Registry, selectors []string, allowEmpty bool) ([]*Recipe, error) {
	for _, s := range selectors {
		if s == "all" {
			out := make([]*Recipe, r.Len())
			for i := range r.recipes {
				out[i] = &r.recipes[i]
			}
			return out, nil
		}
	}

	want := make(map[string]bool, len(selectors))
	for _, s := range selectors {
		want[s] = true
	}

	var out []*Recipe
	for i := range r.recipes {
		rec := &r.recipes[i]
		if want[rec.Path] || want[rec.Name] {
			out = append(out, rec)
		}
	}
	if !allowEmpty && len(out) == 0 {
		return nil, fmt.Errorf("no recipes matched by selectors: %v", selectors)
	}
	return out, nil
}
