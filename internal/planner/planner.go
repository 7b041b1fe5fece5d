// Package planner combines the dependency solver and the freshness oracle
// to produce the final list of build levels the orchestrator will actually
// execute: the solver's full dependency chain, pruned of anything already
// built, except the requested recipes themselves when a rebuild is forced.
package planner

import (
	"context"

	"forge.example/forge/internal/config"
	"forge.example/forge/internal/freshness"
	"forge.example/forge/internal/recipe"
	"forge.example/forge/internal/solver"
)

// Dependants returns every recipe in reg that (directly or, if recursive,
// transitively) depends on one of the given recipes, matching dependencies
// against every name a recipe answers to (canonical, provides, replaces).
func Dependants(reg *recipe.Registry, ids []recipe.ID, recursive bool) []recipe.ID {
	names := make(map[string]bool, len(ids))
	for _, id := range ids {
		for _, n := range reg.Get(id).Names() {
			names[n] = true
		}
	}

	exclude := make(map[recipe.ID]bool, len(ids))
	for _, id := range ids {
		exclude[id] = true
	}

	var out []recipe.ID
	seen := make(map[recipe.ID]bool)
	for {
		var added []recipe.ID
		for _, id := range reg.All() {
			if seen[id] || exclude[id] {
				continue
			}
			for _, dep := range reg.Get(id).LocalDepends {
				if names[dep] {
					added = append(added, id)
					seen[id] = true
					break
				}
			}
		}
		if len(added) == 0 {
			return out
		}
		out = append(out, added...)
		if !recursive {
			return out
		}
		for _, id := range added {
			for _, n := range reg.Get(id).Names() {
				names[n] = true
			}
		}
	}
}

// UnbuiltLevels computes the full solver.Plan for requested, then drops any
// recipe the freshness Oracle reports as already built for arch. force only
// overrides that check for recipes in requested itself: an in-plan
// dependency that happens to already be fresh is never force-rebuilt just
// because something depending on it was. rebuildDependants additionally
// pulls in every recipe that (recursively) depends on a requested recipe
// and keeps it unconditionally, so that a rebuilt dependency forces its
// dependants to rebuild too. Levels left empty after pruning are dropped.
func UnbuiltLevels(
	ctx context.Context,
	reg *recipe.Registry,
	requested []recipe.ID,
	arch config.Arch,
	oracle *freshness.Oracle,
	force bool,
	rebuildDependants bool,
	tryDownload bool,
) ([][]recipe.ID, error) {
	requestedSet := make(map[recipe.ID]bool, len(requested))
	for _, id := range requested {
		requestedSet[id] = true
	}

	selection := requested
	var dependants []recipe.ID
	if rebuildDependants {
		dependants = Dependants(reg, requested, true)
		selection = append(append([]recipe.ID{}, requested...), dependants...)
	}
	dependantSet := make(map[recipe.ID]bool, len(dependants))
	for _, id := range dependants {
		dependantSet[id] = true
	}

	plan, err := solver.Plan(reg, selection)
	if err != nil {
		return nil, err
	}

	var pruned [][]recipe.ID
	for _, level := range plan {
		var keep []recipe.ID
		for _, id := range level {
			if force && requestedSet[id] {
				keep = append(keep, id)
				continue
			}
			if rebuildDependants && dependantSet[id] {
				keep = append(keep, id)
				continue
			}
			built, err := oracle.IsBuilt(ctx, reg.Get(id), arch, tryDownload)
			if err != nil {
				return nil, err
			}
			if !built {
				keep = append(keep, id)
			}
		}
		if len(keep) > 0 {
			pruned = append(pruned, keep)
		}
	}
	return pruned, nil
}
