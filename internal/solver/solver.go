// Package solver builds an ordered build plan from a recipe registry and a
// set of requested recipes: a sequence of levels where every recipe in a
// level depends only on recipes in earlier levels.
package solver

import (
	"fmt"

	"forge.example/forge/internal/forgeerr"
	"forge.example/forge/internal/recipe"
)

const (
	maxLevels        = 100
	maxStableRepeats = 10
)

// Plan computes the stratified build order for requested, expanding it to
// include every recursive local dependency. The result is ordered
// dependencies-first: level 0 must be built before level 1, and so on.
//
// Recipes start in level 0 together with their transitive dependencies,
// then a fixed-point loop promotes a recipe to the next level whenever
// another recipe on its current level depends on it, and pulls in any
// not-yet-visited dependency onto the current level. Cycle guards bound
// the loop at 100 levels and 10 stable repeats.
func Plan(reg *recipe.Registry, requested []recipe.ID) ([][]recipe.ID, error) {
	visited := make(map[recipe.ID]bool)
	visitedNames := make(map[string]bool)
	levels := []map[recipe.ID]bool{{}, {}}

	visit := func(id recipe.ID) {
		visited[id] = true
		for _, n := range reg.Get(id).Names() {
			visitedNames[n] = true
		}
	}

	var addRecursiveDeps func(id recipe.ID, into map[recipe.ID]bool)
	addRecursiveDeps = func(id recipe.ID, into map[recipe.ID]bool) {
		for _, depName := range reg.Get(id).LocalDepends {
			if visitedNames[depName] {
				continue
			}
			depID, ok := reg.Lookup(depName)
			if !ok {
				continue
			}
			visit(depID)
			into[depID] = true
			addRecursiveDeps(depID, into)
		}
	}

	for _, id := range requested {
		visit(id)
		levels[0][id] = true
		addRecursiveDeps(id, levels[0])
	}

	level := 0
	repeatCount := 0
	var lastLevel map[recipe.ID]bool

	for len(levels[level]) > 0 {
		if level > maxLevels {
			return nil, &forgeerr.SolverError{Reason: "dependency chain exceeded 100 levels, probable bug"}
		}

		levelCopy := make(map[recipe.ID]bool, len(levels[level]))
		for id := range levels[level] {
			levelCopy[id] = true
		}
		modified := false

		for id := range levelCopy {
			if !levels[level][id] {
				continue // already moved this pass
			}
			pkg := reg.Get(id)

			moved := false
			for otherID := range levelCopy {
				if otherID == id || moved {
					continue
				}
				for _, depName := range reg.Get(otherID).LocalDepends {
					if nameIn(depName, pkg.Names()) {
						delete(levels[level], id)
						if len(levels) == level+1 {
							levels = append(levels, map[recipe.ID]bool{})
						}
						levels[level+1][id] = true
						modified = true
						moved = true
						break
					}
				}
			}

			for _, depName := range pkg.LocalDepends {
				if visitedNames[depName] {
					continue
				}
				depID, ok := reg.Lookup(depName)
				if !ok {
					continue
				}
				levels[level][depID] = true
				visit(depID)
				modified = true
			}
		}

		// A level that empties out within one pass had no sink: every
		// recipe in it was promoted by another recipe also in it, which a
		// DAG cannot do. Catch it here; the outer loop condition would
		// otherwise exit before the repeat check ever fires.
		if len(levelCopy) > 0 && len(levels[level]) == 0 {
			return nil, &forgeerr.SolverError{Reason: fmt.Sprintf("dependency cycle: every recipe at level %d depends on another recipe in the same level", level)}
		}

		if mapsEqual(lastLevel, levels[level]) {
			repeatCount++
		} else {
			repeatCount = 0
		}
		if repeatCount > maxStableRepeats {
			return nil, &forgeerr.SolverError{Reason: fmt.Sprintf("probable dependency cycle at level %d", level)}
		}
		lastLevel = copyLevel(levels[level])

		if !modified {
			level++
			levels = append(levels, map[recipe.ID]bool{})
		}
	}

	// Reverse into build order (deps first) and prune empty levels.
	var plan [][]recipe.ID
	for i := len(levels) - 1; i >= 0; i-- {
		if len(levels[i]) == 0 {
			continue
		}
		ids := make([]recipe.ID, 0, len(levels[i]))
		for id := range levels[i] {
			ids = append(ids, id)
		}
		plan = append(plan, ids)
	}
	return plan, nil
}

func nameIn(name string, names []string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func mapsEqual(a, b map[recipe.ID]bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func copyLevel(m map[recipe.ID]bool) map[recipe.ID]bool {
	out := make(map[recipe.ID]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
