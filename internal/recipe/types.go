// Package recipe discovers, parses, and indexes the build recipes that
// describe how each package is produced: its name, version, declared
// dependencies, and the aliases (provides/replaces) other recipes may depend
// on it by.
package recipe

import "forge.example/forge/internal/config"

// ID is a stable, arena-indexed handle for a Recipe within a Registry. Code
// that needs to refer to a recipe across package boundaries (the solver, the
// planner) holds an ID rather than a *Recipe, so the registry stays the only
// owner of recipe storage.
type ID int

// Recipe describes one buildable unit, parsed from a single recipe file
// under the pkgbuilds tree.
type Recipe struct {
	ID ID

	// Name is the canonical package name.
	Name string
	// Path is the recipe's location relative to the pkgbuilds root, e.g.
	// "main/linux-kernel".
	Path string
	// Repo is the pacman repository this recipe's output belongs to.
	Repo string
	// Version is the pkgver-pkgrel string as declared by the recipe.
	Version string

	// Depends lists every declared runtime/build dependency by name.
	Depends []string
	// Provides lists additional names this recipe satisfies dependencies
	// under, besides Name.
	Provides []string
	// Replaces lists names of recipes this one supersedes.
	Replaces []string

	// Mode selects host-compile vs cross-compile when building for a
	// foreign arch.
	Mode config.BuildMode

	// AnyArch is true when the recipe produces a single arch="any"
	// artifact that is valid for every target architecture.
	AnyArch bool

	// LocalDepends is Depends filtered down to only the names this
	// registry actually provides a recipe for. It is computed by
	// Registry.Discover after every recipe has been parsed; dependencies
	// satisfied outside the recipe tree (system/base packages) are dropped
	// before the dependency solver ever sees them.
	LocalDepends []string
}

// Names returns every name this recipe can be depended on by: its canonical
// name plus every provided and replaced alias.
func (r *Recipe) Names() []string {
	names := make([]string, 0, 1+len(r.Provides)+len(r.Replaces))
	names = append(names, r.Name)
	names = append(names, r.Provides...)
	names = append(names, r.Replaces...)
	return names
}

func (r *Recipe) String() string {
	return r.Path
}
