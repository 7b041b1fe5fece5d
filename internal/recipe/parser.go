package recipe

import "context"

// Parser turns a recipe directory on disk into one or more Recipes. Recipe-file
// syntax itself is out of this module's scope; Parser is the seam a caller
// plugs a real front-end (PKGBUILD, Starlark, whatever the recipe tree
// actually uses) into.
type Parser interface {
	// Parse reads and evaluates the recipe directory at path (an absolute
	// filesystem path) and returns the Recipe(s) it declares. Most recipes
	// declare exactly one; a split-package recipe may declare several. The
	// returned Recipe's Path field is overwritten by Discover with path
	// made relative to the pkgbuilds root, so implementations need not set
	// it themselves.
	Parse(ctx context.Context, repo, path string) ([]Recipe, error)
}
