package recipe

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.starlark.net/starlark"

	"forge.example/forge/internal/config"
)

// StarlarkParser is a reference Parser implementation that evaluates a
// declarative Starlark recipe file exposing top-level variables:
//
//	name      string
//	version   string
//	depends   list of string
//	provides  list of string (optional)
//	replaces  list of string (optional)
//	mode      "host" or "cross" (optional, defaults to "cross")
//	any_arch  bool (optional)
//
// The thread is restricted: no predeclared builtins beyond the language's
// own literals, so a recipe file is a static metadata declaration, not a
// script with filesystem or network reach.
type StarlarkParser struct{}

func NewStarlarkParser() *StarlarkParser { return &StarlarkParser{} }

func (p *StarlarkParser) Parse(ctx context.Context, repo, path string) ([]Recipe, error) {
	recipeFile := filepath.Join(path, "recipe.star")
	thread := &starlark.Thread{
		Name: recipeFile,
		Print: func(_ *starlark.Thread, msg string) {
			slog.Debug(msg, "recipe", recipeFile)
		},
	}

	globals, err := starlark.ExecFile(thread, recipeFile, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("evaluating recipe %s: %w", recipeFile, err)
	}

	name, err := stringField(globals, "name", true)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", path, err)
	}
	version, err := stringField(globals, "version", true)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", path, err)
	}

	depends, err := stringListField(globals, "depends")
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", path, err)
	}
	provides, err := stringListField(globals, "provides")
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", path, err)
	}
	replaces, err := stringListField(globals, "replaces")
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", path, err)
	}

	mode := config.ModeCross
	if v, ok := globals["mode"]; ok {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("recipe %s: mode must be a string", path)
		}
		mode = config.BuildMode(s)
	}

	anyArch := false
	if v, ok := globals["any_arch"]; ok {
		b, ok := v.(starlark.Bool)
		if !ok {
			return nil, fmt.Errorf("recipe %s: any_arch must be a bool", path)
		}
		anyArch = bool(b)
	}

	return []Recipe{{
		Name:     name,
		Path:     path,
		Repo:     repo,
		Version:  version,
		Depends:  depends,
		Provides: provides,
		Replaces: replaces,
		Mode:     mode,
		AnyArch:  anyArch,
	}}, nil
}

func stringField(globals starlark.StringDict, key string, required bool) (string, error) {
	v, ok := globals[key]
	if !ok {
		if required {
			return "", fmt.Errorf("missing required field %q", key)
		}
		return "", nil
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	return s, nil
}

func stringListField(globals starlark.StringDict, key string) ([]string, error) {
	v, ok := globals[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.(*starlark.List)
	if !ok {
		return nil, fmt.Errorf("field %q must be a list", key)
	}
	out := make([]string, 0, list.Len())
	iter := list.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		s, ok := starlark.AsString(item)
		if !ok {
			return nil, fmt.Errorf("field %q must be a list of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}
