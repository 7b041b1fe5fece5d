package main

import (
	"context"
)

// CleanCmd removes build leftovers from the pkgbuilds tree: the src/pkg
// build directories, or with "all" every file pkgbuilds.git ignores.
type CleanCmd struct {
	Force bool     `short:"f" help:"Don't prompt for confirmation before a full reset."`
	Noop  bool     `short:"n" help:"Print what would be removed without removing it."`
	What  []string `arg:"" optional:"" enum:"all,src,pkg" help:"What to clean: all, src, or pkg."`
}

func (c *CleanCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	what := c.What
	if len(what) == 0 {
		what = []string{"all"}
	}
	for _, w := range what {
		if w == "all" && !c.Noop && !c.Force {
			if !confirm("Really remove every file git ignores from pkgbuilds? This erases all build leftovers.") {
				return nil
			}
			break
		}
	}

	orch := newOrchestrator(cfg)
	return orch.Clean(ctx, what, c.Noop)
}
