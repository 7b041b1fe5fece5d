package main

import (
	"context"
	"fmt"
)

// ListCmd prints every recipe discovered under the pkgbuilds tree.
type ListCmd struct{}

func (c *ListCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orch := newOrchestrator(cfg)

	recs, err := orch.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range recs {
		fmt.Printf("name: %s; ver: %s; provides: %v; replaces: %v; local_depends: %v; depends: %v\n",
			r.Name, r.Version, r.Provides, r.Replaces, r.LocalDepends, r.Depends)
	}
	return nil
}
