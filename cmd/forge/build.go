package main

import (
	"context"

	"forge.example/forge/internal/config"
)

// BuildCmd builds the packages matched by Paths, and whatever unbuilt
// dependencies they require, in dependency order.
type BuildCmd struct {
	Force             bool     `help:"Rebuild even if the package is already built."`
	Arch              string   `help:"Target CPU architecture. Defaults to aarch64." placeholder:"ARCH"`
	RebuildDependants bool     `name:"rebuild-dependants" help:"Rebuild packages that depend on packages that will be [re]built."`
	NoDownload        bool     `name:"no-download" help:"Don't try downloading packages from the remote mirror before building."`
	Paths             []string `arg:"" optional:"" help:"Recipe paths or names to build, or \"all\"."`
}

func (c *BuildCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orch := newOrchestrator(cfg)

	paths := c.Paths
	if len(paths) == 0 {
		paths = []string{"all"}
	}

	return orch.Build(ctx, paths, config.Arch(c.Arch), c.Force, c.RebuildDependants, !c.NoDownload, buildOptions(cfg))
}
