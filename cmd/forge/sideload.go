package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"forge.example/forge/internal/config"
	"forge.example/forge/internal/recipe"
)

// SideloadCmd builds the named packages, then reports the artifacts a
// device installer would need. Actually transferring and installing them
// over SSH/SCP is an external collaborator this command doesn't implement;
// operators pipe the printed paths into their own transport.
type SideloadCmd struct {
	Arch    string   `help:"Target CPU architecture." placeholder:"ARCH"`
	NoBuild bool     `name:"no-build" short:"B" help:"Skip building; only resolve and report the existing artifacts."`
	Paths   []string `arg:"" help:"Recipe paths or names to sideload."`
}

func (c *SideloadCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	arch := config.Arch(c.Arch)
	if arch == "" {
		arch = cfg.RuntimeArch()
	}

	if !c.NoBuild {
		orch := newOrchestrator(cfg)
		if err := orch.Build(ctx, c.Paths, arch, false, false, true, buildOptions(cfg)); err != nil {
			return err
		}
	}

	reg, err := recipe.Discover(ctx, cfg.PkgbuildsDir(), config.Repositories, recipe.NewStarlarkParser())
	if err != nil {
		return err
	}
	matched, err := recipe.Filter(reg, c.Paths, false)
	if err != nil {
		return err
	}

	for _, rec := range matched {
		dir := filepath.Join(cfg.PackageDir(arch), rec.Repo)
		slog.Info("package ready for sideload", "recipe", rec.Name, "repo_dir", dir)
	}
	slog.Warn("sideload transport (scp + remote pacman -U) is not implemented by this build; transfer the listed repo directories yourself")
	return nil
}
