// Command forge is the CLI frontend for the package-build orchestrator: it
// wires the recipe parser, build-chroot factory, and publisher together and
// exposes the fixed subcommand surface (build, update, sideload, clean,
// list, check) over the orchestrator core.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	"forge.example/forge/internal/buildroot"
	"forge.example/forge/internal/config"
	"forge.example/forge/internal/orchestrator"
	"forge.example/forge/internal/recipe"
)

// Root is the top-level kong command tree.
var Root struct {
	Debug  bool   `help:"Enable debug logging."`
	Mirror string `help:"$repo/$arch URL template for the remote HTTPS package mirror consulted by build --no-download=false." placeholder:"URL"`

	Build    BuildCmd    `cmd:"" help:"Build packages (and their dependencies) by path."`
	Update   UpdateCmd   `cmd:"" help:"Update the pkgbuilds git repo."`
	Sideload SideloadCmd `cmd:"" help:"Build packages and stage them for installation on a device."`
	Clean    CleanCmd    `cmd:"" help:"Remove build leftovers (files ignored by pkgbuilds.git) from the pkgbuilds tree."`
	List     ListCmd     `cmd:"" help:"List every discovered recipe."`
	Check    CheckCmd    `cmd:"" help:"Validate recipe files under the pkgbuilds tree."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx := kong.Parse(&Root,
		kong.Name("forge"),
		kong.Description("Cross-architecture package-build orchestrator for a pacman-style repo tree."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	level := slog.LevelInfo
	if Root.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	kctx.FatalIfErrorf(kctx.Run())
}

// loadConfig initializes a Config from the host environment.
func loadConfig() (config.Config, error) {
	cfg, err := config.Init()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newOrchestrator builds an Orchestrator wired to a bubblewrap-backed
// ChrootFactory rooted under the config's state directory, one chroot
// directory per architecture.
func newOrchestrator(cfg config.Config) *orchestrator.Orchestrator {
	factory := func(arch config.Arch) buildroot.BuildChroot {
		root := filepath.Join(cfg.StateDir(), "chroots", string(arch))
		return buildroot.NewBubblewrapChroot(root, arch)
	}
	return orchestrator.New(cfg, recipe.NewStarlarkParser(), factory, Root.Mirror, nil)
}

func buildOptions(cfg config.Config) orchestrator.Options {
	return orchestrator.Options{
		EnableCrosscompile: cfg.Build.Crosscompile,
		EnableCrossdirect:  cfg.Build.Crossdirect,
		EnableCcache:       cfg.Build.Ccache,
		CleanChroot:        cfg.Build.CleanChroot,
	}
}
