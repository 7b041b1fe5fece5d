// Package orchestrator wires recipe discovery, dependency planning, build
// execution, and repo publication into the top-level flow: discover →
// plan → execute → publish. It is the sole caller of every other
// component, and the sole writer of the shared package-manager cache and
// per-arch repo directories: Build holds a per-arch file lock for its
// entire run so two orchestrator processes never write the same arch's
// repo concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"forge.example/forge/internal/cache"
	"forge.example/forge/internal/config"
	"forge.example/forge/internal/executor"
	"forge.example/forge/internal/forgeerr"
	"forge.example/forge/internal/freshness"
	"forge.example/forge/internal/planner"
	"forge.example/forge/internal/publisher"
	"forge.example/forge/internal/recipe"
	"forge.example/forge/internal/repoindex"
)

// BinfmtRegistrar registers a foreign architecture's emulator with the
// kernel's binfmt_misc handler, so foreign-arch binaries can be executed
// transparently via QEMU user-mode emulation. The registrar itself is
// consumed, not implemented here; callers that don't need foreign-arch
// builds may pass nil.
type BinfmtRegistrar interface {
	Register(ctx context.Context, arch config.Arch) error
}

// Options carries every build-tuning flag the orchestrator threads through
// to the executor.
type Options struct {
	EnableCrosscompile bool
	EnableCrossdirect  bool
	EnableCcache       bool
	CleanChroot        bool
}

// Orchestrator drives the full build lifecycle for a recipe tree.
type Orchestrator struct {
	cfg    config.Config
	parser recipe.Parser
	exec   *executor.Executor
	pub    *publisher.Publisher
	client *repoindex.Client
	binfmt BinfmtRegistrar
	mirror string // $repo/$arch URL template for the remote HTTPS mirror
}

// New constructs an Orchestrator. factory builds a BuildChroot per arch;
// mirrorURLTemplate is passed straight through to the freshness Oracle for
// try-download support, and may be empty. binfmt may be nil if the caller
// never builds for a foreign arch.
func New(cfg config.Config, parser recipe.Parser, factory executor.ChrootFactory, mirrorURLTemplate string, binfmt BinfmtRegistrar) *Orchestrator {
	pub := publisher.New(cfg)
	return &Orchestrator{
		cfg:    cfg,
		parser: parser,
		exec:   executor.New(cfg, factory),
		pub:    pub,
		client: repoindex.NewClient(),
		binfmt: binfmt,
		mirror: mirrorURLTemplate,
	}
}

// Build discovers recipes, resolves paths against the registry, computes
// the levels that still need building for arch, and drives the executor
// and publisher over each level in dependency order. An empty arch
// defaults to "aarch64".
func (o *Orchestrator) Build(
	ctx context.Context,
	paths []string,
	arch config.Arch,
	force bool,
	rebuildDependants bool,
	tryDownload bool,
	opts Options,
) error {
	if arch == "" {
		arch = config.ArchAarch64
	}
	if !archKnown(arch) {
		return &forgeerr.ConfigError{Field: "arch", Err: fmt.Errorf("unknown architecture %q", arch)}
	}

	unlock, err := cache.Lock(ctx, filepath.Join(o.cfg.StateDir(), "locks", string(arch)))
	if err != nil {
		return fmt.Errorf("acquiring build lock for %s: %w", arch, err)
	}
	defer unlock()

	reg, err := recipe.Discover(ctx, o.cfg.PkgbuildsDir(), config.Repositories, o.parser)
	if err != nil {
		return err
	}

	if arch != o.cfg.RuntimeArch() {
		if err := o.enableForeignArch(ctx, reg, arch); err != nil {
			return err
		}
	}

	matched, err := recipe.Filter(reg, paths, false)
	if err != nil {
		return &forgeerr.DiscoveryError{Path: fmt.Sprint(paths), Err: err}
	}

	requested := make([]recipe.ID, len(matched))
	for i, r := range matched {
		requested[i] = r.ID
	}

	if err := o.pub.InitRepos(ctx, arch); err != nil {
		return err
	}
	if err := o.pub.InitRepos(ctx, o.cfg.RuntimeArch()); err != nil {
		return err
	}

	oracle := freshness.NewOracle(o.cfg, o.client, o.pub, o.exec.PackageList, o.mirror)
	levels, err := planner.UnbuiltLevels(ctx, reg, requested, arch, oracle, force, rebuildDependants, tryDownload)
	if err != nil {
		return err
	}
	if len(levels) == 0 {
		slog.Info("everything already built", "arch", arch)
		return nil
	}

	execOpts := executor.Options{
		EnableCrosscompile: opts.EnableCrosscompile,
		EnableCrossdirect:  opts.EnableCrossdirect,
		EnableCcache:       opts.EnableCcache,
		CleanChroot:        opts.CleanChroot,
		Threads:            o.cfg.Build.Threads,
	}

	for levelNum, level := range levels {
		names := make([]string, len(level))
		for i, id := range level {
			names[i] = reg.Get(id).Name
		}
		slog.Info("building level", "level", levelNum, "recipes", names)

		for _, id := range level {
			rec := reg.Get(id)
			files, err := o.exec.Build(ctx, rec, arch, execOpts)
			if err != nil {
				return err
			}
			dir := filepath.Join(o.cfg.PkgbuildsDir(), rec.Path)
			if _, err := o.pub.AddArtifacts(ctx, dir, rec.Repo, arch, files); err != nil {
				return err
			}
		}
	}
	return nil
}

// enableForeignArch ensures the host-native emulator and cross-helper
// recipes (config.CrossdirectPackages) are themselves built before a
// foreign-arch build starts, then registers the target arch's emulator
// with binfmt_misc.
func (o *Orchestrator) enableForeignArch(ctx context.Context, reg *recipe.Registry, arch config.Arch) error {
	native := o.cfg.RuntimeArch()

	var crossPaths []string
	for _, pkg := range config.CrossdirectPackages {
		if id, ok := reg.Lookup(pkg); ok {
			crossPaths = append(crossPaths, reg.Get(id).Path)
		}
	}
	if len(crossPaths) > 0 {
		if err := o.Build(ctx, crossPaths, native, false, false, true, Options{}); err != nil {
			return fmt.Errorf("building cross-helper packages for %s: %w", native, err)
		}
	}

	if o.binfmt != nil {
		if err := o.binfmt.Register(ctx, arch); err != nil {
			return fmt.Errorf("registering binfmt handler for %s: %w", arch, err)
		}
	}
	return nil
}

func archKnown(arch config.Arch) bool {
	for _, a := range config.Arches {
		if a == arch {
			return true
		}
	}
	return false
}

// Clean removes build leftovers from the pkgbuilds tree. If what contains
// "all" (or is empty), `git clean -dffX` removes every file and directory
// git ignores under each repository directory; untracked files that are not
// ignored are kept. Otherwise only the named build-artifact subdirectories
// ("src", "pkg") are removed. With noop set nothing is removed and what
// would be removed is logged instead. Confirmation is the caller's concern;
// Clean performs no prompting.
func (o *Orchestrator) Clean(ctx context.Context, what []string, noop bool) error {
	if len(what) == 0 {
		what = []string{"all"}
	}

	wantAll := false
	for _, w := range what {
		if w == "all" {
			wantAll = true
		}
	}

	pkgbuilds := o.cfg.PkgbuildsDir()
	if wantAll {
		args := []string{"clean", "-dffX"}
		if noop {
			args[1] = "-dffXn"
		}
		args = append(args, config.Repositories...)
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = pkgbuilds
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("git clean failed: %w: %s", err, out)
		}
		if noop {
			slog.Info("would remove", "git_clean", string(out))
		}
		return nil
	}

	var dirs []string
	for _, loc := range what {
		if loc != "src" && loc != "pkg" {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(pkgbuilds, "*", "*", loc))
		if err != nil {
			return err
		}
		dirs = append(dirs, matches...)
	}

	for _, dir := range dirs {
		if noop {
			slog.Info("would remove", "dir", dir)
			continue
		}
		slog.Info("removing", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	return nil
}

// List returns every discovered recipe, for the list inspection command.
func (o *Orchestrator) List(ctx context.Context) ([]*recipe.Recipe, error) {
	reg, err := recipe.Discover(ctx, o.cfg.PkgbuildsDir(), config.Repositories, o.parser)
	if err != nil {
		return nil, err
	}
	out := make([]*recipe.Recipe, reg.Len())
	for i, id := range reg.All() {
		out[i] = reg.Get(id)
	}
	return out, nil
}

// Check validates that every recipe matched by paths resolves cleanly and
// declares the fields a build actually needs: a recipe with no name, no
// version, or a dependency naming itself is reported as an error.
func (o *Orchestrator) Check(ctx context.Context, paths []string) error {
	reg, err := recipe.Discover(ctx, o.cfg.PkgbuildsDir(), config.Repositories, o.parser)
	if err != nil {
		return err
	}
	matched, err := recipe.Filter(reg, paths, false)
	if err != nil {
		return &forgeerr.DiscoveryError{Path: fmt.Sprint(paths), Err: err}
	}

	for _, rec := range matched {
		if rec.Name == "" {
			return &forgeerr.DiscoveryError{Path: rec.Path, Err: fmt.Errorf("recipe declares no name")}
		}
		if rec.Version == "" {
			return &forgeerr.DiscoveryError{Path: rec.Path, Err: fmt.Errorf("recipe %s declares no version", rec.Name)}
		}
		for _, dep := range rec.Depends {
			if dep == rec.Name {
				return &forgeerr.DiscoveryError{Path: rec.Path, Err: fmt.Errorf("recipe %s depends on itself", rec.Name)}
			}
		}
		slog.Info("recipe OK", "path", rec.Path)
	}
	return nil
}
