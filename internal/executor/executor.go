// Package executor drives one (recipe, arch) build: selecting between
// native, cross-compiled, and emulated+crossdirect build roots, preparing
// them via the consumed BuildChroot interface, and running the recipe's
// build commands inside the chosen root.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"forge.example/forge/internal/buildroot"
	"forge.example/forge/internal/config"
	"forge.example/forge/internal/forgeerr"
	"forge.example/forge/internal/recipe"
)

// emulatorLdPrefix maps a foreign target arch to the dynamic loader path
// QEMU's user-mode emulator needs to resolve a cross-built binary's shared
// libraries.
var emulatorLdPrefix = map[config.Arch]string{
	config.ArchX86_64:  "/usr/x86_64-linux-gnu",
	config.ArchAarch64: "/usr/aarch64-linux-gnu",
	config.ArchArmv7h:  "/usr/arm-linux-gnueabihf",
}

// strippedEnvPrefixes lists the CI-system environment variable families
// that must never leak into a build's environment, since CI runners set
// variables (branch names, tokens, job URLs) that can make builds
// non-reproducible or leak secrets into build logs.
var strippedEnvPrefixes = map[string]bool{"CI": true, "GITLAB": true, "FF": true}

// ChrootFactory constructs a fresh BuildChroot rooted for arch. Executor
// calls it once per (native, target) root it needs for a build; callers
// typically close over a packages-root directory and hand back a
// buildroot.BubblewrapChroot (or a production chroot/overlayfs adapter).
type ChrootFactory func(arch config.Arch) buildroot.BuildChroot

// Options carries the build-tuning flags from config.Build that influence
// mode selection and environment construction.
type Options struct {
	EnableCrosscompile bool
	EnableCrossdirect  bool
	EnableCcache       bool
	CleanChroot        bool
	Threads            int // 0 means use runtime.NumCPU()
}

// Executor builds recipes for a target arch by preparing and driving
// BuildChroot instances.
type Executor struct {
	cfg     config.Config
	chroots ChrootFactory
}

// New returns an Executor that builds under cfg's pkgbuilds tree, using
// factory to materialize build roots.
func New(cfg config.Config, factory ChrootFactory) *Executor {
	return &Executor{cfg: cfg, chroots: factory}
}

// Build prepares the build root(s) for rec targeting arch, then runs the
// recipe's source-prep and compile steps inside the chosen root. It returns
// the list of artifact filenames (relative to rec's pkgbuild directory)
// makepkg would have produced, read back from that directory on success.
func (e *Executor) Build(ctx context.Context, rec *recipe.Recipe, arch config.Arch, opts Options) ([]string, error) {
	native := e.cfg.RuntimeArch()
	foreign := arch != native

	localDeps := subtract(rec.Depends, rec.Names())

	targetChroot := e.chroots(arch)
	if err := prepareChroot(ctx, e.cfg, targetChroot, localDeps, opts.CleanChroot); err != nil {
		return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
	}

	var nativeChroot buildroot.BuildChroot
	if foreign {
		nativeChroot = e.chroots(native)
		crossdirectDeps := append([]string{"base-devel"}, config.CrossdirectPackages...)
		if err := prepareChroot(ctx, e.cfg, nativeChroot, crossdirectDeps, opts.CleanChroot); err != nil {
			return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
		}
	} else {
		nativeChroot = targetChroot
	}

	cross := foreign && rec.Mode == config.ModeCross && opts.EnableCrosscompile

	var buildRoot buildroot.BuildChroot
	var makepkgConfPath string
	var extraArgs []string
	env := buildEnv(opts.Threads, arch)

	switch {
	case cross:
		slog.Info("cross-compiling", "recipe", rec.Path, "arch", arch)
		buildRoot = nativeChroot
		extraArgs = []string{"--nodeps"}
		if opts.EnableCcache {
			env["PATH"] = "/usr/lib/ccache:" + env["PATH"]
		}

		hostspec := config.GCCHostspecs[nativeChroot.Arch()][arch]
		if hostspec == "" {
			return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: fmt.Errorf("no cross toolchain known from %s to %s", nativeChroot.Arch(), arch)}
		}
		crossPkgs := append(append([]string{}, rec.Depends...), config.CrossdirectPackages...)
		crossPkgs = append(crossPkgs, hostspec+"-gcc")
		results, err := nativeChroot.TryInstallPackages(ctx, crossPkgs, true)
		if err != nil {
			return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
		}
		if failed := failedPackage(results, "crossdirect"); failed != nil {
			return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: fmt.Errorf("unable to install crossdirect: %w", failed.Err)}
		}

		if err := nativeChroot.MountCrosscompile(ctx, targetChroot); err != nil {
			return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
		}
		chrootRelative := filepath.Join("chroots", string(arch))
		path, err := nativeChroot.WriteMakepkgConf(ctx, arch, chrootRelative, true)
		if err != nil {
			return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
		}
		makepkgConfPath = path

	case foreign && opts.EnableCrossdirect && !isCrossdirectPackage(rec.Name):
		slog.Info("host-compiling via crossdirect", "recipe", rec.Path, "arch", arch)
		buildRoot = targetChroot
		extraArgs = []string{"--syncdeps"}
		env["PATH"] = fmt.Sprintf("/native/usr/lib/crossdirect/%s:%s", arch, env["PATH"])
		if err := targetChroot.MountCrossdirect(ctx, nativeChroot); err != nil {
			return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
		}
		if _, err := targetChroot.TryInstallPackages(ctx, localDeps, false); err != nil {
			return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
		}
		path, err := targetChroot.WriteMakepkgConf(ctx, arch, "", false)
		if err != nil {
			return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
		}
		makepkgConfPath = path

	default:
		slog.Info("native/emulated build", "recipe", rec.Path, "arch", arch)
		buildRoot = targetChroot
		extraArgs = []string{"--syncdeps"}
		deps := localDeps
		if opts.EnableCcache {
			env["PATH"] = "/usr/lib/ccache:" + env["PATH"]
			deps = append(append([]string{}, deps...), "ccache")
		}
		results, err := targetChroot.TryInstallPackages(ctx, deps, false)
		if err != nil {
			return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
		}
		if failed := firstFailed(results); failed != nil {
			return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: fmt.Errorf("dependency %s failed to install: %w", failed.Package, failed.Err)}
		}
		path, err := targetChroot.WriteMakepkgConf(ctx, arch, "", false)
		if err != nil {
			return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
		}
		makepkgConfPath = path
	}

	if err := e.runBuild(ctx, rec, buildRoot, makepkgConfPath, extraArgs, env); err != nil {
		return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
	}

	return collectArtifacts(filepath.Join(e.cfg.PkgbuildsDir(), rec.Path))
}

// PackageList enumerates the artifact file names rec's build tooling would
// produce for arch, without actually building: it prepares a target chroot
// the same way Build does, then runs makepkg --packagelist inside it. The
// --nobuild --noprepare combination queries makepkg without running any
// build or prepare steps.
func (e *Executor) PackageList(ctx context.Context, rec *recipe.Recipe, arch config.Arch) ([]string, error) {
	localDeps := subtract(rec.Depends, rec.Names())
	chroot := e.chroots(arch)
	if err := prepareChroot(ctx, e.cfg, chroot, localDeps, false); err != nil {
		return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
	}

	makepkgConfPath, err := chroot.WriteMakepkgConf(ctx, arch, "", false)
	if err != nil {
		return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: err}
	}
	confAbs := "/" + strings.TrimPrefix(makepkgConfPath, "/")

	cwd := filepath.Join("pkgbuilds", rec.Path)
	cmd := fmt.Sprintf("makepkg --config %s --nobuild --noprepare --skippgpcheck --packagelist", confAbs)
	out, err := chroot.RunCmdOutput(ctx, cmd, cwd, nil)
	if err != nil {
		return nil, &forgeerr.BuildError{Recipe: rec.Name, Arch: string(arch), Err: fmt.Errorf("listing packages for %s: %w", rec.Path, err)}
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func prepareChroot(ctx context.Context, cfg config.Config, chroot buildroot.BuildChroot, extraPackages []string, reset bool) error {
	if err := chroot.Initialize(ctx, reset); err != nil {
		return err
	}
	if err := chroot.MountPackages(ctx, cfg.PackageDir(chroot.Arch())); err != nil {
		return err
	}
	if err := chroot.MountPacmanCache(ctx, cfg.PacmanCacheDir(chroot.Arch())); err != nil {
		return err
	}
	if err := chroot.MountPkgbuilds(ctx, cfg.PkgbuildsDir()); err != nil {
		return err
	}
	if _, err := chroot.WritePacmanConf(ctx, chroot.Arch()); err != nil {
		return err
	}
	if len(extraPackages) > 0 {
		if _, err := chroot.TryInstallPackages(ctx, extraPackages, false); err != nil {
			return err
		}
	}
	return nil
}

// runBuild runs the two-step makepkg invocation: prepare sources with
// dependency checks and versioning disabled, then compile for real with
// the mode-specific flags.
func (e *Executor) runBuild(ctx context.Context, rec *recipe.Recipe, root buildroot.BuildChroot, makepkgConfPath string, extraArgs []string, env map[string]string) error {
	cwd := filepath.Join("pkgbuilds", rec.Path)
	confAbs := "/" + strings.TrimPrefix(makepkgConfPath, "/")

	prep := fmt.Sprintf("makepkg --config %s --nobuild --holdver --nodeps --skippgpcheck", confAbs)
	if err := root.RunCmd(ctx, prep, cwd, nil); err != nil {
		return fmt.Errorf("preparing sources for %s: %w", rec.Path, err)
	}

	args := append([]string{"--holdver"}, extraArgs...)
	build := fmt.Sprintf("makepkg --config %s --skippgpcheck --needed --noconfirm --ignorearch %s", confAbs, strings.Join(args, " "))
	if err := root.RunCmd(ctx, build, cwd, env); err != nil {
		return fmt.Errorf("compiling %s: %w", rec.Path, err)
	}
	return nil
}

// buildEnv constructs the environment makepkg runs under: the host
// environment with CI-related variables stripped, LANG pinned to C for
// deterministic tool output, and job-parallelism variables sized to
// threads (or the CPU count if unset).
func buildEnv(threads int, targetArch config.Arch) map[string]string {
	if threads == 0 {
		threads = runtime.NumCPU()
	}
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		prefix, _, _ := strings.Cut(k, "_")
		if strippedEnvPrefixes[prefix] {
			continue
		}
		env[k] = v
	}
	env["LANG"] = "C"
	env["CARGO_BUILD_JOBS"] = fmt.Sprintf("%d", threads)
	env["MAKEFLAGS"] = fmt.Sprintf("-j%d", threads)
	if prefix, ok := emulatorLdPrefix[targetArch]; ok {
		env["QEMU_LD_PREFIX"] = prefix
	}
	if _, ok := env["PATH"]; !ok {
		env["PATH"] = "/usr/bin:/bin"
	}
	return env
}

// collectArtifacts lists dir for files makepkg would have produced,
// recognizing any name ending in one of the supported compression suffixes
// after ".pkg.tar".
func collectArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing build output in %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		for _, ext := range []string{"zst", "xz", "gz", "bz2"} {
			if strings.HasSuffix(name, ".pkg.tar."+ext) {
				files = append(files, name)
				break
			}
		}
	}
	return files, nil
}

func subtract(all, exclude []string) []string {
	excl := make(map[string]bool, len(exclude))
	for _, n := range exclude {
		excl[n] = true
	}
	var out []string
	for _, n := range all {
		if !excl[n] {
			out = append(out, n)
		}
	}
	return out
}

func isCrossdirectPackage(name string) bool {
	for _, n := range config.CrossdirectPackages {
		if n == name {
			return true
		}
	}
	return false
}

func failedPackage(results []buildroot.InstallResult, name string) *buildroot.InstallResult {
	for i := range results {
		if results[i].Package == name && results[i].ExitCode != 0 {
			return &results[i]
		}
	}
	return nil
}

func firstFailed(results []buildroot.InstallResult) *buildroot.InstallResult {
	for i := range results {
		if results[i].ExitCode != 0 {
			return &results[i]
		}
	}
	return nil
}
