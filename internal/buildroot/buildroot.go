// Package buildroot defines the BuildChroot interface the build executor
// drives, and ships one reference implementation (a bubblewrap sandbox)
// good enough for local builds. A production deployment is expected to
// supply its own BuildChroot backed by a real chroot/overlayfs, since
// managing that lifecycle is out of this module's scope.
package buildroot

import (
	"context"
	"os/exec"

	"forge.example/forge/internal/config"
)

// InstallResult reports the outcome of installing one package into a
// chroot.
type InstallResult struct {
	Package  string
	ExitCode int
	Err      error
}

// BuildChroot is the consumed interface to a prepared build environment for
// one architecture. The executor calls these in the sequence a real
// PKGBUILD-driven build needs: initialize the root, mount the sources and
// caches it needs, optionally wire up cross-compilation, then run commands
// inside it.
type BuildChroot interface {
	// Arch is the chroot's own architecture (which may differ from the
	// target arch being built for, in cross mode).
	Arch() config.Arch

	// Initialize creates the chroot root if it doesn't already exist. If
	// reset is true, an existing root is torn down and rebuilt from
	// scratch (the build.clean_mode config knob).
	Initialize(ctx context.Context, reset bool) error

	// MountPackages bind-mounts the local package repositories so
	// makepkg/pacman inside the chroot can resolve local dependencies.
	MountPackages(ctx context.Context, packageDir string) error
	// MountPacmanCache bind-mounts the shared pacman package cache.
	MountPacmanCache(ctx context.Context, cacheDir string) error
	// MountPkgbuilds bind-mounts the recipe source tree read-write, so
	// build artifacts land back on the host.
	MountPkgbuilds(ctx context.Context, pkgbuildsDir string) error
	// MountCrosscompile bind-mounts a foreign-arch target chroot inside
	// this (native) chroot, for cross-compilation.
	MountCrosscompile(ctx context.Context, target BuildChroot) error
	// MountCrossdirect bind-mounts the native chroot's crossdirect
	// toolchain into this (target) chroot, for host-compiled
	// foreign-arch builds.
	MountCrossdirect(ctx context.Context, native BuildChroot) error

	// WritePacmanConf writes a pacman.conf inside the chroot pointing at
	// the local + upstream repos, returning its path inside the chroot.
	WritePacmanConf(ctx context.Context, arch config.Arch) (string, error)
	// WriteMakepkgConf writes a makepkg.conf inside the chroot, cross
	// mode pointing CC/CXX/etc at the given cross-compile target chroot.
	WriteMakepkgConf(ctx context.Context, targetArch config.Arch, crossChrootRelative string, cross bool) (string, error)

	// TryInstallPackages installs packages via pacman, returning a result
	// per package; a failed package does not stop the others from being
	// attempted unless allowFail is false.
	TryInstallPackages(ctx context.Context, packages []string, allowFail bool) ([]InstallResult, error)

	// RunCmd runs a shell command inside the chroot with the given
	// working directory (relative to the chroot root) and environment
	// overlay.
	RunCmd(ctx context.Context, command string, cwd string, env map[string]string) error

	// RunCmdOutput runs a shell command inside the chroot like RunCmd, but
	// captures and returns its standard output instead of streaming it,
	// for callers that need to parse the result (e.g. makepkg
	// --packagelist).
	RunCmdOutput(ctx context.Context, command string, cwd string, env map[string]string) (string, error)
}

// cmdRunner abstracts *exec.Cmd execution so tests can substitute a fake.
type cmdRunner interface {
	Run(cmd *exec.Cmd) error
	Output(cmd *exec.Cmd) ([]byte, error)
}

type realRunner struct{}

func (realRunner) Run(cmd *exec.Cmd) error { return cmd.Run() }

func (realRunner) Output(cmd *exec.Cmd) ([]byte, error) { return cmd.Output() }
