package config

import (
	"fmt"
	"os/user"
	"path/filepath"
	"runtime"

	"github.com/adrg/xdg"
)

// Repositories lists the pacman-style repository names maintained by this
// orchestrator, in overlay order: packages found in a later repo shadow ones
// with the same name found in an earlier repo.
var Repositories = []string{"main", "device", "cross"}

// Arches lists every architecture this orchestrator knows how to target.
var Arches = []Arch{ArchX86_64, ArchAarch64, ArchArmv7h}

// CrossdirectPackages lists the recipes that back the crossdirect toolchain
// itself; they must always be host-compiled, never cross-compiled, since
// crossdirect depends on them already being present as host binaries.
var CrossdirectPackages = []string{"crossdirect", "ccache", "qemu-user-static-bin"}

// GCCHostspecs maps a native arch to the GCC target triple used to
// cross-compile for each foreign arch.
var GCCHostspecs = map[Arch]map[Arch]string{
	ArchX86_64: {
		ArchAarch64: "aarch64-linux-gnu",
		ArchArmv7h:  "arm-linux-gnueabihf",
	},
	ArchAarch64: {
		ArchX86_64: "x86_64-linux-gnu",
		ArchArmv7h: "arm-linux-gnueabihf",
	},
}

// Build holds the tuning knobs that affect how packages are compiled.
type Build struct {
	Threads      int
	Crosscompile bool
	Crossdirect  bool
	Ccache       bool
	CleanChroot  bool
	TryDownload  bool
}

// Pkgbuilds describes the recipe source tree this orchestrator builds from.
type Pkgbuilds struct {
	GitRepo   string
	GitBranch string
}

// config holds the base directories and system info for the orchestrator.
// This struct is immutable after initialization.
type config struct {
	cacheDir  string
	configDir string
	stateDir  string

	pkgbuildsDir string
	pacmanDir    string

	runtimeArch Arch
	user        string

	Build     Build
	Pkgbuilds Pkgbuilds
}

// Config provides access to application-wide paths and system environment
// information.
type Config = *config

func (c *config) CacheDir() string  { return c.cacheDir }
func (c *config) ConfigDir() string { return c.configDir }
func (c *config) StateDir() string  { return c.stateDir }

// PkgbuildsDir is the root of the checked-out recipe tree, laid out as
// <repo>/<recipe-dir> for each entry in Repositories.
func (c *config) PkgbuildsDir() string { return c.pkgbuildsDir }

// PackageDir is the root of the built-package repositories for arch, laid
// out as <repo>/<repo>.db(.tar.xz) per entry in Repositories.
func (c *config) PackageDir(arch Arch) string {
	return filepath.Join(c.cacheDir, "packages", string(arch))
}

// PacmanCacheDir is where downloaded/installed pacman packages are cached
// for arch, mirroring the target chroot's own package cache.
func (c *config) PacmanCacheDir(arch Arch) string {
	return filepath.Join(c.pacmanDir, string(arch))
}

func (c *config) RuntimeArch() Arch { return c.runtimeArch }
func (c *config) User() string      { return c.user }

// Init initializes the configuration by detecting the host architecture and
// setting up XDG-compliant base directories.
func Init() (Config, error) {
	runtimeArch, err := ParseArch(goArchToPacman(runtime.GOARCH))
	if err != nil {
		return nil, fmt.Errorf("detecting runtime arch: %w", err)
	}

	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}

	cacheDir := filepath.Join(xdg.CacheHome, "forge")
	configDir := filepath.Join(xdg.ConfigHome, "forge")
	stateDir := filepath.Join(xdg.StateHome, "forge")

	return &config{
		cacheDir:     cacheDir,
		configDir:    configDir,
		stateDir:     stateDir,
		pkgbuildsDir: filepath.Join(stateDir, "pkgbuilds"),
		pacmanDir:    filepath.Join(cacheDir, "pacman"),
		runtimeArch:  runtimeArch,
		user:         u.Username,
		Build: Build{
			Threads:      runtime.NumCPU(),
			Crosscompile: true,
			Crossdirect:  true,
			Ccache:       true,
		},
	}, nil
}

// NewAt builds a Config rooted entirely under root instead of the XDG base
// directories Init uses, for callers (tests, sideloaded workspaces) that
// need a self-contained directory tree rather than the user's real cache.
func NewAt(root string, runtimeArch Arch, build Build) Config {
	return &config{
		cacheDir:     root,
		configDir:    root,
		stateDir:     root,
		pkgbuildsDir: filepath.Join(root, "pkgbuilds"),
		pacmanDir:    filepath.Join(root, "pacman"),
		runtimeArch:  runtimeArch,
		user:         "test",
		Build:        build,
	}
}

func goArchToPacman(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "arm":
		return "armv7h"
	default:
		return goarch
	}
}
