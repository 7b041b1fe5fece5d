package buildroot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"forge.example/forge/internal/config"
)

// bindType mirrors bwrap's bind-mount flags.
type bindType string

const (
	bindRO  bindType = "--ro-bind"
	bindRW  bindType = "--bind"
	bindDir bindType = "--dir"
)

type bindPair struct {
	source string
	target string
	typ    bindType
}

// BubblewrapChroot is a reference BuildChroot backed by bubblewrap (bwrap):
// mounts are registered as bind pairs and replayed into the bwrap argv of
// every command run inside the root.
type BubblewrapChroot struct {
	root string
	arch config.Arch
	runs cmdRunner

	binds []bindPair
	envs  map[string]string
}

// NewBubblewrapChroot returns a chroot rooted at root for arch.
func NewBubblewrapChroot(root string, arch config.Arch) *BubblewrapChroot {
	return &BubblewrapChroot{
		root: root,
		arch: arch,
		runs: realRunner{},
		envs: map[string]string{},
	}
}

func (b *BubblewrapChroot) Arch() config.Arch { return b.arch }

func (b *BubblewrapChroot) Initialize(ctx context.Context, reset bool) error {
	if reset {
		if err := os.RemoveAll(b.root); err != nil {
			return err
		}
	}
	return os.MkdirAll(b.root, 0755)
}

func (b *BubblewrapChroot) MountPackages(ctx context.Context, packageDir string) error {
	b.addBind(bindRO, packageDir, "/packages")
	return nil
}

func (b *BubblewrapChroot) MountPacmanCache(ctx context.Context, cacheDir string) error {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return err
	}
	b.addBind(bindRW, cacheDir, "/var/cache/pacman/pkg")
	return nil
}

func (b *BubblewrapChroot) MountPkgbuilds(ctx context.Context, pkgbuildsDir string) error {
	b.addBind(bindRW, pkgbuildsDir, "/pkgbuilds")
	return nil
}

func (b *BubblewrapChroot) MountCrosscompile(ctx context.Context, target BuildChroot) error {
	t, ok := target.(*BubblewrapChroot)
	if !ok {
		return fmt.Errorf("MountCrosscompile requires a *BubblewrapChroot target")
	}
	b.addBind(bindRW, t.root, filepath.Join("/chroots", string(t.arch)))
	return nil
}

func (b *BubblewrapChroot) MountCrossdirect(ctx context.Context, native BuildChroot) error {
	n, ok := native.(*BubblewrapChroot)
	if !ok {
		return fmt.Errorf("MountCrossdirect requires a *BubblewrapChroot native chroot")
	}
	b.addBind(bindRO, filepath.Join(n.root, "usr/lib/crossdirect"), "/native/usr/lib/crossdirect")
	return nil
}

func (b *BubblewrapChroot) WritePacmanConf(ctx context.Context, arch config.Arch) (string, error) {
	path := filepath.Join(b.root, "etc", "pacman.conf")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	body := fmt.Sprintf("[options]\nArchitecture = %s\n\n[main]\nServer = file:///packages/main\nSigLevel = Never\n", arch)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		return "", err
	}
	return "/etc/pacman.conf", nil
}

func (b *BubblewrapChroot) WriteMakepkgConf(ctx context.Context, targetArch config.Arch, crossChrootRelative string, cross bool) (string, error) {
	name := "makepkg.conf"
	if cross {
		name = fmt.Sprintf("makepkg-cross-%s.conf", targetArch)
	}
	path := filepath.Join(b.root, "etc", name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}

	var body strings.Builder
	fmt.Fprintf(&body, "CARCH=%s\n", targetArch)
	if cross {
		hostspec := config.GCCHostspecs[b.arch][targetArch]
		fmt.Fprintf(&body, "CC=%s-gcc\nCXX=%s-g++\n", hostspec, hostspec)
		fmt.Fprintf(&body, "CROSS_CHROOT=%s\n", crossChrootRelative)
	}
	if err := os.WriteFile(path, []byte(body.String()), 0644); err != nil {
		return "", err
	}
	return filepath.Join("/etc", name), nil
}

func (b *BubblewrapChroot) TryInstallPackages(ctx context.Context, packages []string, allowFail bool) ([]InstallResult, error) {
	results := make([]InstallResult, 0, len(packages))
	for _, pkg := range packages {
		cmd := b.cmd(ctx, fmt.Sprintf("pacman -S --noconfirm --needed %s", pkg))
		err := b.runs.Run(cmd)
		exitCode := 0
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				exitCode = ee.ExitCode()
			} else {
				exitCode = -1
			}
			if !allowFail {
				return results, fmt.Errorf("installing %s: %w", pkg, err)
			}
		}
		results = append(results, InstallResult{Package: pkg, ExitCode: exitCode, Err: err})
	}
	return results, nil
}

func (b *BubblewrapChroot) RunCmd(ctx context.Context, command string, cwd string, env map[string]string) error {
	for k, v := range env {
		b.envs[k] = v
	}
	cmd := b.cmd(ctx, command)
	if cwd != "" {
		cmd.Dir = filepath.Join(b.root, cwd)
	}
	return b.runs.Run(cmd)
}

func (b *BubblewrapChroot) RunCmdOutput(ctx context.Context, command string, cwd string, env map[string]string) (string, error) {
	for k, v := range env {
		b.envs[k] = v
	}
	cmd := b.cmd(ctx, command)
	if cwd != "" {
		cmd.Dir = filepath.Join(b.root, cwd)
	}
	out, err := b.runs.Output(cmd)
	return string(out), err
}

func (b *BubblewrapChroot) addBind(typ bindType, source, target string) {
	b.binds = append(b.binds, bindPair{source, target, typ})
}

// cmd builds the bwrap invocation wrapping command, binding the chroot root
// read-write at "/" and every registered path beneath it.
func (b *BubblewrapChroot) cmd(ctx context.Context, command string) *exec.Cmd {
	args := []string{"--unshare-pid", "--die-with-parent", "--bind", b.root, "/"}

	sorted := append([]bindPair{}, b.binds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].target < sorted[j].target })
	for _, bind := range sorted {
		args = append(args, string(bind.typ), bind.source, bind.target)
	}

	args = append(args, "--proc", "/proc", "--dev", "/dev", "--tmpfs", "/tmp")

	for k, v := range b.envs {
		args = append(args, "--setenv", k, v)
	}

	args = append(args, "--", "/bin/sh", "-c", command)
	return exec.CommandContext(ctx, "/usr/bin/bwrap", args...)
}
