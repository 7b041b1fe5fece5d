package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"forge.example/forge/internal/buildroot"
	"forge.example/forge/internal/config"
	"forge.example/forge/internal/recipe"
)

func writePkgbuildOutput(t *testing.T, pkgbuildsRoot, recipePath, filename string) error {
	t.Helper()
	dir := filepath.Join(pkgbuildsRoot, "pkgbuilds", recipePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, filename), []byte("fake"), 0644)
}

// testConfigAt returns a config.Config rooted at root, for tests that don't
// want Init()'s XDG/home-dir dependent discovery.
func testConfigAt(root string, runtimeArch config.Arch) config.Config {
	return config.NewAt(root, runtimeArch, config.Build{})
}

// fakeChroot is an in-memory buildroot.BuildChroot recording every call
// made to it, so tests can assert on mode selection (which mounts/writes
// happened, what commands ran) without shelling out to bwrap.
type fakeChroot struct {
	arch         config.Arch
	installed    [][]string
	mounted      []string
	ranCmds      []string
	makepkgErr   error
	outputCmds   []string
	outputResult string
	outputErr    error
}

func newFakeChroot(arch config.Arch) *fakeChroot { return &fakeChroot{arch: arch} }

func (f *fakeChroot) Arch() config.Arch { return f.arch }

func (f *fakeChroot) Initialize(ctx context.Context, reset bool) error { return nil }

func (f *fakeChroot) MountPackages(ctx context.Context, dir string) error { return nil }

func (f *fakeChroot) MountPacmanCache(ctx context.Context, dir string) error { return nil }

func (f *fakeChroot) MountPkgbuilds(ctx context.Context, dir string) error { return nil }
func (f *fakeChroot) MountCrosscompile(ctx context.Context, t buildroot.BuildChroot) error {
	f.mounted = append(f.mounted, "crosscompile:"+string(t.Arch()))
	return nil
}
func (f *fakeChroot) MountCrossdirect(ctx context.Context, n buildroot.BuildChroot) error {
	f.mounted = append(f.mounted, "crossdirect:"+string(n.Arch()))
	return nil
}

func (f *fakeChroot) WritePacmanConf(ctx context.Context, arch config.Arch) (string, error) {
	return "/etc/pacman.conf", nil
}

func (f *fakeChroot) WriteMakepkgConf(ctx context.Context, targetArch config.Arch, crossRelative string, cross bool) (string, error) {
	if cross {
		return "/etc/makepkg-cross.conf", nil
	}
	return "/etc/makepkg.conf", nil
}

func (f *fakeChroot) TryInstallPackages(ctx context.Context, packages []string, allowFail bool) ([]buildroot.InstallResult, error) {
	f.installed = append(f.installed, packages)
	results := make([]buildroot.InstallResult, len(packages))
	for i, p := range packages {
		results[i] = buildroot.InstallResult{Package: p, ExitCode: 0}
	}
	return results, nil
}

func (f *fakeChroot) RunCmd(ctx context.Context, command, cwd string, env map[string]string) error {
	f.ranCmds = append(f.ranCmds, command)
	return nil
}

func (f *fakeChroot) RunCmdOutput(ctx context.Context, command, cwd string, env map[string]string) (string, error) {
	f.outputCmds = append(f.outputCmds, command)
	return f.outputResult, f.outputErr
}

func TestBuildEnvStripsCIVars(t *testing.T) {
	t.Setenv("CI_JOB_TOKEN", "secret")
	t.Setenv("GITLAB_USER", "bot")
	t.Setenv("FF_ENABLE_X", "true")
	t.Setenv("HOME", "/home/build")

	env := buildEnv(4, config.ArchAarch64)
	for _, leaked := range []string{"CI_JOB_TOKEN", "GITLAB_USER", "FF_ENABLE_X"} {
		if _, ok := env[leaked]; ok {
			t.Errorf("expected %s to be stripped from build env", leaked)
		}
	}
	if env["HOME"] != "/home/build" {
		t.Error("expected unrelated env vars to pass through")
	}
	if env["LANG"] != "C" {
		t.Errorf("expected LANG=C, got %q", env["LANG"])
	}
	if env["MAKEFLAGS"] != "-j4" {
		t.Errorf("expected MAKEFLAGS=-j4, got %q", env["MAKEFLAGS"])
	}
	if env["QEMU_LD_PREFIX"] != "/usr/aarch64-linux-gnu" {
		t.Errorf("unexpected QEMU_LD_PREFIX: %q", env["QEMU_LD_PREFIX"])
	}
}

func TestCollectArtifactsFiltersByExtension(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"foo-1-x86_64.pkg.tar.zst", "foo-1-x86_64.pkg.tar.sig", "PKGBUILD", "foo.src.tar.gz"} {
		writeEmpty(t, dir, name)
	}
	files, err := collectArtifacts(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "foo-1-x86_64.pkg.tar.zst" {
		t.Fatalf("unexpected artifact list: %v", files)
	}
}

func writeEmpty(t *testing.T, dir, name string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestStraightBuildOnNativeArch(t *testing.T) {
	rec := &recipe.Recipe{Name: "foo", Path: "main/foo", Repo: "main", Depends: []string{"bar"}, Mode: config.ModeCross}

	var target *fakeChroot
	factory := func(arch config.Arch) buildroot.BuildChroot {
		target = newFakeChroot(arch)
		return target
	}

	tmp := t.TempDir()
	if err := writePkgbuildOutput(t, tmp, rec.Path, "foo-1-x86_64.pkg.tar.zst"); err != nil {
		t.Fatal(err)
	}

	e := New(testConfigAt(tmp, config.ArchX86_64), factory)
	files, err := e.Build(context.Background(), rec, config.ArchX86_64, Options{EnableCcache: true, Threads: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one artifact, got %v", files)
	}
	if len(target.ranCmds) != 2 {
		t.Fatalf("expected 2 makepkg invocations (prep+build), got %d: %v", len(target.ranCmds), target.ranCmds)
	}
	if len(target.mounted) != 0 {
		t.Errorf("native build should not mount a crosscompile/crossdirect root, got %v", target.mounted)
	}
}

func TestPackageListParsesMakepkgOutput(t *testing.T) {
	rec := &recipe.Recipe{Name: "foo", Path: "main/foo", Repo: "main"}

	chroot := newFakeChroot(config.ArchX86_64)
	chroot.outputResult = "/build/pkgbuilds/main/foo/foo-1-x86_64.pkg.tar.zst\n\n"
	factory := func(arch config.Arch) buildroot.BuildChroot { return chroot }

	e := New(testConfigAt(t.TempDir(), config.ArchX86_64), factory)
	files, err := e.PackageList(context.Background(), rec, config.ArchX86_64)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "/build/pkgbuilds/main/foo/foo-1-x86_64.pkg.tar.zst" {
		t.Fatalf("unexpected package list: %v", files)
	}
	if len(chroot.outputCmds) != 1 || !strings.Contains(chroot.outputCmds[0], "--packagelist") {
		t.Fatalf("expected a single --packagelist invocation, got %v", chroot.outputCmds)
	}
}
