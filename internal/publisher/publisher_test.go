package publisher

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"forge.example/forge/internal/config"
	"forge.example/forge/internal/repoindex"
)

// writeFakePackage writes a minimal but structurally valid .pkg.tar.zst at
// path: a zstd-compressed tar holding only the .PKGINFO repo-add needs to
// index the package.
func writeFakePackage(t *testing.T, path, name, version string, arch config.Arch) {
	t.Helper()
	info := fmt.Sprintf("pkgname = %s\npkgbase = %s\npkgver = %s\narch = %s\n", name, name, version, arch)

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	hdr := &tar.Header{Name: ".PKGINFO", Size: int64(len(info)), Mode: 0644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(info)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll(tarBuf.Bytes(), nil)
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, compressed, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestStripCompressionExtension(t *testing.T) {
	cases := map[string]string{
		"foo-1.0-1-x86_64.pkg.tar.zst": "foo-1.0-1-x86_64.pkg.tar",
		"foo-1.0-1-any.pkg.tar.xz":     "foo-1.0-1-any.pkg.tar",
		"foo-1.0-1-x86_64.pkg.tar.gz":  "foo-1.0-1-x86_64.pkg.tar",
		"foo-1.0-1-x86_64.pkg.tar.bz2": "foo-1.0-1-x86_64.pkg.tar",
		"foo.tar.gz":                   "foo.tar.gz",
	}
	for in, want := range cases {
		if got := StripCompressionExtension(in); got != want {
			t.Errorf("StripCompressionExtension(%q) = %q, want %q", in, got, want)
		}
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.NewAt(t.TempDir(), config.ArchX86_64, config.Build{})
}

func TestInitRepos(t *testing.T) {
	cfg := testConfig(t)
	pub := New(cfg)

	if err := pub.InitRepos(context.Background(), config.ArchX86_64); err != nil {
		t.Fatal(err)
	}

	for _, repo := range config.Repositories {
		for _, ext1 := range []string{"db", "files"} {
			for _, ext2 := range []string{"", ".tar.xz"} {
				path := filepath.Join(cfg.PackageDir(config.ArchX86_64), repo, repo+"."+ext1+ext2)
				if _, err := os.Stat(path); err != nil {
					t.Errorf("expected %s to exist: %v", path, err)
				}
			}
		}
	}
}

func TestAddFileAndAnyArchFanout(t *testing.T) {
	if _, err := exec.LookPath("repo-add"); err != nil {
		t.Skip("repo-add not available")
	}

	cfg := testConfig(t)
	pub := New(cfg)
	if err := pub.InitRepos(context.Background(), config.ArchX86_64); err != nil {
		t.Fatal(err)
	}
	if err := pub.InitRepos(context.Background(), config.ArchAarch64); err != nil {
		t.Fatal(err)
	}

	srcDir := t.TempDir()
	artifact := filepath.Join(srcDir, "doc-1.0-1-any.pkg.tar.zst")
	writeFakePackage(t, artifact, "doc", "1.0-1", "any")

	published, err := pub.AddArtifacts(context.Background(), srcDir, "main", config.ArchX86_64, []string{"doc-1.0-1-any.pkg.tar.zst"})
	if err != nil {
		t.Fatal(err)
	}
	if len(published) != 1 {
		t.Fatalf("expected 1 published file, got %d", len(published))
	}

	for _, arch := range config.Arches {
		target := filepath.Join(cfg.PackageDir(arch), "main", "doc-1.0-1-any.pkg.tar.zst")
		if _, err := os.Stat(target); err != nil {
			t.Errorf("expected any-arch artifact under %s: %v", arch, err)
		}
	}

	// Round-trip: the updated index must advertise the artifact under its
	// exact published filename.
	client := repoindex.NewClient()
	records, err := client.Scan(context.Background(), "main", config.ArchX86_64,
		"file://"+filepath.Join(cfg.PackageDir(config.ArchX86_64), "$repo"))
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := records["doc"]
	if !ok {
		t.Fatalf("expected the index to list 'doc' after publication, got %v", records)
	}
	if rec.Filename != "doc-1.0-1-any.pkg.tar.zst" {
		t.Fatalf("index filename mismatch: %q", rec.Filename)
	}
}
