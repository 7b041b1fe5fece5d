// Package publisher inserts built artifacts into the on-disk per-arch
// repository databases, keeping the repo-add-managed .db/.files archives and
// their .tar.xz mirrors consistent, and fanning out arch-independent
// artifacts to every other configured architecture.
package publisher

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"forge.example/forge/internal/config"
	"forge.example/forge/internal/forgeerr"
)

// compressionExts lists, in the order checked, the makepkg compression
// suffixes an artifact basename may carry after ".pkg.tar".
var compressionExts = []string{"zst", "xz", "gz", "bz2"}

// StripCompressionExtension removes a trailing makepkg compression suffix
// from filename, returning the canonical ".pkg.tar" basename. Filenames
// that match no known suffix are returned unchanged, with a warning
// logged.
func StripCompressionExtension(filename string) string {
	for _, ext := range compressionExts {
		suffix := ".pkg.tar." + ext
		if strings.HasSuffix(filename, suffix) {
			return strings.TrimSuffix(filename, "."+ext)
		}
	}
	slog.Warn("file matches no known package extension", "file", filename)
	return filename
}

// Publisher inserts artifacts into the local package repositories and keeps
// their index files in sync via the repo-add tool.
type Publisher struct {
	cfg config.Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex // one per (arch, repo), to serialize repo-add
}

// New returns a Publisher that writes under cfg's package and pacman-cache
// directories.
func New(cfg config.Config) *Publisher {
	return &Publisher{cfg: cfg, locks: make(map[string]*sync.Mutex)}
}

func (p *Publisher) lockFor(arch config.Arch, repoName string) *sync.Mutex {
	key := string(arch) + "/" + repoName
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

// InitRepos ensures every configured repository under arch has an empty
// .db/.files archive pair (plus .tar.xz mirrors) if none exists yet, so a
// freshly created packages tree can be scanned before anything is
// published into it.
func (p *Publisher) InitRepos(ctx context.Context, arch config.Arch) error {
	dir := p.cfg.PackageDir(arch)
	for _, repo := range config.Repositories {
		repoDir := filepath.Join(dir, repo)
		if err := os.MkdirAll(repoDir, 0755); err != nil {
			return &forgeerr.PublishError{Repo: repo, Arch: string(arch), Err: err}
		}
		for _, ext1 := range []string{"db", "files"} {
			for _, ext2 := range []string{"", ".tar.xz"} {
				path := filepath.Join(repoDir, fmt.Sprintf("%s.%s%s", repo, ext1, ext2))
				if _, err := os.Stat(path); err == nil {
					continue
				}
				if err := writeEmptyTar(path); err != nil {
					return &forgeerr.PublishError{Repo: repo, Arch: string(arch), Err: fmt.Errorf("creating empty %s: %w", path, err)}
				}
			}
		}
	}
	return nil
}

func writeEmptyTar(path string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// AddFile moves filePath into repoName's directory for arch (a file already
// at that location is left where it is), evicts any same-named package from the pacman
// download cache, and runs repo-add to insert it into the repo database,
// then normalizes the unsuffixed .db/.files files to match their .tar.xz
// mirrors. This is the single choke point through which every artifact
// this module publishes passes, so (arch, repo) serialization lives here.
func (p *Publisher) AddFile(ctx context.Context, filePath, repoName string, arch config.Arch) error {
	lock := p.lockFor(arch, repoName)
	lock.Lock()
	defer lock.Unlock()

	repoDir := filepath.Join(p.cfg.PackageDir(arch), repoName)
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		return &forgeerr.PublishError{Repo: repoName, Arch: string(arch), Err: err}
	}

	fileName := filepath.Base(filePath)
	targetFile := filepath.Join(repoDir, fileName)

	if filePath != targetFile {
		if err := sniffArtifact(filePath); err != nil {
			return &forgeerr.PublishError{Repo: repoName, Arch: string(arch), Err: fmt.Errorf("artifact %s failed sanity check: %w", filePath, err)}
		}
		if err := copyFile(filePath, targetFile); err != nil {
			return &forgeerr.PublishError{Repo: repoName, Arch: string(arch), Err: err}
		}
		if err := os.Remove(filePath); err != nil {
			slog.Warn("failed to unlink source artifact after publishing", "path", filePath, "err", err)
		}
	}

	cacheFile := filepath.Join(p.cfg.PacmanCacheDir(arch), fileName)
	if err := os.Remove(cacheFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to evict stale pacman cache entry", "file", cacheFile, "err", err)
	}

	dbArchive := filepath.Join(repoDir, repoName+".db.tar.xz")
	cmd := exec.CommandContext(ctx, "repo-add", "--remove", dbArchive, targetFile)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &forgeerr.PublishError{Repo: repoName, Arch: string(arch), Err: fmt.Errorf("repo-add failed: %w: %s", err, out)}
	}

	for _, ext := range []string{"db", "files"} {
		plain := filepath.Join(repoDir, repoName+"."+ext)
		archive := plain + ".tar.xz"
		if _, err := os.Stat(archive); err == nil {
			if err := os.Remove(plain); err != nil && !os.IsNotExist(err) {
				return &forgeerr.PublishError{Repo: repoName, Arch: string(arch), Err: err}
			}
			if err := copyFile(archive, plain); err != nil {
				return &forgeerr.PublishError{Repo: repoName, Arch: string(arch), Err: err}
			}
		}
		stale := archive + ".old"
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove stale repo-add backup", "path", stale, "err", err)
		}
	}
	return nil
}

// sniffArtifact does a minimal structural check on a .pkg.tar.zst artifact
// before it's inserted into a repo database: read the zstd frame through to
// completion, so a truncated or corrupt build output is caught here rather
// than silently entering the index.
func sniffArtifact(path string) error {
	if !strings.HasSuffix(path, ".pkg.tar.zst") {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening zstd frame: %w", err)
	}
	defer zr.Close()

	if _, err := io.Copy(io.Discard, zr); err != nil {
		return fmt.Errorf("reading zstd frame: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// AddArtifacts publishes every build artifact directory produces for
// recipe.Repo under arch, then fans out any arch-independent artifact
// (basename ending "any.pkg.tar" once compression is stripped) to every
// other configured architecture's same repo, copying the file and
// publishing it there too.
func (p *Publisher) AddArtifacts(ctx context.Context, directory, repoName string, arch config.Arch, filenames []string) ([]string, error) {
	var published []string
	for _, file := range filenames {
		stripped := StripCompressionExtension(file)
		if !strings.HasSuffix(stripped, ".pkg.tar") {
			continue
		}

		src := filepath.Join(directory, file)
		repoFile := filepath.Join(p.cfg.PackageDir(arch), repoName, file)
		if err := p.AddFile(ctx, src, repoName, arch); err != nil {
			return published, err
		}
		published = append(published, repoFile)

		if strings.HasSuffix(stripped, "any.pkg.tar") {
			for _, otherArch := range config.Arches {
				if otherArch == arch {
					continue
				}
				copyTarget := filepath.Join(p.cfg.PackageDir(otherArch), repoName, file)
				if err := os.MkdirAll(filepath.Dir(copyTarget), 0755); err != nil {
					return published, &forgeerr.PublishError{Repo: repoName, Arch: string(otherArch), Err: err}
				}
				if err := copyFile(repoFile, copyTarget); err != nil {
					return published, &forgeerr.PublishError{Repo: repoName, Arch: string(otherArch), Err: err}
				}
				if err := p.AddFile(ctx, copyTarget, repoName, otherArch); err != nil {
					return published, err
				}
			}
		}
	}
	return published, nil
}
