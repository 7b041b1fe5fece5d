// Package freshness decides whether a recipe's output already exists for a
// target architecture (locally, in another architecture's any-arch repo,
// or downloadable from a remote mirror) so the orchestrator can skip
// rebuilding it.
package freshness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"forge.example/forge/internal/config"
	"forge.example/forge/internal/forgeerr"
	"forge.example/forge/internal/publisher"
	"forge.example/forge/internal/recipe"
	"forge.example/forge/internal/repoindex"
)

// Republisher is the subset of the publisher this oracle needs: copying a
// package artifact it found in one arch's repo (or downloaded from a
// mirror) into the target arch's repo, so a later build run doesn't have to
// repeat the fan-out search.
type Republisher interface {
	AddFile(ctx context.Context, filePath, repoName string, arch config.Arch) error
}

// PackageListFn enumerates the artifact file names a recipe's build tooling
// would produce for arch: the output of `makepkg --packagelist`, run
// inside a prepared chroot by the real implementation the orchestrator
// wires in (see executor.Executor.PackageList). Each entry may be a bare
// filename or an absolute path; only its basename is used. Kept as a
// narrow function type rather than folding chroot access into this
// package, so the freshness logic stays testable without a real chroot.
type PackageListFn func(ctx context.Context, rec *recipe.Recipe, arch config.Arch) ([]string, error)

// Oracle answers whether a recipe's build output for a given arch is
// already available.
type Oracle struct {
	cfg         config.Config
	client      *repoindex.Client
	pub         Republisher
	packageList PackageListFn
	remoteDB    string // URL template for the remote mirror used by tryDownload
}

// NewOracle constructs an Oracle. packageList enumerates the artifacts a
// recipe would produce; remoteURLTemplate is the $repo/$arch template for
// the HTTPS mirror consulted when tryDownload is requested and may be
// empty if downloads are never attempted.
func NewOracle(cfg config.Config, client *repoindex.Client, pub Republisher, packageList PackageListFn, remoteURLTemplate string) *Oracle {
	return &Oracle{cfg: cfg, client: client, pub: pub, packageList: packageList, remoteDB: remoteURLTemplate}
}

// IsBuilt reports whether every artifact rec's build tooling would produce
// for arch is already present: on disk, recoverable via another arch's
// any-arch copy, or (if tryDownload is set) downloadable from the
// configured remote mirror. A true result means the orchestrator may skip
// building rec for arch; any newly-found artifact is republished into
// arch's repo as a side effect, the way a cache fill would be. A recipe
// may produce several artifacts (split packages), so each is resolved
// independently rather than assuming one file per recipe.
func (o *Oracle) IsBuilt(ctx context.Context, rec *recipe.Recipe, arch config.Arch, tryDownload bool) (bool, error) {
	entries, err := o.packageList(ctx, rec, arch)
	if err != nil {
		return false, fmt.Errorf("listing artifacts for %s: %w", rec.Name, err)
	}

	missing := false
	for _, raw := range entries {
		basename := filepath.Base(strings.TrimSpace(raw))
		if basename == "" {
			continue
		}
		stripped := publisher.StripCompressionExtension(basename)
		if !strings.HasSuffix(stripped, ".pkg.tar") {
			slog.Debug("skipping unrecognized package list entry", "recipe", rec.Name, "entry", basename)
			continue
		}

		present, err := o.resolveArtifact(ctx, rec, arch, basename, stripped, tryDownload)
		if err != nil {
			return false, err
		}
		if !present {
			missing = true
		}
	}
	return !missing, nil
}

// resolveArtifact decides whether one expected artifact basename is already
// available for arch: present on disk, found via another arch's any-arch
// copy, or downloaded from the remote mirror. Any artifact it locates is
// republished through o.pub as a side effect.
func (o *Oracle) resolveArtifact(ctx context.Context, rec *recipe.Recipe, arch config.Arch, basename, stripped string, tryDownload bool) (bool, error) {
	targetFile := filepath.Join(o.cfg.PackageDir(arch), rec.Repo, basename)

	present := fileExists(targetFile)
	if !present && tryDownload {
		ok, err := o.downloadFromMirror(ctx, rec, arch, basename, targetFile)
		if err != nil {
			return false, err
		}
		present = ok
	}
	if present {
		if err := o.pub.AddFile(ctx, targetFile, rec.Repo, arch); err != nil {
			return false, &forgeerr.PublishError{Repo: rec.Repo, Arch: string(arch), Err: err}
		}
	}

	if !strings.HasSuffix(stripped, "any.pkg.tar") {
		return present, nil
	}

	if !present {
		found, err := o.fanInFromOtherArch(ctx, rec, arch, basename, targetFile)
		if err != nil {
			return false, err
		}
		present = found
	}
	if present {
		if err := o.fanOutToOtherArches(ctx, rec, arch, basename, targetFile); err != nil {
			return false, err
		}
	}
	return present, nil
}

// fanInFromOtherArch searches every other configured arch's repo for an
// any-arch artifact already present under basename; the first hit is
// copied into targetFile and republished.
func (o *Oracle) fanInFromOtherArch(ctx context.Context, rec *recipe.Recipe, arch config.Arch, basename, targetFile string) (bool, error) {
	for _, otherArch := range config.Arches {
		if otherArch == arch {
			continue
		}
		otherPath := filepath.Join(o.cfg.PackageDir(otherArch), rec.Repo, basename)
		if !fileExists(otherPath) {
			continue
		}
		slog.Info("found any-arch package in another arch's repo, copying", "recipe", rec.Name, "from", otherArch, "to", arch)
		if err := copyFile(otherPath, targetFile); err != nil {
			return false, &forgeerr.PublishError{Repo: rec.Repo, Arch: string(arch), Err: err}
		}
		if err := o.pub.AddFile(ctx, targetFile, rec.Repo, arch); err != nil {
			return false, &forgeerr.PublishError{Repo: rec.Repo, Arch: string(arch), Err: err}
		}
		return true, nil
	}
	return false, nil
}

// fanOutToOtherArches copies an any-arch artifact now present at
// sourceFile (arch's copy) into every other configured arch's repo that
// doesn't already have it, and republishes each copy.
func (o *Oracle) fanOutToOtherArches(ctx context.Context, rec *recipe.Recipe, arch config.Arch, basename, sourceFile string) error {
	for _, otherArch := range config.Arches {
		if otherArch == arch {
			continue
		}
		copyTarget := filepath.Join(o.cfg.PackageDir(otherArch), rec.Repo, basename)
		if fileExists(copyTarget) {
			continue
		}
		slog.Info("copying any-arch package to another arch's repo", "recipe", rec.Name, "to", otherArch)
		if err := copyFile(sourceFile, copyTarget); err != nil {
			return &forgeerr.PublishError{Repo: rec.Repo, Arch: string(otherArch), Err: err}
		}
		if err := o.pub.AddFile(ctx, copyTarget, rec.Repo, otherArch); err != nil {
			return &forgeerr.PublishError{Repo: rec.Repo, Arch: string(otherArch), Err: err}
		}
	}
	return nil
}

// downloadFromMirror fetches basename from the remote mirror into destFile,
// but only if the mirror's record matches rec's version and basename
// exactly: a version mismatch, or a filename that doesn't match what this
// recipe would actually produce, means the mirror can't satisfy this
// build; downloading it would silently pin the wrong artifact under the
// right name.
func (o *Oracle) downloadFromMirror(ctx context.Context, rec *recipe.Recipe, arch config.Arch, basename, destFile string) (bool, error) {
	if o.remoteDB == "" {
		return false, nil
	}
	remoteRecords, err := o.client.Scan(ctx, rec.Repo, arch, o.remoteDB)
	if err != nil {
		slog.Debug("remote mirror scan failed", "recipe", rec.Name, "err", err)
		return false, nil
	}
	found, ok := remoteRecords[rec.Name]
	if !ok || found.Version != rec.Version || found.Filename != basename {
		return false, nil
	}
	if err := o.client.Download(ctx, found.ResolvedURL+"/"+found.Filename, destFile); err != nil {
		slog.Debug("remote artifact download failed", "recipe", rec.Name, "file", found.Filename, "err", err)
		return false, nil
	}
	return true, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
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
