// Package repoindex reads a pacman-style repository database (a tar archive
// of per-package "desc" files) and exposes the package records it contains,
// whether the archive lives on disk or behind HTTP(S).
package repoindex

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ulikunitz/xz"

	"forge.example/forge/internal/config"
	"forge.example/forge/internal/downloader"
	"forge.example/forge/internal/forgeerr"
)

// Record is one package entry read from a repo's "desc" file.
type Record struct {
	Name     string
	Version  string
	Filename string
	// ResolvedURL is the base URL this record's repo was scanned from, so
	// callers can build a full download URL as ResolvedURL+"/"+Filename.
	ResolvedURL string
}

// Client scans pacman repository indices. Scan results are cached
// in-process per (arch, repo, url), so repeated freshness queries against
// the same mirror during one run fetch and parse its index only once.
type Client struct {
	dl    downloader.Downloader
	scans sync.Map // "arch/repo/url" -> map[string]Record
}

// NewClient returns a Client using the default scheme-dispatching
// Downloader (http, https, file).
func NewClient() *Client {
	return &Client{dl: downloader.NewDefault()}
}

// ResolveURL substitutes $repo and $arch into a repo URL template, the way
// a pacman.conf Server line does.
func ResolveURL(urlTemplate, repoName string, arch config.Arch) string {
	r := strings.NewReplacer("$repo", repoName, "$arch", string(arch))
	return r.Replace(urlTemplate)
}

// Download retrieves uri and writes it to destPath, creating parent
// directories as needed.
func (c *Client) Download(ctx context.Context, uri, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := c.dl.Download(ctx, uri, f); err != nil {
		return &forgeerr.NetworkError{URL: uri, Err: err}
	}
	return nil
}

// Scan fetches and parses the repoName.db index (a plain, xz- or
// gzip-compressed tar) at the resolved urlTemplate for arch, returning
// every package record keyed by package name.
func (c *Client) Scan(ctx context.Context, repoName string, arch config.Arch, urlTemplate string) (map[string]Record, error) {
	cacheKey := fmt.Sprintf("%s/%s/%s", arch, repoName, urlTemplate)
	if cached, ok := c.scans.Load(cacheKey); ok {
		return cached.(map[string]Record), nil
	}

	resolved := ResolveURL(urlTemplate, repoName, arch)
	uri := fmt.Sprintf("%s/%s.db", resolved, repoName)

	var buf bytes.Buffer
	if err := c.dl.Download(ctx, uri, &buf); err != nil {
		return nil, &forgeerr.NetworkError{URL: uri, Err: err}
	}

	records, err := parseIndex(buf.Bytes())
	if err != nil {
		return nil, &forgeerr.NetworkError{URL: uri, Err: err}
	}
	for name := range records {
		r := records[name]
		r.ResolvedURL = resolved
		records[name] = r
	}
	c.scans.Store(cacheKey, records)
	return records, nil
}

// parseIndex walks a repo database archive looking for "desc" entries and
// parses each with parseDesc. The archive is tried as xz, then gzip, then
// uncompressed, since repo-add writes xz-compressed archives, the empty
// indices InitRepos creates are plain tars, and .tar.gz archives appear in
// some older indices.
func parseIndex(data []byte) (map[string]Record, error) {
	tr, err := openTar(data)
	if err != nil {
		return nil, err
	}

	records := make(map[string]Record)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading repo archive: %w", err)
		}
		if !strings.HasSuffix(hdr.Name, "/desc") && hdr.Name != "desc" {
			continue
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading desc entry %s: %w", hdr.Name, err)
		}
		rec, err := parseDesc(string(body))
		if err != nil {
			slog.Warn("skipping malformed desc entry", "entry", hdr.Name, "err", err)
			continue
		}
		records[rec.Name] = rec
	}
	return records, nil
}

func openTar(data []byte) (*tar.Reader, error) {
	if r, err := xz.NewReader(bytes.NewReader(data)); err == nil {
		return tar.NewReader(r), nil
	}
	if gr, err := gzip.NewReader(bytes.NewReader(data)); err == nil {
		return tar.NewReader(gr), nil
	}
	return tar.NewReader(bytes.NewReader(data)), nil
}

// parseDesc parses pacman's "%KEY%\nvalue\n\n" desc format into a Record.
// Fields are separated on '%'; consecutive pruned tokens alternate key,
// value.
func parseDesc(desc string) (Record, error) {
	var tokens []string
	for _, line := range strings.Split(desc, "%") {
		if t := strings.TrimSpace(line); t != "" {
			tokens = append(tokens, t)
		}
	}

	fields := make(map[string]string)
	for i := 0; i+1 < len(tokens); i += 2 {
		fields[strings.TrimSpace(tokens[i])] = strings.TrimSpace(tokens[i+1])
	}

	name, ok := fields["NAME"]
	if !ok {
		return Record{}, fmt.Errorf("desc entry missing NAME field")
	}
	version, ok := fields["VERSION"]
	if !ok {
		return Record{}, fmt.Errorf("desc entry missing VERSION field")
	}
	filename, ok := fields["FILENAME"]
	if !ok {
		return Record{}, fmt.Errorf("desc entry missing FILENAME field")
	}

	return Record{Name: name, Version: version, Filename: filename}, nil
}
