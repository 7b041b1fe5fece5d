package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// httpHandler retrieves resources over HTTP or HTTPS.
type httpHandler struct {
	client *http.Client
}

// NewHTTPHandler returns a SchemeHandler for http:// and https:// URIs.
func NewHTTPHandler() SchemeHandler {
	return &httpHandler{client: &http.Client{Timeout: 0}}
}

func (h *httpHandler) Schemes() []string { return []string{"http", "https"} }

func (h *httpHandler) Download(ctx context.Context, uri string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status fetching %s: %s", uri, resp.Status)
	}

	pw := &progressWriter{uri: uri, total: resp.ContentLength, start: time.Now()}
	_, err = io.Copy(io.MultiWriter(w, pw), resp.Body)
	return err
}

// progressWriter logs download progress at slog.Debug level with humanized
// byte counts.
type progressWriter struct {
	uri     string
	total   int64
	written int64
	start   time.Time
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n := len(p)
	pw.written += int64(n)

	elapsed := time.Since(pw.start).Seconds()
	speed := float64(pw.written)
	if elapsed > 0 {
		speed = float64(pw.written) / elapsed
	}

	if pw.total > 0 {
		percent := int((float64(pw.written) / float64(pw.total)) * 100)
		slog.Debug("downloading", "uri", pw.uri, "percent", percent,
			"received", humanize.Bytes(uint64(pw.written)),
			"total", humanize.Bytes(uint64(pw.total)),
			"speed", fmt.Sprintf("%s/s", humanize.Bytes(uint64(speed))))
	} else {
		slog.Debug("downloading", "uri", pw.uri,
			"received", humanize.Bytes(uint64(pw.written)))
	}

	return n, nil
}

// fileHandler retrieves resources from the local filesystem, the way a
// locally-mirrored pacman repo index is read.
type fileHandler struct{}

func newFileHandler() SchemeHandler { return &fileHandler{} }

func (h *fileHandler) Schemes() []string { return []string{"file"} }

func (h *fileHandler) Download(ctx context.Context, uri string, w io.Writer) error {
	path := strings.TrimPrefix(uri, "file://")
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
