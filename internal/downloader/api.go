// Package downloader provides a modular system for retrieving remote
// resources (repo indices, prebuilt package artifacts). It supports multiple
// URI schemes and logs progress through slog rather than an interactive UI.
package downloader

import (
	"context"
	"io"
)

// Downloader manages the retrieval of resources from various URIs.
type Downloader interface {
	// Download retrieves the resource at uri and writes it to w.
	Download(ctx context.Context, uri string, w io.Writer) error
}

// SchemeHandler handles retrieval for one or more URI schemes (e.g. "http").
type SchemeHandler interface {
	Download(ctx context.Context, uri string, w io.Writer) error
	Schemes() []string
}
