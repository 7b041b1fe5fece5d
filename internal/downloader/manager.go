package downloader

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// manager dispatches a Download call to the SchemeHandler registered for the
// URI's scheme.
type manager struct {
	handlers map[string]SchemeHandler
}

// NewDefault returns a Downloader that understands http://, https:// and
// file:// URIs.
func NewDefault() Downloader {
	m := &manager{handlers: make(map[string]SchemeHandler)}
	m.register(NewHTTPHandler())
	m.register(newFileHandler())
	return m
}

func (m *manager) register(h SchemeHandler) {
	for _, scheme := range h.Schemes() {
		m.handlers[scheme] = h
	}
}

func (m *manager) Download(ctx context.Context, uri string, w io.Writer) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid uri: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	handler, ok := m.handlers[scheme]
	if !ok {
		return fmt.Errorf("unsupported scheme: %s", scheme)
	}

	return handler.Download(ctx, uri, w)
}
