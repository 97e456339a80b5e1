package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"agenttap/internal/domain"
)

// DefaultURLTemplate locates agent release assets. Placeholders:
// {version}, {platform}, {arch}.
const DefaultURLTemplate = "https://github.com/agenttap/agent/releases/download/{version}/agent-server-{version}-{platform}-{arch}.gz"

// HTTPDownloader fetches agent binaries from a release server. Assets
// ending in .gz or .zst are decompressed while streaming, so callers see
// the raw binary.
type HTTPDownloader struct {
	urlTemplate string
	client      *http.Client
	logger      domain.Logger
}

// NewHTTPDownloader creates a downloader for urlTemplate. An empty
// template selects DefaultURLTemplate.
func NewHTTPDownloader(urlTemplate string, logger domain.Logger) *HTTPDownloader {
	if urlTemplate == "" {
		urlTemplate = DefaultURLTemplate
	}
	return &HTTPDownloader{
		urlTemplate: urlTemplate,
		client:      &http.Client{Timeout: 5 * time.Minute},
		logger:      logger,
	}
}

// URL returns the asset URL for key.
func (d *HTTPDownloader) URL(key domain.DependencyKey) string {
	return strings.NewReplacer(
		"{version}", key.Version,
		"{platform}", string(key.Platform),
		"{arch}", string(key.Arch),
	).Replace(d.urlTemplate)
}

// Fetch opens the decompressed agent binary for key. It has the
// domain.FetchFunc shape.
func (d *HTTPDownloader) Fetch(ctx context.Context, key domain.DependencyKey) (io.ReadCloser, error) {
	url := d.URL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	d.logger.Info("downloading agent", "url", url)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("agent %s not found for %s/%s: check the version exists", key.Version, key.Platform, key.Arch)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download returned HTTP %d", resp.StatusCode)
	}

	body, err := decompress(url, resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return body, nil
}

func decompress(url string, body io.ReadCloser) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(url, ".gz"):
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return &stackedReader{Reader: zr, closers: []func() error{zr.Close, body.Close}}, nil
	case strings.HasSuffix(url, ".zst"):
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return &stackedReader{Reader: zr, closers: []func() error{
			func() error { zr.Close(); return nil },
			body.Close,
		}}, nil
	default:
		return body, nil
	}
}

// stackedReader closes a decompressor and the transport body beneath it.
type stackedReader struct {
	io.Reader
	closers []func() error
}

func (r *stackedReader) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
