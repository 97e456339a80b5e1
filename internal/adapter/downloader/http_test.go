package downloader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenttap/internal/domain"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

var key = domain.DependencyKey{
	Component: "agent-server",
	Platform:  domain.PlatformAndroid,
	Arch:      domain.ArchARM64,
	Version:   "16.5.9",
	Ext:       ".bin",
}

const binary = "\x7fELF agent server"

func serve(t *testing.T, wantPath string, body []byte) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wantPath {
			http.NotFound(w, r)
			return
		}
		_, err := w.Write(body)
		assert.NoError(t, err)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func fetchAll(t *testing.T, d *HTTPDownloader) string {
	t.Helper()
	rc, err := d.Fetch(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestURL(t *testing.T) {
	d := NewHTTPDownloader("", nopLogger{})
	assert.Equal(t,
		"https://github.com/agenttap/agent/releases/download/16.5.9/agent-server-16.5.9-android-arm64.gz",
		d.URL(key))
}

func TestFetchGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(binary))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	ts := serve(t, "/16.5.9/agent-android-arm64.gz", buf.Bytes())
	d := NewHTTPDownloader(ts.URL+"/{version}/agent-{platform}-{arch}.gz", nopLogger{})
	assert.Equal(t, binary, fetchAll(t, d))
}

func TestFetchZstd(t *testing.T) {
	zw, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := zw.EncodeAll([]byte(binary), nil)
	require.NoError(t, zw.Close())

	ts := serve(t, "/agent-16.5.9-android-arm64.zst", compressed)
	d := NewHTTPDownloader(ts.URL+"/agent-{version}-{platform}-{arch}.zst", nopLogger{})
	assert.Equal(t, binary, fetchAll(t, d))
}

func TestFetchUncompressed(t *testing.T) {
	ts := serve(t, "/agent-16.5.9-android-arm64", []byte(binary))
	d := NewHTTPDownloader(ts.URL+"/agent-{version}-{platform}-{arch}", nopLogger{})
	assert.Equal(t, binary, fetchAll(t, d))
}

func TestFetchNotFound(t *testing.T) {
	ts := serve(t, "/elsewhere", nil)
	d := NewHTTPDownloader(ts.URL+"/agent-{version}-{platform}-{arch}", nopLogger{})
	_, err := d.Fetch(context.Background(), key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found for android/arm64")
}

func TestFetchServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()
	d := NewHTTPDownloader(ts.URL+"/a", nopLogger{})
	_, err := d.Fetch(context.Background(), key)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "HTTP 502"))
}

func TestFetchCorruptGzip(t *testing.T) {
	ts := serve(t, "/a.gz", []byte("not gzip"))
	d := NewHTTPDownloader(ts.URL+"/a.gz", nopLogger{})
	_, err := d.Fetch(context.Background(), key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gzip")
}
