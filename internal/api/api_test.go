package api

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsmlg-opt/repub-sub000/internal/auth"
	"github.com/gsmlg-opt/repub-sub000/internal/blobstore/localstore"
	"github.com/gsmlg-opt/repub-sub000/internal/config"
	"github.com/gsmlg-opt/repub-sub000/internal/ipallow"
	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore/boltstore"
	"github.com/gsmlg-opt/repub-sub000/internal/metrics"
	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
	"github.com/gsmlg-opt/repub-sub000/internal/publish"
	"github.com/gsmlg-opt/repub-sub000/internal/ratelimit"
	"github.com/gsmlg-opt/repub-sub000/internal/upstream"
	"github.com/gsmlg-opt/repub-sub000/internal/webhook"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// testDeps builds a full Deps wired against a throwaway bolt store and
// local blob directories, with upstream disabled and no RabbitMQ/Redis,
// the way an in-process integration test exercises the real stack without
// external services.
func testDeps(t *testing.T) *Deps {
	t.Helper()

	dir := t.TempDir()
	store, err := boltstore.Open(filepath.Join(dir, "repub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.RunMigrations(context.Background()))

	hostedBlobs := localstore.New(filepath.Join(dir, "hosted"))
	cacheBlobs := localstore.New(filepath.Join(dir, "cache"))

	rsa, err := auth.NewPasswordTransport()
	require.NoError(t, err)

	authService := auth.NewService(store)
	hooks := webhook.NewService(store, &mlog.NoneLogger{}, "")
	publishManager := publish.NewManager()
	finalizer := publish.NewFinalizer(publishManager, store, hostedBlobs, hooks, nil, &mlog.NoneLogger{})

	upstreamClient := upstream.New("", false)
	proxy := upstream.NewProxy(upstreamClient, store, hostedBlobs, cacheBlobs, nil, &mlog.NoneLogger{})

	return &Deps{
		Config: &config.Config{
			BaseURL:                "http://localhost:8080",
			RequirePublishAuth:     false,
			RequireDownloadAuth:    false,
			RateLimitRequests:      1000,
			RateLimitWindowSeconds: 60_000_000_000,
			CORSAllowedOrigins:     []string{"*"},
			Version:                "test",
			GitHash:                "deadbeef",
		},
		Store:       store,
		HostedBlobs: hostedBlobs,
		CacheBlobs:  cacheBlobs,
		Auth:        authService,
		RSA:         rsa,
		Publish:     publishManager,
		Finalizer:   finalizer,
		Upstream:    upstreamClient,
		Proxy:       proxy,
		Webhooks:    hooks,
		RateLimiter: ratelimit.New(),
		Metrics:     metrics.New(),
		Logger:      &mlog.NoneLogger{},
		AdminRules:  ipallow.ParseRules([]string{"*"}),
	}
}

func doJSON(t *testing.T, app interface {
	Test(*http.Request, ...int) (*http.Response, error)
}, method, path string, body []byte) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestHealthVersionAndPublicKeyEndpoints(t *testing.T) {
	app := New(testDeps(t))

	resp := doJSON(t, app, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/api/version", nil)
	var version map[string]string
	decodeBody(t, resp, &version)
	assert.Equal(t, "test", version["version"])

	resp = doJSON(t, app, http.MethodGet, "/api/public-key", nil)
	var key map[string]string
	decodeBody(t, resp, &key)
	assert.NotEmpty(t, key["modulus"])
	assert.NotEmpty(t, key["exponent"])
}

func TestPublishFlow_UploadThenFinalize_Succeeds(t *testing.T) {
	app := New(testDeps(t))

	resp := doJSON(t, app, http.MethodGet, "/api/packages/versions/new", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var session struct {
		URL string `json:"url"`
	}
	decodeBody(t, resp, &session)
	require.NotEmpty(t, session.URL)

	archive := buildArchive(t, map[string]string{"pubspec.yaml": "name: sample_pkg\nversion: 1.0.0\n"})
	uploadReq := httptest.NewRequest(http.MethodPost, session.URL, bytes.NewReader(archive))
	uploadResp, err := app.Test(uploadReq, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, uploadResp.StatusCode)

	finalizeURL := uploadResp.Header.Get("Location")
	require.NotEmpty(t, finalizeURL)

	finalizeResp := doJSON(t, app, http.MethodGet, finalizeURL, nil)
	require.Equal(t, http.StatusOK, finalizeResp.StatusCode)

	pkgResp := doJSON(t, app, http.MethodGet, "/api/packages/sample_pkg", nil)
	require.Equal(t, http.StatusOK, pkgResp.StatusCode)
	var info struct {
		Versions []struct {
			Version string `json:"version"`
		} `json:"versions"`
	}
	decodeBody(t, pkgResp, &info)
	require.Len(t, info.Versions, 1)
	assert.Equal(t, "1.0.0", info.Versions[0].Version)
}

func TestPublishFlow_DuplicateVersion_ReturnsConflict(t *testing.T) {
	app := New(testDeps(t))
	archive := buildArchive(t, map[string]string{"pubspec.yaml": "name: dup_pkg\nversion: 2.0.0\n"})

	publishOnce := func() *http.Response {
		resp := doJSON(t, app, http.MethodGet, "/api/packages/versions/new", nil)
		var session struct {
			URL string `json:"url"`
		}
		decodeBody(t, resp, &session)

		uploadReq := httptest.NewRequest(http.MethodPost, session.URL, bytes.NewReader(archive))
		uploadResp, err := app.Test(uploadReq, -1)
		require.NoError(t, err)
		require.Equal(t, http.StatusNoContent, uploadResp.StatusCode)

		finalizeResp, err := app.Test(httptest.NewRequest(http.MethodGet, uploadResp.Header.Get("Location"), nil), -1)
		require.NoError(t, err)
		return finalizeResp
	}

	first := publishOnce()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := publishOnce()
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestPublishFlow_EmptyUpload_ReturnsBadRequest(t *testing.T) {
	app := New(testDeps(t))

	resp := doJSON(t, app, http.MethodGet, "/api/packages/versions/new", nil)
	var session struct {
		URL string `json:"url"`
	}
	decodeBody(t, resp, &session)

	uploadReq := httptest.NewRequest(http.MethodPost, session.URL, bytes.NewReader(nil))
	uploadResp, err := app.Test(uploadReq, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, uploadResp.StatusCode)
}

func TestAdminIPAllowlist_BlocksRequestsOutsideRange(t *testing.T) {
	d := testDeps(t)
	d.AdminRules = ipallow.ParseRules([]string{"10.0.0.0/8"})
	app := New(d)

	req := httptest.NewRequest(http.MethodPost, "/admin/api/auth/login", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRateLimiter_BlocksAfterConfiguredMax(t *testing.T) {
	d := testDeps(t)
	d.Config.RateLimitRequests = 3
	d.Config.RateLimitWindowSeconds = 60_000_000_000
	app := New(d)

	var last *http.Response
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
		req.Header.Set("X-Forwarded-For", "192.0.2.9")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		last = resp
	}
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
}
