// Package upstream talks to the remote registry this server can
// transparently proxy and cache. The wire format mirrors this service's
// own package/version JSON shapes, since the expected "upstream" in
// practice is another instance of the same registry surface.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gsmlg-opt/repub-sub000/internal/retry"
)

const requestTimeout = 10 * time.Second

// PackageInfo is the subset of a remote package this client cares about.
type PackageInfo struct {
	Name    string        `json:"name"`
	Latest  *VersionInfo  `json:"latest,omitempty"`
	Versions []VersionInfo `json:"versions"`
}

// VersionInfo is one remote package version, including the URL this
// client downloads the archive from.
type VersionInfo struct {
	Version    string `json:"version"`
	ArchiveURL string `json:"archive_url"`
	SHA256     string `json:"sha256,omitempty"`
}

// Client is a disabled-by-default upstream registry client; Enabled is
// false when ENABLE_UPSTREAM_PROXY is unset, in which case every method
// returns ErrDisabled without making a request.
type Client struct {
	BaseURL          string
	Enabled          bool
	BatchConcurrency int
	RetryConfig      retry.Config

	httpClient *http.Client
}

// ErrDisabled is returned by every Client method when the upstream proxy
// is turned off.
var ErrDisabled = fmt.Errorf("upstream proxy is disabled")

func New(baseURL string, enabled bool) *Client {
	return &Client{
		BaseURL:          baseURL,
		Enabled:          enabled,
		BatchConcurrency: 8,
		RetryConfig:      retry.DefaultUpstreamConfig(),
		httpClient:       &http.Client{Timeout: requestTimeout},
	}
}

// doWithRetry retries every error fn returns per RetryConfig: network
// errors, any non-2xx status fn reports (4xx as well as 5xx) and decode
// failures are all retried alike. Cancelling ctx ends the wait between
// attempts and returns the last error.
func (c *Client) doWithRetry(ctx context.Context, fn func() error) error {
	return retry.Do(c.RetryConfig, ctx.Done(), func(attempt int) error {
		return fn()
	})
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) (bool, error) {
	if !c.Enabled {
		return false, ErrDisabled
	}

	u := c.BaseURL + path
	var found bool
	err := c.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("upstream request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			found = false
			return nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding upstream response: %w", err)
		}
		found = true
		return nil
	})
	return found, err
}

// GetPackage fetches a package's info from upstream, returning (nil, nil)
// when upstream reports it doesn't exist.
func (c *Client) GetPackage(ctx context.Context, name string) (*PackageInfo, error) {
	var info PackageInfo
	found, err := c.getJSON(ctx, "/api/packages/"+url.PathEscape(name), &info)
	if err != nil || !found {
		return nil, err
	}
	return &info, nil
}

// GetVersion fetches one version's info from upstream.
func (c *Client) GetVersion(ctx context.Context, name, version string) (*VersionInfo, error) {
	var info VersionInfo
	found, err := c.getJSON(ctx, "/api/packages/"+url.PathEscape(name)+"/versions/"+url.PathEscape(version), &info)
	if err != nil || !found {
		return nil, err
	}
	return &info, nil
}

// SearchPackages returns matching package names from upstream.
func (c *Client) SearchPackages(ctx context.Context, query string, page int) ([]string, error) {
	if !c.Enabled {
		return nil, ErrDisabled
	}

	var result struct {
		Names []string `json:"names"`
	}
	path := fmt.Sprintf("/api/packages/search?q=%s&page=%d", url.QueryEscape(query), page)
	if _, err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return result.Names, nil
}

// GetPackagesBatch fetches several packages concurrently, bounded by
// BatchConcurrency. A per-name fetch failure is omitted from the result
// rather than failing the whole batch.
func (c *Client) GetPackagesBatch(ctx context.Context, names []string) ([]PackageInfo, error) {
	if !c.Enabled {
		return nil, ErrDisabled
	}

	sem := make(chan struct{}, c.BatchConcurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup
	var results []PackageInfo

	for _, name := range names {
		name := name
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			info, err := c.GetPackage(ctx, name)
			if err != nil || info == nil {
				return
			}
			mu.Lock()
			results = append(results, *info)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results, nil
}

// DownloadArchive fetches archiveURL's bytes in full. The response size is
// not bounded: the whole body is read into memory.
func (c *Client) DownloadArchive(ctx context.Context, archiveURL string) ([]byte, error) {
	if !c.Enabled {
		return nil, ErrDisabled
	}

	var body []byte
	err := c.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("downloading archive: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("upstream archive fetch returned status %d", resp.StatusCode)
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}
