// Package noaa retrieves GHCN-Daily by-year archives over HTTP.
package noaa

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/couchcryptid/flight-weather-etl/internal/artifact"
)

// Client downloads one gzipped observation file per year from a remote
// archive with a predictable <base>/<year>.csv.gz layout.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration

	// OnRetry, when set, observes each retry attempt (metrics hook).
	OnRetry func()
}

// NewClient creates a fetch client. maxRetries bounds attempts beyond the
// first; initialBackoff seeds the exponential retry delay.
func NewClient(baseURL string, timeout time.Duration, maxRetries int, initialBackoff time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:     logger,
		maxRetries: maxRetries,
		backoff:    initialBackoff,
	}
}

// FetchYear downloads one year's archive to dst, writing atomically so a
// failed download never leaves a truncated file under the final name.
// Transient failures are retried with exponential backoff up to the
// configured bound; a 404 for the year fails immediately since retrying a
// missing remote file cannot succeed.
func (c *Client) FetchYear(ctx context.Context, year int, dst string) error {
	fileURL, err := url.JoinPath(c.baseURL, fmt.Sprintf("%d.csv.gz", year))
	if err != nil {
		return fmt.Errorf("build url for %d: %w", year, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoff
	attempt := 0

	op := func() error {
		if attempt > 0 {
			if c.OnRetry != nil {
				c.OnRetry()
			}
			c.logger.Warn("retrying weather fetch", "year", year, "attempt", attempt)
		}
		attempt++
		return c.download(ctx, fileURL, dst)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("fetch %d.csv.gz: %w", year, err)
	}
	c.logger.Info("fetched weather archive", "year", year, "dest", dst)
	return nil
}

func (c *Client) download(ctx context.Context, fileURL, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", fileURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to the copy
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("remote archive missing: %s", fileURL))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backoff.Permanent(fmt.Errorf("archive request rejected: status %d: %s", resp.StatusCode, body))
	default:
		return fmt.Errorf("archive server error: status %d", resp.StatusCode)
	}

	return artifact.WriteAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, resp.Body)
		return err
	})
}
