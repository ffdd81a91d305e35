// Package fetch downloads weekly provider drops over HTTP or FTP so remote
// URLs can be passed to the pipeline alongside local files.
package fetch

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Downloader retrieves a remote file to a local path.
type Downloader interface {
	DownloadToFile(ctx context.Context, rawURL, path string) (int64, error)
}

// IsRemote reports whether the argument is a URL this package can fetch.
func IsRemote(arg string) bool {
	return strings.HasPrefix(arg, "http://") ||
		strings.HasPrefix(arg, "https://") ||
		strings.HasPrefix(arg, "ftp://")
}

// For returns the downloader matching the URL scheme.
func For(rawURL string) (Downloader, error) {
	switch {
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return NewHTTP(HTTPOptions{}), nil
	case strings.HasPrefix(rawURL, "ftp://"):
		return NewFTP(FTPOptions{}), nil
	default:
		return nil, eris.Errorf("fetch: unsupported url scheme in %q", rawURL)
	}
}

// HTTPOptions configures the HTTP downloader.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	Limiter    *rate.Limiter
}

// HTTP downloads provider drops over HTTP with retry and rate limiting.
type HTTP struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *rate.Limiter
}

// NewHTTP creates an HTTP downloader with the given options.
func NewHTTP(opts HTTPOptions) *HTTP {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ingest-cli/1.0"
	}
	limiter := opts.Limiter
	if limiter == nil {
		// Provider portals throttle aggressively on weekly release days.
		limiter = rate.NewLimiter(5, 5)
	}
	return &HTTP{
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		limiter: limiter,
	}
}

func (h *HTTP) get(ctx context.Context, rawURL string) (*http.Response, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, eris.Wrapf(err, "fetch: parse url %q", rawURL)
	}

	var lastErr error
	for attempt := range h.opts.MaxRetries {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetch: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "fetch: create request")
		}
		req.Header.Set("User-Agent", h.opts.UserAgent)

		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = err
			zap.L().Warn("download failed, retrying",
				zap.String("url", rawURL), zap.Int("attempt", attempt+1), zap.Error(err))
			backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("fetch: http %d from %s", resp.StatusCode, rawURL)
			zap.L().Warn("server rejected download, retrying",
				zap.String("url", rawURL), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, eris.Errorf("fetch: http %d from %s", resp.StatusCode, rawURL)
		}

		return resp, nil
	}

	return nil, eris.Wrap(lastErr, "fetch: all retries exhausted")
}

// DownloadToFile fetches the URL and writes it to path. Returns bytes written.
func (h *HTTP) DownloadToFile(ctx context.Context, rawURL, path string) (int64, error) {
	resp, err := h.get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return writeFile(path, resp.Body)
}

func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "fetch: create file")
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, eris.Wrap(err, "fetch: write file")
	}
	return n, nil
}

func backoff(ctx context.Context, attempt int) {
	base := time.Second
	maxBackoff := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	d += time.Duration(rand.Int64N(int64(d) / 2))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
