// Package crawler implements the ingestion side of the catalog: source
// adapters for syndication feeds and code repositories, the HTTP fetcher
// they share, the coordinator that upserts candidates and drives the
// search index, and the periodic scheduler.
package crawler

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	cferrors "github.com/cookfed/cookfed/internal/errors"
)

// Default fetcher settings.
const (
	DefaultUserAgent    = "cookfed/1.0 (+https://github.com/cookfed/cookfed)"
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxBodySize  = 5 << 20 // 5 MiB
	DefaultMaxRetries   = 3
	DefaultHostInterval = time.Second

	// hostLimiterCacheSize bounds the per-host limiter map; evicted hosts
	// simply get a fresh limiter on their next request.
	hostLimiterCacheSize = 512
)

// ErrNotModified reports a 304 response to a conditional request.
var ErrNotModified = stderrors.New("not modified")

// FetchResult is a successfully fetched body with its caching validators.
type FetchResult struct {
	Body         string
	ETag         string
	LastModified string
	StatusCode   int
}

// Fetcher is the shared HTTP client for feed documents and content
// bodies. It enforces a response size cap, retries transient failures
// with exponential backoff, and rate-limits per host so two feeds on one
// host cannot be fetched faster than the configured interval.
type Fetcher struct {
	client       *http.Client
	userAgent    string
	maxBodySize  int64
	maxRetries   int
	backoff      time.Duration
	hostLimiters *lru.Cache[string, *rate.Limiter]
	hostInterval time.Duration
	extraHeader  http.Header
}

// FetcherOptions configures a Fetcher. Zero values take defaults.
type FetcherOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodySize  int64
	MaxRetries   int
	Backoff      time.Duration
	HostInterval time.Duration

	// ExtraHeader is sent on every request, for endpoints that need
	// authentication or a content-type negotiation header.
	ExtraHeader http.Header
}

// NewFetcher builds a fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.HostInterval <= 0 {
		opts.HostInterval = DefaultHostInterval
	}
	limiters, _ := lru.New[string, *rate.Limiter](hostLimiterCacheSize)
	return &Fetcher{
		client:       &http.Client{Timeout: opts.Timeout},
		userAgent:    opts.UserAgent,
		maxBodySize:  opts.MaxBodySize,
		maxRetries:   opts.MaxRetries,
		backoff:      opts.Backoff,
		hostLimiters: limiters,
		hostInterval: opts.HostInterval,
		extraHeader:  opts.ExtraHeader,
	}
}

// Fetch fetches a URL without conditional headers.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	return f.FetchConditional(ctx, rawURL, "", "")
}

// FetchConditional fetches a URL, sending If-None-Match/If-Modified-Since
// when validators are present. A 304 returns ErrNotModified. Transient
// failures (network errors, 429, 5xx) are retried with exponential
// backoff up to the retry limit.
func (f *Fetcher) FetchConditional(ctx context.Context, rawURL, etag, lastModified string) (*FetchResult, error) {
	if err := f.waitHost(ctx, rawURL); err != nil {
		return nil, err
	}

	backoff := f.backoff
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("fetch_retry",
				slog.String("url", rawURL),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		result, err := f.fetchOnce(ctx, rawURL, etag, lastModified)
		if err == nil || stderrors.Is(err, ErrNotModified) || !cferrors.IsRetryable(err) {
			return result, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL, etag, lastModified string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, cferrors.Wrap(cferrors.CategoryFetch, "build request", err).NotRetryable()
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/plain, */*")
	for key, values := range f.extraHeader {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, cferrors.Wrap(cferrors.CategoryFetch, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, ErrNotModified
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, cferrors.Fetchf("http %d from %s", resp.StatusCode, rawURL)
	case resp.StatusCode >= 400:
		return nil, cferrors.Fetchf("http %d from %s", resp.StatusCode, rawURL).NotRetryable()
	}

	// Read one byte past the cap to distinguish at-limit from over-limit.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		return nil, cferrors.Wrap(cferrors.CategoryFetch, "read body", err)
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, cferrors.Fetchf("response from %s exceeds %d bytes", rawURL, f.maxBodySize).NotRetryable()
	}

	return &FetchResult{
		Body:         string(body),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		StatusCode:   resp.StatusCode,
	}, nil
}

// waitHost blocks until the per-host rate limiter admits a request to
// rawURL's host. Hosts not seen before (or evicted) start unthrottled.
func (f *Fetcher) waitHost(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return cferrors.New(cferrors.CategoryFetch, fmt.Sprintf("invalid url %q", rawURL)).NotRetryable()
	}
	limiter, ok := f.hostLimiters.Get(u.Host)
	if !ok {
		limiter = rate.NewLimiter(rate.Every(f.hostInterval), 1)
		f.hostLimiters.Add(u.Host, limiter)
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	return nil
}
