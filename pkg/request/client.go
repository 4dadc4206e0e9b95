package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"safeaudio/pkg/logging"
	"safeaudio/pkg/tracker"
	"safeaudio/pkg/version"
)

// ClientConfig holds HTTP client settings.
type ClientConfig struct {
	Timeout     time.Duration
	UserAgent   string
	RatePerHost float64 // requests per second per host, 0 disables limiting
	Burst       int
	MaxBytes    int64 // 0 means unlimited
}

// Client fetches audio resources over HTTP. It performs exactly one attempt per call;
// retry policy belongs to the caller.
type Client struct {
	httpClient *http.Client
	tracker    *tracker.Tracker
	cfg        ClientConfig

	mu       sync.Mutex // Protects limiters
	limiters map[string]*rate.Limiter
}

// New creates a new Client.
func New(t *tracker.Tracker, cfg ClientConfig) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = version.UserAgent()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tracker:    t,
		cfg:        cfg,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Fetch downloads the resource at u and returns its body.
// Errors are *FetchError so callers can classify them with IsTransient.
func (c *Client) Fetch(ctx context.Context, u string) ([]byte, error) {
	req, host, err := c.newRequest(ctx, http.MethodGet, u)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.do(ctx, req, host)
	if err != nil {
		c.tracker.TrackFetchFailure(host)
		return nil, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if c.cfg.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, c.cfg.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		c.tracker.TrackFetchFailure(host)
		return nil, classify(u, err)
	}
	if c.cfg.MaxBytes > 0 && int64(len(data)) > c.cfg.MaxBytes {
		c.tracker.TrackFetchFailure(host)
		return nil, &FetchError{URL: u, Kind: KindTooLarge, Err: fmt.Errorf("body exceeds %d bytes", c.cfg.MaxBytes)}
	}

	c.tracker.TrackFetchSuccess(host, len(data))
	logging.RequestLogger.Info("Fetch", "host", host, "path", req.URL.Path, "status", resp.StatusCode, "bytes", len(data), "elapsed", time.Since(start).Round(time.Millisecond))
	return data, nil
}

// Head issues a HEAD request and reports whether the server answered with a 2xx/3xx status.
// Used by connectivity probes; no body is read.
func (c *Client) Head(ctx context.Context, u string) error {
	req, host, err := c.newRequest(ctx, http.MethodHead, u)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req, host)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, u string) (*http.Request, string, error) {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, "", &FetchError{URL: u, Kind: KindInvalid, Err: fmt.Errorf("invalid url %q", u)}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, http.NoBody)
	if err != nil {
		return nil, "", &FetchError{URL: u, Kind: KindInvalid, Err: err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	return req, Host(u), nil
}

func (c *Client) do(ctx context.Context, req *http.Request, host string) (*http.Response, error) {
	if lim := c.limiter(host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, classify(req.URL.String(), err)
		}
	}

	logging.Trace(logging.RequestLogger, "Network Request", "method", req.Method, "host", req.URL.Host, "path", req.URL.Path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(req.URL.String(), err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		logging.RequestLogger.Warn("Fetch rejected", "host", host, "status", resp.StatusCode)
		return nil, &FetchError{URL: req.URL.String(), Kind: KindStatus, StatusCode: resp.StatusCode, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return resp, nil
}

// limiter returns the per-host limiter, creating it on first use.
func (c *Client) limiter(host string) *rate.Limiter {
	if c.cfg.RatePerHost <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.RatePerHost), c.cfg.Burst)
		c.limiters[host] = lim
	}
	return lim
}

// Host returns the normalized host of u, used as the tracker/limiter key.
// Unparseable URLs map to "invalid".
func Host(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "invalid"
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}

func classify(u string, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &FetchError{URL: u, Kind: KindCanceled, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &FetchError{URL: u, Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &FetchError{URL: u, Kind: KindTimeout, Err: err}
	}
	return &FetchError{URL: u, Kind: KindTransport, Err: err}
}
