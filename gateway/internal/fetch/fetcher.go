// Package fetch executes one outbound HTTP request under a timeout and a hard
// cap on the response body size.
//
// Redirect hops and the final response URL are re-checked against a Guard,
// so a safe first hop cannot bounce the request into a private network. The
// body is pulled in chunks (see Chunks); as soon as the running total crosses
// the cap the read stops and ErrTooLarge is returned with no partial body.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// ErrTimeout is returned when the request or the body read exceeds its deadline.
var ErrTimeout = errors.New("fetch: upstream timed out")

// ErrTooLarge is returned when the response body exceeds the byte cap.
var ErrTooLarge = errors.New("fetch: response exceeds size limit")

// ErrTransport wraps connection, TLS and protocol failures.
var ErrTransport = errors.New("fetch: transport failure")

var errDeadline = errors.New("fetch: per-request deadline")

// Guard validates a destination before it is contacted.
type Guard interface {
	Check(ctx context.Context, u *url.URL) error
}

// RedirectError is returned when a redirect hop or the final URL fails the
// Guard. It unwraps to the Guard's error.
type RedirectError struct {
	URL string
	Err error
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("fetch: redirect to %s rejected: %v", e.URL, e.Err)
}

func (e *RedirectError) Unwrap() error { return e.Err }

// Config configures the fetcher.
type Config struct {
	Timeout      time.Duration // Default: 15s.
	MaxBytes     int64         // Default: 10MB.
	MaxRedirects int           // Default: 5.
	UserAgent    string
	// Guard re-validates redirect hops and final URLs. Nil disables the check.
	Guard Guard
	// DialControl is installed on the dialer; use it to refuse private
	// addresses at connect time.
	DialControl func(network, address string, c syscall.RawConn) error
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = "egress/1.0"
	}
}

// Request describes one outbound call. Zero Timeout/MaxBytes use the Config.
type Request struct {
	Method   string
	URL      *url.URL
	Header   http.Header
	Body     []byte
	Timeout  time.Duration
	MaxBytes int64
	// Precheck inspects status and headers before the body is read. A
	// non-nil error aborts the request and is returned unchanged.
	Precheck func(*http.Response) error
}

// Response is a fully read, size-checked upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FinalURL   string
}

// Fetcher performs bounded HTTP requests. Safe for concurrent use.
type Fetcher struct {
	client *http.Client
	config Config
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	transport := cfg.Transport
	if transport == nil {
		dialer := &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   cfg.DialControl,
		}
		transport = &http.Transport{
			// No environment proxy: a proxy would dial on our behalf and
			// bypass DialControl.
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          64,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	guard := cfg.Guard
	maxRedirects := cfg.MaxRedirects
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if guard != nil {
					if err := guard.Check(req.Context(), req.URL); err != nil {
						return &RedirectError{URL: req.URL.String(), Err: err}
					}
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Do executes r. Non-2xx responses are returned without error; the caller
// decides how to treat them. Errors wrap ErrTimeout, ErrTooLarge,
// ErrTransport, context.Canceled or a *RedirectError.
func (f *Fetcher) Do(ctx context.Context, r Request) (*Response, error) {
	if r.URL == nil {
		return nil, fmt.Errorf("%w: nil URL", ErrTransport)
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = f.config.Timeout
	}
	maxBytes := r.MaxBytes
	if maxBytes <= 0 {
		maxBytes = f.config.MaxBytes
	}

	ctx, cancel := context.WithTimeoutCause(ctx, timeout, errDeadline)
	defer cancel()

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(r.Body) > 0 && method != http.MethodGet && method != http.MethodHead {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: new request: %v", ErrTransport, err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	final := resp.Request.URL
	if f.config.Guard != nil && final.String() != r.URL.String() {
		if err := f.config.Guard.Check(ctx, final); err != nil {
			return nil, &RedirectError{URL: final.String(), Err: err}
		}
	}

	if r.Precheck != nil {
		if err := r.Precheck(resp); err != nil {
			return nil, err
		}
	}

	if resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrTooLarge, resp.ContentLength, maxBytes)
	}

	data, err := ReadAll(resp.Body, maxBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, classify(ctx, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		FinalURL:   final.String(),
	}, nil
}

func classify(ctx context.Context, err error) error {
	var re *RedirectError
	if errors.As(err, &re) {
		return re
	}
	if context.Cause(ctx) == errDeadline {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("fetch: %w", context.Canceled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
