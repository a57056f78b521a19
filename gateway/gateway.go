// Package gateway mediates outbound network access for an untrusted client:
// feeds, HTML pages, images, text-to-speech audio and chat completions.
//
// Every operation resolves its target through a Resolver (no private,
// loopback or link-local destinations), takes an admission slot for the
// destination host, and reads the upstream body under a byte cap. The HTTP
// and MCP hosts in this repository are thin adapters over Service.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/egress/admission"
	"github.com/hazyhaar/egress/gateway/internal/fetch"
	"github.com/hazyhaar/egress/gateway/internal/imagecache"
	"github.com/hazyhaar/egress/safeurl"
)

// Resolver validates destinations. *safeurl.Resolver is the production
// implementation.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (*url.URL, error)
	Check(ctx context.Context, u *url.URL) error
}

// dialController is implemented by resolvers that can also veto addresses
// at connect time.
type dialController interface {
	DialControl(network, address string, c syscall.RawConn) error
}

// Metrics receives gateway counters and timings.
// *observability.MetricsManager satisfies it.
type Metrics interface {
	RecordSimple(name string, value float64, unit string)
}

// Service owns the admission counters and the image cache. Construct one per
// process with New; it is safe for concurrent use.
type Service struct {
	cfg       Config
	resolver  Resolver
	admission *admission.Controller
	fetcher   *fetch.Fetcher
	images    *imagecache.Cache
	flight    singleflight.Group
	markdown  *converter.Converter
	logger    *slog.Logger
	metrics   Metrics
	version   string
	now       func() time.Time
	started   time.Time
	transport http.RoundTripper
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithResolver replaces the destination validator.
func WithResolver(r Resolver) Option {
	return func(s *Service) {
		if r != nil {
			s.resolver = r
		}
	}
}

// WithClock injects the time source used for cache expiry and uptime.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics enables metric recording.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithVersion sets the version reported by Health.
func WithVersion(v string) Option {
	return func(s *Service) { s.version = v }
}

// WithTransport overrides the outbound HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Service) { s.transport = rt }
}

// New creates a Service.
func New(cfg Config, opts ...Option) *Service {
	cfg.defaults()
	s := &Service{
		cfg:      cfg,
		resolver: safeurl.New(),
		logger:   slog.Default(),
		version:  "dev",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()

	fc := fetch.Config{
		Timeout:      cfg.RequestTimeout,
		MaxBytes:     cfg.DocumentMaxBytes,
		MaxRedirects: cfg.MaxRedirects,
		UserAgent:    cfg.UserAgent,
		Guard:        s.resolver,
		Transport:    s.transport,
	}
	if dc, ok := s.resolver.(dialController); ok {
		fc.DialControl = dc.DialControl
	}
	s.fetcher = fetch.New(fc)
	s.admission = admission.New(cfg.GlobalConcurrency, cfg.HostConcurrency)
	s.images = imagecache.New(
		imagecache.WithTTL(cfg.ImageCacheTTL),
		imagecache.WithCapacity(cfg.ImageCacheCapacity),
		imagecache.WithClock(s.now),
	)
	s.markdown = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// HealthStatus is the system-health payload.
type HealthStatus struct {
	Status            string          `json:"status"`
	Version           string          `json:"version"`
	UptimeSeconds     int64           `json:"uptime_seconds"`
	Admission         admission.Stats `json:"admission"`
	ImageCacheEntries int             `json:"image_cache_entries"`
}

// Health reports liveness, version and uptime.
func (s *Service) Health() HealthStatus {
	return HealthStatus{
		Status:            "ok",
		Version:           s.version,
		UptimeSeconds:     int64(s.now().Sub(s.started).Seconds()),
		Admission:         s.admission.Stats(),
		ImageCacheEntries: s.images.Len(),
	}
}

func (s *Service) resolve(ctx context.Context, raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, invalidInput("url is required")
	}
	u, err := s.resolver.Resolve(ctx, strings.TrimSpace(raw))
	if err != nil {
		s.logger.Debug("gateway: destination rejected", "url", raw, "error", err)
		return nil, AsError(err)
	}
	return u, nil
}

// exchange runs one request under an admission slot for the target host.
func (s *Service) exchange(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	host := req.URL.Hostname()
	if !s.admission.Acquire(host) {
		s.record("egress_admission_denied", 1, "count")
		s.logger.Warn("gateway: admission denied", "host", host)
		return nil, newError(KindTooManyRequests, nil, "too many concurrent requests to %s", host)
	}
	defer s.admission.Release(host)

	start := time.Now()
	resp, err := s.fetcher.Do(ctx, req)
	s.record("egress_fetch_duration_ms", float64(time.Since(start).Milliseconds()), "ms")
	if err != nil {
		ge := AsError(err)
		s.logger.Info("gateway: upstream request failed",
			"host", host, "kind", ge.Kind.String(), "error", err)
		return nil, ge
	}
	return resp, nil
}

func (s *Service) record(name string, value float64, unit string) {
	if s.metrics != nil {
		s.metrics.RecordSimple(name, value, unit)
	}
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }
