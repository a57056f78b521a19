package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/egress/gateway/internal/feed"
	"github.com/hazyhaar/egress/gateway/internal/fetch"
	"github.com/hazyhaar/egress/safeurl"
)

// loopbackResolver applies the real rules except that 127.0.0.1 (where
// httptest servers listen) is allowed. Hostnames never resolve.
type loopbackResolver struct {
	inner *safeurl.Resolver
}

func newLoopbackResolver() loopbackResolver {
	return loopbackResolver{inner: safeurl.New(safeurl.WithLookup(
		func(context.Context, string) ([]netip.Addr, error) {
			return nil, errors.New("no DNS in tests")
		},
	))}
}

func (r loopbackResolver) Resolve(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err == nil && u.Hostname() == "127.0.0.1" && u.Scheme == "http" {
		return u, nil
	}
	return r.inner.Resolve(ctx, raw)
}

func (r loopbackResolver) Check(ctx context.Context, u *url.URL) error {
	if u.Hostname() == "127.0.0.1" {
		return nil
	}
	return r.inner.Check(ctx, u)
}

type metricsRecorder struct {
	mu     sync.Mutex
	values map[string][]float64
}

func (m *metricsRecorder) RecordSimple(name string, value float64, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = map[string][]float64{}
	}
	m.values[name] = append(m.values[name], value)
}

func (m *metricsRecorder) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values[name])
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, cfg Config, opts ...Option) *Service {
	t.Helper()
	base := []Option{WithResolver(newLoopbackResolver()), WithLogger(quietLogger())}
	return New(cfg, append(base, opts...)...)
}

func wantKind(t *testing.T, err error, kind Kind, status int) *Error {
	t.Helper()
	var ge *Error
	if !errors.As(err, &ge) {
		t.Fatalf("want *Error %s, got %T %v", kind, err, err)
	}
	if ge.Kind != kind || ge.HTTPStatus() != status {
		t.Fatalf("got %s/%d (%v), want %s/%d", ge.Kind, ge.HTTPStatus(), ge, kind, status)
	}
	return ge
}

func TestAsError(t *testing.T) {
	// WHAT: Sentinels from every layer map to the right kind and status.
	cases := []struct {
		err    error
		kind   Kind
		status int
	}{
		{fmt.Errorf("%w: x", safeurl.ErrInvalidURL), KindInvalidInput, 400},
		{fmt.Errorf("%w: ftp", safeurl.ErrUnsafeScheme), KindProtocolNotAllowed, 403},
		{&fetch.RedirectError{URL: "http://10.0.0.1/", Err: safeurl.ErrBlocked}, KindBlocked, 403},
		{fmt.Errorf("%w: slow", fetch.ErrTimeout), KindUpstreamTimeout, 408},
		{context.DeadlineExceeded, KindUpstreamTimeout, 408},
		{fmt.Errorf("%w: big", fetch.ErrTooLarge), KindPayloadTooLarge, 413},
		{fmt.Errorf("%w: reset", fetch.ErrTransport), KindUpstream, 502},
		{fmt.Errorf("%w: junk", feed.ErrParse), KindUpstream, 502},
		{errors.New("something odd"), KindUpstream, 502},
	}
	for _, c := range cases {
		ge := AsError(c.err)
		if ge.Kind != c.kind || ge.HTTPStatus() != c.status {
			t.Errorf("AsError(%v) = %s/%d, want %s/%d", c.err, ge.Kind, ge.HTTPStatus(), c.kind, c.status)
		}
	}
	if AsError(nil) != nil {
		t.Error("nil error converted")
	}
	if got := AsError(fmt.Errorf("%w: reset", fetch.ErrTransport)).AICode(); got != CodeNetwork {
		t.Errorf("transport code: %s", got)
	}
	if got := AsError(context.Canceled).AICode(); got != CodeCancelled {
		t.Errorf("cancel code: %s", got)
	}
}

func TestError_AICodeFromStatus(t *testing.T) {
	for status, want := range map[int]string{
		401: CodeAuth,
		403: CodeAuth,
		429: CodeRateLimit,
		504: CodeTimeout,
		500: CodeProvider,
		400: CodeProvider,
	} {
		e := &Error{Kind: KindUpstream, Status: status}
		if got := e.AICode(); got != want {
			t.Errorf("status %d: %s, want %s", status, got, want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "egress.yaml")
	data := "request_timeout: 5s\nhost_concurrency: 2\nimage_cache_ttl: 1m\ntts_voice: Ethan\nai_max_retries: -1\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RequestTimeout != 5*time.Second || cfg.HostConcurrency != 2 || cfg.ImageCacheTTL != time.Minute {
		t.Errorf("parsed: %+v", cfg)
	}
	if cfg.TTSVoice != "Ethan" || cfg.AIMaxRetries != -1 || cfg.AIRetries() != 0 {
		t.Errorf("tts/ai: %q %d", cfg.TTSVoice, cfg.AIMaxRetries)
	}
	// Building the service applies defaults again; disabled retries stay disabled.
	svc := New(cfg, WithLogger(quietLogger()))
	if got := svc.Config(); got.AIMaxRetries != -1 || got.AIRetries() != 0 {
		t.Errorf("service config retries: %d", got.AIMaxRetries)
	}
	if DefaultConfig().AIRetries() != 2 {
		t.Errorf("default retries: %d", DefaultConfig().AIRetries())
	}
	if cfg.GlobalConcurrency != 8 || cfg.ImageMaxBytes != 6<<20 || cfg.TTSJSONMaxBytes != 64<<10 {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestHealth(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	svc := newTestService(t, Config{}, WithClock(clock), WithVersion("1.2.3"))

	mu.Lock()
	now = now.Add(90 * time.Second)
	mu.Unlock()

	h := svc.Health()
	if h.Status != "ok" || h.Version != "1.2.3" || h.UptimeSeconds != 90 {
		t.Fatalf("health: %+v", h)
	}
	if h.Admission.GlobalLimit != 8 || h.Admission.HostLimit != 3 || h.Admission.InFlight != 0 {
		t.Errorf("admission: %+v", h.Admission)
	}
}

func TestAdmission_RejectsOverHostLimit(t *testing.T) {
	// WHAT: With one slot per host, a second concurrent request gets 429 and no upstream call.
	// WHY: Excess requests are rejected, never queued.
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		entered <- struct{}{}
		<-release
		w.Write([]byte("<p>ok</p>"))
	}))
	defer srv.Close()

	m := &metricsRecorder{}
	svc := newTestService(t, Config{HostConcurrency: 1}, WithMetrics(m))
	done := make(chan error, 1)
	go func() {
		_, err := svc.FetchHTML(context.Background(), HTMLRequest{URL: srv.URL})
		done <- err
	}()
	<-entered

	_, err := svc.FetchHTML(context.Background(), HTMLRequest{URL: srv.URL + "/other"})
	wantKind(t, err, KindTooManyRequests, 429)
	if svc.Health().Admission.InFlight != 1 {
		t.Errorf("in flight: %d", svc.Health().Admission.InFlight)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first request: %v", err)
	}
	if svc.Health().Admission.InFlight != 0 {
		t.Errorf("slot leaked: %+v", svc.Health().Admission)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("upstream hits: %d", hits)
	}
	if m.count("egress_admission_denied") != 1 {
		t.Errorf("denied metric: %d", m.count("egress_admission_denied"))
	}
}

func TestResolve_Rejections(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	_, err := svc.FetchHTML(ctx, HTMLRequest{URL: ""})
	wantKind(t, err, KindInvalidInput, 400)
	_, err = svc.FetchHTML(ctx, HTMLRequest{URL: "ftp://files.example.com/x"})
	wantKind(t, err, KindProtocolNotAllowed, 403)
	for _, raw := range []string{"http://10.0.0.5/", "http://169.254.169.254/latest/meta-data", "http://localhost:8080/", "http://printer.local/"} {
		_, err = svc.FetchHTML(ctx, HTMLRequest{URL: raw})
		wantKind(t, err, KindBlocked, 403)
	}
}

func TestRedirectToPrivateBlocked(t *testing.T) {
	// WHAT: A public first hop redirecting to a metadata address is refused.
	// WHY: Validating only the first URL would let any open redirect reach internal services.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data", http.StatusFound)
	}))
	defer srv.Close()

	svc := newTestService(t, Config{})
	_, err := svc.FetchFeed(context.Background(), FeedRequest{URL: srv.URL})
	wantKind(t, err, KindBlocked, 403)
	if svc.Health().Admission.InFlight != 0 {
		t.Error("slot not released on error path")
	}
}
