package gateway

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{uint8(x * 32), uint8(y * 32), 64, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFetchImage_CacheAndTranscode(t *testing.T) {
	// WHAT: First fetch is a MISS re-encoded to WebP, the second a HIT with no upstream call,
	// and after the TTL the entry is fetched again.
	pngData := testPNG(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Accept") != "image/*" {
			t.Errorf("accept: %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngData)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := &metricsRecorder{}
	svc := newTestService(t, Config{}, WithClock(clock.Now), WithMetrics(m))
	ctx := context.Background()

	first, err := svc.FetchImage(ctx, srv.URL+"/a.png")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.CacheStatus != CacheMiss || first.ContentType != "image/webp" {
		t.Errorf("first: %s %s", first.CacheStatus, first.ContentType)
	}
	if !bytes.HasPrefix(first.Body, []byte("RIFF")) {
		t.Error("body is not WebP")
	}
	if first.CacheControl != "public, max-age=900" {
		t.Errorf("cache-control: %s", first.CacheControl)
	}

	second, err := svc.FetchImage(ctx, srv.URL+"/a.png")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.CacheStatus != CacheHit || !bytes.Equal(second.Body, first.Body) {
		t.Errorf("second: %s", second.CacheStatus)
	}
	if hits.Load() != 1 {
		t.Fatalf("upstream hits after HIT: %d", hits.Load())
	}

	clock.Advance(16 * time.Minute)
	third, err := svc.FetchImage(ctx, srv.URL+"/a.png")
	if err != nil {
		t.Fatalf("third: %v", err)
	}
	if third.CacheStatus != CacheMiss || hits.Load() != 2 {
		t.Errorf("expired entry served: %s, hits %d", third.CacheStatus, hits.Load())
	}
	if m.count("egress_image_cache_hit") != 3 {
		t.Errorf("cache metric samples: %d", m.count("egress_image_cache_hit"))
	}
}

func TestFetchImage_Passthrough(t *testing.T) {
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Write(svg)
	}))
	defer srv.Close()

	svc := newTestService(t, Config{})
	res, err := svc.FetchImage(context.Background(), srv.URL+"/logo.svg")
	if err != nil {
		t.Fatal(err)
	}
	if res.ContentType != "image/svg+xml" || !bytes.Equal(res.Body, svg) {
		t.Errorf("svg altered: %s %q", res.ContentType, res.Body)
	}
}

func TestFetchImage_Rejections(t *testing.T) {
	// WHAT: Non-2xx is 502, a non-image type is 415 and an oversized image is 413; none are cached.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/missing.png":
			http.NotFound(w, r)
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		case "/big.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(bytes.Repeat([]byte{0}, 4096))
		}
	}))
	defer srv.Close()

	svc := newTestService(t, Config{ImageMaxBytes: 1024})
	ctx := context.Background()

	_, err := svc.FetchImage(ctx, srv.URL+"/missing.png")
	wantKind(t, err, KindUpstream, 502)
	_, err = svc.FetchImage(ctx, srv.URL+"/page")
	wantKind(t, err, KindUnsupportedContentType, 415)
	_, err = svc.FetchImage(ctx, srv.URL+"/big.png")
	wantKind(t, err, KindPayloadTooLarge, 413)

	if svc.Health().ImageCacheEntries != 0 {
		t.Errorf("failures cached: %d", svc.Health().ImageCacheEntries)
	}
	_, err = svc.FetchImage(ctx, srv.URL+"/page")
	wantKind(t, err, KindUnsupportedContentType, 415)
	if hits.Load() != 4 {
		t.Errorf("hits: %d", hits.Load())
	}
}

func TestFetchImage_Blocked(t *testing.T) {
	svc := newTestService(t, Config{})
	_, err := svc.FetchImage(context.Background(), "http://192.168.1.1/router.png")
	ge := wantKind(t, err, KindBlocked, 403)
	if !strings.Contains(ge.Error(), "192.168.1.1") {
		t.Errorf("message: %s", ge.Error())
	}
}

func TestFetchImage_SharedMissSurvivesCallerCancel(t *testing.T) {
	// WHAT: The caller that started a shared miss can leave without failing the others waiting on it.
	started := make(chan struct{})
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(started)
		}
		<-release
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Write([]byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`))
	}))
	defer srv.Close()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	svc := newTestService(t, Config{})
	target := srv.URL + "/shared.svg"

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.FetchImage(ctx, target)
		firstErr <- err
	}()
	<-started

	type outcome struct {
		res *ImageResult
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := svc.FetchImage(context.Background(), target)
		second <- outcome{res, err}
	}()

	cancel()
	select {
	case err := <-firstErr:
		if ge := AsError(err); ge == nil || ge.Code != CodeCancelled {
			t.Fatalf("first caller: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first caller did not return after cancel")
	}

	close(release)
	select {
	case o := <-second:
		if o.err != nil || !bytes.HasPrefix(o.res.Body, []byte("<svg")) {
			t.Fatalf("second caller: %+v %v", o.res, o.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits: %d", hits.Load())
	}
}
