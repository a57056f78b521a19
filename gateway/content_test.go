package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const sampleRSS = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Example</title><link>https://example.com/</link>
<item><title>First</title><link>https://example.com/1</link>
<description>&lt;p&gt;Hello &lt;b&gt;world&lt;/b&gt;&lt;/p&gt;</description>
<pubDate>Mon, 01 Jan 2024 00:00:00 +0000</pubDate></item>
</channel></rss>`

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/feed":
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"v1"`)
			w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
			w.Header().Set("Content-Type", "application/rss+xml")
			w.Write([]byte(sampleRSS))
		case "/junk":
			w.Write([]byte("this is not a feed"))
		case "/moved":
			http.Redirect(w, r, "/feed", http.StatusMovedPermanently)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchFeed_Normalized(t *testing.T) {
	srv := feedServer(t)
	svc := newTestService(t, Config{})

	res, err := svc.FetchFeed(context.Background(), FeedRequest{URL: srv.URL + "/moved"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != 200 || res.ETag != `"v1"` || res.LastModified == "" {
		t.Errorf("meta: %+v", res)
	}
	if res.FinalURL != srv.URL+"/feed" {
		t.Errorf("final url: %s", res.FinalURL)
	}
	if res.Feed == nil || res.Feed.Feed.Title != "Example" || len(res.Feed.Entries) != 1 {
		t.Fatalf("feed: %+v", res.Feed)
	}
	e := res.Feed.Entries[0]
	if e.Title != "First" || e.Summary != "Hello world" {
		t.Errorf("entry: %+v", e)
	}
	if e.GUID == nil || *e.GUID != "https://example.com/1" {
		t.Errorf("guid: %v", e.GUID)
	}
	if e.PublishedAt == nil || *e.PublishedAt != "2024-01-01T00:00:00Z" {
		t.Errorf("published_at: %v", e.PublishedAt)
	}
}

func TestFetchFeed_Conditional(t *testing.T) {
	// WHAT: A matching ETag yields 304 with no body and no parse.
	srv := feedServer(t)
	svc := newTestService(t, Config{})

	res, err := svc.FetchFeed(context.Background(), FeedRequest{URL: srv.URL + "/feed", ETag: `"v1"`})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != http.StatusNotModified || res.Feed != nil || res.Raw != "" {
		t.Fatalf("result: %+v", res)
	}
}

func TestFetchFeed_RawAndErrors(t *testing.T) {
	srv := feedServer(t)
	svc := newTestService(t, Config{})
	ctx := context.Background()

	res, err := svc.FetchFeed(ctx, FeedRequest{URL: srv.URL + "/feed", Raw: true})
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	if res.Feed != nil || !strings.Contains(res.Raw, "<rss") {
		t.Errorf("raw result: %+v", res)
	}

	_, err = svc.FetchFeed(ctx, FeedRequest{URL: srv.URL + "/junk"})
	wantKind(t, err, KindUpstream, 502)

	_, err = svc.FetchFeed(ctx, FeedRequest{URL: srv.URL + "/missing"})
	wantKind(t, err, KindUpstream, 502)
}

func TestFetchFeed_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	svc := newTestService(t, Config{DocumentMaxBytes: 1024})
	_, err := svc.FetchFeed(context.Background(), FeedRequest{URL: srv.URL})
	wantKind(t, err, KindPayloadTooLarge, 413)
}

func TestFetchHTML_Markdown(t *testing.T) {
	// WHAT: A Latin-1 page is decoded before Markdown conversion; the raw HTML is returned untouched.
	// WHY: Converting undecoded bytes would corrupt every non-ASCII character.
	page := "<html><body><h1>Caf\xe9</h1><p>See <a href=\"/about\">about</a>.</p></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=ISO-8859-1")
		w.Write([]byte(page))
	}))
	defer srv.Close()

	svc := newTestService(t, Config{})
	res, err := svc.FetchHTML(context.Background(), HTMLRequest{URL: srv.URL, Markdown: true})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.HTML != page {
		t.Error("raw html altered")
	}
	if !strings.Contains(res.Markdown, "Café") {
		t.Errorf("markdown not decoded: %q", res.Markdown)
	}
	if !strings.Contains(res.Markdown, srv.URL+"/about") {
		t.Errorf("relative link not absolutized: %q", res.Markdown)
	}

	plain, err := svc.FetchHTML(context.Background(), HTMLRequest{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if plain.Markdown != "" || plain.ContentType != "text/html; charset=ISO-8859-1" {
		t.Errorf("plain: %+v", plain)
	}
}

func TestFetchHTML_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	svc := newTestService(t, Config{})
	_, err := svc.FetchHTML(context.Background(), HTMLRequest{URL: srv.URL, TimeoutMs: 50})
	wantKind(t, err, KindUpstreamTimeout, 408)
}
