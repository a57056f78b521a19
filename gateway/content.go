package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"golang.org/x/net/html/charset"

	"github.com/hazyhaar/egress/gateway/internal/feed"
	"github.com/hazyhaar/egress/gateway/internal/fetch"
)

const (
	feedAccept = "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, text/xml;q=0.9, */*;q=0.8"
	htmlAccept = "text/html, application/xhtml+xml;q=0.9, */*;q=0.8"
)

// FeedRequest asks for a feed document. ETag and IfModifiedSince are sent
// as conditional headers when set.
type FeedRequest struct {
	URL             string `json:"url"`
	ETag            string `json:"etag,omitempty"`
	IfModifiedSince string `json:"if_modified_since,omitempty"`
	Raw             bool   `json:"raw,omitempty"`
	TimeoutMs       int    `json:"timeout_ms,omitempty"`
}

// FeedResult carries the raw document or the normalized feed. Status 304
// carries neither.
type FeedResult struct {
	Status       int        `json:"status"`
	ETag         string     `json:"etag,omitempty"`
	LastModified string     `json:"last_modified,omitempty"`
	FinalURL     string     `json:"final_url"`
	Raw          string     `json:"raw,omitempty"`
	Feed         *Canonical `json:"feed,omitempty"`
}

// FetchFeed fetches and, unless Raw is set, normalizes a feed document.
func (s *Service) FetchFeed(ctx context.Context, req FeedRequest) (*FeedResult, error) {
	u, err := s.resolve(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Accept", feedAccept)
	if req.ETag != "" {
		h.Set("If-None-Match", req.ETag)
	}
	if req.IfModifiedSince != "" {
		h.Set("If-Modified-Since", req.IfModifiedSince)
	}

	resp, err := s.exchange(ctx, fetch.Request{
		URL:     u,
		Header:  h,
		Timeout: millis(req.TimeoutMs),
	})
	if err != nil {
		return nil, err
	}

	out := &FeedResult{
		Status:       resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FinalURL:     resp.FinalURL,
	}
	if resp.StatusCode == http.StatusNotModified {
		return out, nil
	}
	if !isSuccess(resp.StatusCode) {
		return nil, newError(KindUpstream, nil, "feed upstream returned %d", resp.StatusCode)
	}
	if req.Raw {
		out.Raw = string(resp.Body)
		return out, nil
	}
	parsed, err := feed.Parse(resp.Body, resp.FinalURL)
	if err != nil {
		s.logger.Info("gateway: feed parse failed", "url", resp.FinalURL, "error", err)
		return nil, AsError(err)
	}
	out.Feed = parsed
	return out, nil
}

// HTMLRequest asks for a page. Markdown additionally renders the page as
// Markdown after decoding it to UTF-8.
type HTMLRequest struct {
	URL       string `json:"url"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
	Markdown  bool   `json:"markdown,omitempty"`
}

// HTMLResult is a fetched page.
type HTMLResult struct {
	Status      int    `json:"status"`
	FinalURL    string `json:"final_url"`
	ContentType string `json:"content_type"`
	HTML        string `json:"html"`
	Markdown    string `json:"markdown,omitempty"`
}

// FetchHTML fetches a page and returns it unmodified.
func (s *Service) FetchHTML(ctx context.Context, req HTMLRequest) (*HTMLResult, error) {
	u, err := s.resolve(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Accept", htmlAccept)
	resp, err := s.exchange(ctx, fetch.Request{
		URL:     u,
		Header:  h,
		Timeout: millis(req.TimeoutMs),
	})
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.StatusCode) {
		return nil, newError(KindUpstream, nil, "page upstream returned %d", resp.StatusCode)
	}

	out := &HTMLResult{
		Status:      resp.StatusCode,
		FinalURL:    resp.FinalURL,
		ContentType: resp.Header.Get("Content-Type"),
		HTML:        string(resp.Body),
	}
	if req.Markdown {
		md, err := s.toMarkdown(resp.Body, out.ContentType, out.FinalURL)
		if err != nil {
			return nil, newError(KindUpstream, err, "markdown conversion failed: %v", err)
		}
		out.Markdown = md
	}
	return out, nil
}

func (s *Service) toMarkdown(body []byte, contentType, pageURL string) (string, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return "", fmt.Errorf("decode charset: %w", err)
	}
	utf8Body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decode charset: %w", err)
	}
	return s.markdown.ConvertString(string(utf8Body), converter.WithDomain(pageURL))
}
