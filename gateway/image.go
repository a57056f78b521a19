package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hazyhaar/egress/gateway/internal/fetch"
	"github.com/hazyhaar/egress/gateway/internal/imagecache"
	"github.com/hazyhaar/egress/gateway/internal/transcode"
)

// Cache status values reported on image results.
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// ImageResult is a proxied image, possibly re-encoded as WebP.
type ImageResult struct {
	Status       int
	ContentType  string
	CacheControl string
	CacheStatus  string
	FinalURL     string
	Body         []byte
}

// FetchImage proxies an image through the cache. Concurrent misses for the
// same URL share one upstream request, which keeps running when the caller
// that started it goes away.
func (s *Service) FetchImage(ctx context.Context, raw string) (*ImageResult, error) {
	u, err := s.resolve(ctx, raw)
	if err != nil {
		return nil, err
	}
	key := u.String()

	if e, ok := s.images.Get(key); ok {
		s.record("egress_image_cache_hit", 1, "bool")
		return s.imageResult(e, CacheHit), nil
	}
	s.record("egress_image_cache_hit", 0, "bool")

	// The shared fetch outlives any single caller; the fetch timeout bounds it.
	fctx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (any, error) {
		if e, ok := s.images.Get(key); ok {
			return e, nil
		}
		h := http.Header{}
		h.Set("Accept", "image/*")
		resp, err := s.exchange(fctx, fetch.Request{
			URL:      u,
			Header:   h,
			MaxBytes: s.cfg.ImageMaxBytes,
			Precheck: s.checkImageResponse,
		})
		if err != nil {
			return nil, err
		}

		ct := resp.Header.Get("Content-Type")
		res, terr := transcode.Convert(resp.Body, ct)
		if terr != nil {
			s.logger.Info("gateway: image transcode skipped", "url", key, "error", terr)
		}
		return s.images.Put(key, imagecache.Entry{
			Body:        res.Body,
			ContentType: res.ContentType,
			FinalURL:    resp.FinalURL,
		}), nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return s.imageResult(r.Val.(imagecache.Entry), CacheMiss), nil
	case <-ctx.Done():
		return nil, AsError(ctx.Err())
	}
}

// checkImageResponse rejects non-2xx, oversized and non-image responses
// before their body is read.
func (s *Service) checkImageResponse(resp *http.Response) error {
	if !isSuccess(resp.StatusCode) {
		return newError(KindUpstream, nil, "image upstream returned %d", resp.StatusCode)
	}
	if resp.ContentLength > s.cfg.ImageMaxBytes {
		return newError(KindPayloadTooLarge, fetch.ErrTooLarge,
			"image declares %d bytes, limit %d", resp.ContentLength, s.cfg.ImageMaxBytes)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(transcode.MediaType(ct), "image/") {
		return newError(KindUnsupportedContentType, nil, "upstream content type %q is not an image", ct)
	}
	return nil
}

func (s *Service) imageResult(e imagecache.Entry, status string) *ImageResult {
	return &ImageResult{
		Status:       http.StatusOK,
		ContentType:  e.ContentType,
		CacheControl: fmt.Sprintf("public, max-age=%d", int(s.images.TTL().Seconds())),
		CacheStatus:  status,
		FinalURL:     e.FinalURL,
		Body:         e.Body,
	}
}
