package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hazyhaar/egress/gateway/internal/fetch"
	"github.com/hazyhaar/egress/gateway/internal/tts"
)

// ProviderSentinel, used as a TTS request URL, selects the structured
// provider flow instead of the passthrough.
const ProviderSentinel = "tts://provider"

// TTSRequest is a generic audio request. Body is base64 in JSON.
type TTSRequest struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	MaxBytes  int64             `json:"max_bytes,omitempty"`
}

// TTSResult is the upstream answer. Non-2xx passthrough statuses are not
// errors.
type TTSResult struct {
	Status int         `json:"status"`
	Header http.Header `json:"headers"`
	Body   []byte      `json:"body"`
}

// SpeechRequest is the structured provider input.
type SpeechRequest struct {
	Text      string `json:"text"`
	APIKey    string `json:"apiKey"`
	Model     string `json:"model,omitempty"`
	Voice     string `json:"voice,omitempty"`
	APIBase   string `json:"apiBase,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// TTS dispatches on the request URL: ProviderSentinel decodes Body as a
// SpeechRequest, anything else is a passthrough.
func (s *Service) TTS(ctx context.Context, req TTSRequest) (*TTSResult, error) {
	if strings.TrimSpace(req.URL) != ProviderSentinel {
		return s.TTSPassthrough(ctx, req)
	}
	if int64(len(req.Body)) > s.cfg.TTSJSONMaxBytes {
		return nil, newError(KindPayloadTooLarge, nil, "speech request exceeds %d bytes", s.cfg.TTSJSONMaxBytes)
	}
	var sr SpeechRequest
	if err := json.Unmarshal(req.Body, &sr); err != nil {
		return nil, invalidInput("speech request: %v", err)
	}
	if sr.TimeoutMs <= 0 {
		sr.TimeoutMs = req.TimeoutMs
	}
	return s.TTSSynthesize(ctx, sr)
}

// TTSPassthrough forwards an arbitrary request under the audio byte cap.
// A per-request MaxBytes may lower the cap but never raise it.
func (s *Service) TTSPassthrough(ctx context.Context, req TTSRequest) (*TTSResult, error) {
	u, err := s.resolve(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, invalidInput("method %q not allowed", req.Method)
	}

	h := http.Header{}
	for k, v := range req.Headers {
		if !hopByHop[http.CanonicalHeaderKey(k)] {
			h.Set(k, v)
		}
	}
	resp, err := s.exchange(ctx, fetch.Request{
		Method:   method,
		URL:      u,
		Header:   h,
		Body:     req.Body,
		Timeout:  millis(req.TimeoutMs),
		MaxBytes: s.audioCap(req.MaxBytes),
	})
	if err != nil {
		return nil, err
	}
	return &TTSResult{
		Status: resp.StatusCode,
		Header: filterHeaders(resp.Header),
		Body:   resp.Body,
	}, nil
}

// TTSSynthesize runs the structured provider flow.
func (s *Service) TTSSynthesize(ctx context.Context, req SpeechRequest) (*TTSResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, invalidInput("text is required")
	}
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, invalidInput("apiKey is required")
	}

	base, err := s.resolve(ctx, tts.NormalizeBase(req.APIBase, s.cfg.TTSAPIBase))
	if err != nil {
		return nil, err
	}
	model := firstSet(req.Model, s.cfg.TTSModel)
	voice := firstSet(req.Voice, s.cfg.TTSVoice)
	body, err := tts.BuildBody(model, voice, req.Text)
	if err != nil {
		return nil, invalidInput("encode speech request: %v", err)
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+strings.TrimSpace(req.APIKey))
	resp, err := s.exchange(ctx, fetch.Request{
		Method:   http.MethodPost,
		URL:      base,
		Header:   h,
		Body:     body,
		Timeout:  millis(req.TimeoutMs),
		MaxBytes: s.cfg.TTSAudioMaxBytes,
	})
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.StatusCode) {
		return nil, &Error{
			Kind:    KindUpstream,
			Status:  resp.StatusCode,
			Message: tts.UpstreamMessage(resp.Body),
		}
	}

	reply, err := tts.ParseReply(resp.Body)
	if err != nil {
		msg := tts.ErrNoAudio.Error()
		if errors.Is(err, tts.ErrEmptyAudio) {
			msg = tts.ErrEmptyAudio.Error()
		}
		return nil, newError(KindUpstream, err, "%s", msg)
	}

	if reply.URL == "" {
		return audioResult(reply.Data, tts.ContentTypeFor(reply.Format)), nil
	}

	// The provider is not trusted to hand back a safe destination.
	audioURL, err := s.resolve(ctx, reply.URL)
	if err != nil {
		return nil, err
	}
	audio, err := s.exchange(ctx, fetch.Request{
		URL:      audioURL,
		Timeout:  millis(req.TimeoutMs),
		MaxBytes: s.cfg.TTSAudioMaxBytes,
	})
	if err != nil {
		return nil, err
	}
	if !isSuccess(audio.StatusCode) {
		return nil, newError(KindUpstream, nil, "audio download returned %d", audio.StatusCode)
	}
	if len(audio.Body) == 0 {
		return nil, newError(KindUpstream, tts.ErrEmptyAudio, "%s", tts.ErrEmptyAudio.Error())
	}
	ct := audio.Header.Get("Content-Type")
	if ct == "" {
		ct = tts.ContentTypeFor(reply.Format)
	}
	return audioResult(audio.Body, ct), nil
}

func (s *Service) audioCap(requested int64) int64 {
	if requested > 0 && requested < s.cfg.TTSAudioMaxBytes {
		return requested
	}
	return s.cfg.TTSAudioMaxBytes
}

func audioResult(body []byte, contentType string) *TTSResult {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	return &TTSResult{Status: http.StatusOK, Header: h, Body: body}
}

// filterHeaders drops hop-by-hop headers, including any named in Connection.
func filterHeaders(in http.Header) http.Header {
	drop := map[string]bool{}
	for _, v := range in.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			drop[http.CanonicalHeaderKey(strings.TrimSpace(name))] = true
		}
	}
	out := http.Header{}
	for k, vs := range in {
		ck := http.CanonicalHeaderKey(k)
		if hopByHop[ck] || drop[ck] {
			continue
		}
		out[ck] = append([]string(nil), vs...)
	}
	return out
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}
