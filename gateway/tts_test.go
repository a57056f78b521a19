package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTTSPassthrough(t *testing.T) {
	// WHAT: Hop-by-hop headers are stripped both ways; upstream status and body pass through.
	var gotHeader http.Header
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if r.URL.Path == "/denied" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte("quota"))
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3audio"))
	}))
	defer srv.Close()

	svc := newTestService(t, Config{})
	res, err := svc.TTS(context.Background(), TTSRequest{
		URL:    srv.URL + "/speak",
		Method: "post",
		Headers: map[string]string{
			"Authorization":       "Bearer k",
			"Proxy-Authorization": "secret",
			"Te":                  "trailers",
		},
		Body: []byte(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("tts: %v", err)
	}
	if res.Status != 200 || string(res.Body) != "ID3audio" || res.Header.Get("Content-Type") != "audio/mpeg" {
		t.Errorf("result: %d %q %v", res.Status, res.Body, res.Header)
	}
	if res.Header.Get("Connection") != "" || res.Header.Get("Content-Length") != "" {
		t.Errorf("hop-by-hop leaked: %v", res.Header)
	}
	if gotHeader.Get("Authorization") != "Bearer k" || gotHeader.Get("Proxy-Authorization") != "" {
		t.Errorf("forwarded headers: %v", gotHeader)
	}
	if gotBody != `{"text":"hi"}` {
		t.Errorf("body: %q", gotBody)
	}

	res, err = svc.TTS(context.Background(), TTSRequest{URL: srv.URL + "/denied"})
	if err != nil {
		t.Fatalf("non-2xx must not error: %v", err)
	}
	if res.Status != http.StatusForbidden || string(res.Body) != "quota" {
		t.Errorf("denied: %d %q", res.Status, res.Body)
	}

	_, err = svc.TTS(context.Background(), TTSRequest{URL: srv.URL, Method: "TRACE"})
	wantKind(t, err, KindInvalidInput, 400)
}

func TestTTSPassthrough_AudioCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 2048)))
	}))
	defer srv.Close()

	svc := newTestService(t, Config{})
	_, err := svc.TTS(context.Background(), TTSRequest{URL: srv.URL, MaxBytes: 512})
	wantKind(t, err, KindPayloadTooLarge, 413)
}

func TestFilterHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("Content-Type", "audio/ogg")
	in.Set("Transfer-Encoding", "chunked")
	in.Set("Keep-Alive", "timeout=5")
	in.Set("Connection", "close, X-Private")
	in.Set("X-Private", "1")
	in.Add("Set-Cookie", "a=1")
	in.Add("Set-Cookie", "b=2")

	out := filterHeaders(in)
	if len(out) != 2 || out.Get("Content-Type") != "audio/ogg" || len(out.Values("Set-Cookie")) != 2 {
		t.Fatalf("filtered: %v", out)
	}
}

// speechProvider answers like the structured TTS provider. mode selects
// inline audio, a download URL or an error.
func speechProvider(t *testing.T, mode string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/audio.wav":
			w.Header().Set("Content-Type", "audio/wav")
			w.Write([]byte("RIFFwave"))
			return
		case "/api/tts":
		default:
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":"InvalidApiKey","message":"Invalid API-key provided."}`))
			return
		}
		var body struct {
			Model string `json:"model"`
			Input struct {
				Text  string `json:"text"`
				Voice string `json:"voice"`
			} `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Input.Text == "" {
			t.Errorf("provider body: %v %+v", err, body)
		}
		switch mode {
		case "inline":
			data := base64.StdEncoding.EncodeToString([]byte("OggS-audio"))
			w.Write([]byte(`{"output":{"audio":{"data":"` + data + `","format":"ogg"}}}`))
		case "url":
			w.Write([]byte(`{"output":{"audio":{"url":"` + srv.URL + `/audio.wav"}}}`))
		case "private":
			w.Write([]byte(`{"output":{"audio":{"url":"http://10.1.2.3/audio.wav"}}}`))
		case "none":
			w.Write([]byte(`{"output":{}}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func speechBody(t *testing.T, base, key string) []byte {
	t.Helper()
	b, err := json.Marshal(SpeechRequest{Text: "Bonjour", APIKey: key, APIBase: base + "/api/tts"})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestTTSProvider_InlineAudio(t *testing.T) {
	srv := speechProvider(t, "inline")
	svc := newTestService(t, Config{})
	res, err := svc.TTS(context.Background(), TTSRequest{URL: ProviderSentinel, Body: speechBody(t, srv.URL, "key-1")})
	if err != nil {
		t.Fatalf("tts: %v", err)
	}
	if string(res.Body) != "OggS-audio" || res.Header.Get("Content-Type") != "audio/ogg" {
		t.Errorf("result: %q %v", res.Body, res.Header)
	}
}

func TestTTSProvider_AudioURL(t *testing.T) {
	// WHAT: A returned audio URL is downloaded; a private one is refused.
	// WHY: The provider response is untrusted input like any client URL.
	srv := speechProvider(t, "url")
	svc := newTestService(t, Config{})
	res, err := svc.TTS(context.Background(), TTSRequest{URL: ProviderSentinel, Body: speechBody(t, srv.URL, "key-1")})
	if err != nil {
		t.Fatalf("tts: %v", err)
	}
	if string(res.Body) != "RIFFwave" || res.Header.Get("Content-Type") != "audio/wav" {
		t.Errorf("result: %q %v", res.Body, res.Header)
	}

	private := speechProvider(t, "private")
	_, err = svc.TTS(context.Background(), TTSRequest{URL: ProviderSentinel, Body: speechBody(t, private.URL, "key-1")})
	wantKind(t, err, KindBlocked, 403)
}

func TestTTSProvider_Errors(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{})

	srv := speechProvider(t, "inline")
	_, err := svc.TTS(ctx, TTSRequest{URL: ProviderSentinel, Body: speechBody(t, srv.URL, "wrong")})
	ge := wantKind(t, err, KindUpstream, 401)
	if ge.Error() != "Invalid API-key provided." {
		t.Errorf("message: %q", ge.Error())
	}

	none := speechProvider(t, "none")
	_, err = svc.TTS(ctx, TTSRequest{URL: ProviderSentinel, Body: speechBody(t, none.URL, "key-1")})
	ge = wantKind(t, err, KindUpstream, 502)
	if ge.Error() != "no audio payload" {
		t.Errorf("message: %q", ge.Error())
	}

	_, err = svc.TTS(ctx, TTSRequest{URL: ProviderSentinel, Body: []byte("{")})
	wantKind(t, err, KindInvalidInput, 400)
	_, err = svc.TTS(ctx, TTSRequest{URL: ProviderSentinel, Body: speechBody(t, srv.URL, "")})
	wantKind(t, err, KindInvalidInput, 400)

	small := newTestService(t, Config{TTSJSONMaxBytes: 8})
	_, err = small.TTS(ctx, TTSRequest{URL: ProviderSentinel, Body: speechBody(t, srv.URL, "key-1")})
	wantKind(t, err, KindPayloadTooLarge, 413)
}
