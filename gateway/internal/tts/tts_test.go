package tts

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNormalizeBase(t *testing.T) {
	// WHAT: Blank and OpenAI-compatible bases fall back to the provider default.
	// WHY: Users paste their chat endpoint into the TTS field; it never speaks this protocol.
	tests := map[string]string{
		"":   DefaultBase,
		"  ": DefaultBase,
		"https://dashscope.aliyuncs.com/compatible-mode/v1":   DefaultBase,
		"https://api.example.com/v1/chat/completions":         DefaultBase,
		"https://api.example.com/V1/Chat/Completions":         DefaultBase,
		"https://tts.example.com/v1":                          "https://tts.example.com/v1",
		"https://tts.example.com/api/v1/services/generation/": "https://tts.example.com/api/v1/services/generation",
		"https://tts.example.com/speak":                       "https://tts.example.com/speak",
	}
	for in, want := range tests {
		if got := NormalizeBase(in, ""); got != want {
			t.Errorf("NormalizeBase(%q) = %q, want %q", in, got, want)
		}
	}

	const custom = "https://tts.internal-mirror.example/gen"
	if got := NormalizeBase("https://api.example.com/v1/chat/completions", custom+"/"); got != custom {
		t.Errorf("fallback not used: %q", got)
	}
}

func TestBuildBody_Defaults(t *testing.T) {
	data, err := BuildBody("", " ", "hello")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["model"] != DefaultModel {
		t.Errorf("model: %v", got["model"])
	}
	input, _ := got["input"].(map[string]any)
	if input["text"] != "hello" || input["voice"] != DefaultVoice {
		t.Errorf("input: %v", input)
	}
}

func TestParseReply(t *testing.T) {
	r, err := ParseReply([]byte(`{"output":{"audio":{"url":"https://cdn.example.com/a.wav","format":"WAV"}}}`))
	if err != nil || r.URL != "https://cdn.example.com/a.wav" || r.Format != "wav" {
		t.Fatalf("url reply: %+v %v", r, err)
	}

	enc := base64.StdEncoding.EncodeToString([]byte("RIFFdata"))
	r, err = ParseReply([]byte(`{"output":{"audio":{"data":"` + enc + `","format":"mp3"}}}`))
	if err != nil || string(r.Data) != "RIFFdata" || r.URL != "" {
		t.Fatalf("inline reply: %+v %v", r, err)
	}

	if _, err := ParseReply([]byte(`{"output":{}}`)); !errors.Is(err, ErrNoAudio) {
		t.Errorf("missing audio: %v", err)
	}
	if _, err := ParseReply([]byte(`not json`)); !errors.Is(err, ErrNoAudio) {
		t.Errorf("garbage: %v", err)
	}
	if _, err := ParseReply([]byte(`{"output":{"audio":{"data":"!!!"}}}`)); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("bad base64: %v", err)
	}
}

func TestUpstreamMessage(t *testing.T) {
	if got := UpstreamMessage([]byte(`{"code":"InvalidApiKey","message":"Invalid API-key provided."}`)); got != "Invalid API-key provided." {
		t.Errorf("message: %q", got)
	}
	if got := UpstreamMessage([]byte(`{"code":"Throttling"}`)); got != "Throttling" {
		t.Errorf("code: %q", got)
	}
	long := strings.Repeat("x", 1000)
	if got := UpstreamMessage([]byte(long)); len(got) != 300 {
		t.Errorf("raw body not truncated: %d", len(got))
	}
}

func TestContentTypeFor(t *testing.T) {
	for format, want := range map[string]string{
		"mp3":  "audio/mpeg",
		"opus": "audio/ogg",
		"OGG":  "audio/ogg",
		"wav":  "audio/wav",
		"":     "audio/wav",
		"pcm":  "audio/wav",
	} {
		if got := ContentTypeFor(format); got != want {
			t.Errorf("ContentTypeFor(%q) = %q", format, got)
		}
	}
}

func TestTruncate_UTF8(t *testing.T) {
	s := "ab" + "é" // é is two bytes
	if got := Truncate(s, 3); got != "ab" {
		t.Errorf("split rune: %q", got)
	}
}
