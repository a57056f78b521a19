// Package tts speaks the structured text-to-speech provider protocol: request
// body construction, API base normalization and reply decoding. Network I/O
// stays in the gateway so it goes through the same admission and size caps
// as every other outbound call.
package tts

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultBase  = "https://dashscope.aliyuncs.com/api/v1/services/aigc/multimodal-generation/generation"
	DefaultModel = "qwen-tts"
	DefaultVoice = "Cherry"

	// maxMessage bounds the raw upstream body echoed back in errors.
	maxMessage = 300
)

// ErrNoAudio is returned when a successful reply carries neither an audio
// URL nor inline data.
var ErrNoAudio = errors.New("no audio payload")

// ErrEmptyAudio is returned when inline audio decodes to zero bytes.
var ErrEmptyAudio = errors.New("empty audio payload")

// openAILike are path fragments of chat-completion style bases that users
// paste by mistake.
var openAILike = []string{"/compatible-mode/", "/chat/completions"}

// NormalizeBase returns the provider base to call. Blank input and bases
// that look like an OpenAI-compatible completion endpoint map to fallback,
// or to DefaultBase when fallback is blank.
func NormalizeBase(base, fallback string) string {
	def := strings.TrimRight(strings.TrimSpace(fallback), "/")
	if def == "" {
		def = DefaultBase
	}
	b := strings.TrimRight(strings.TrimSpace(base), "/")
	if b == "" {
		return def
	}
	lower := strings.ToLower(b)
	for _, frag := range openAILike {
		if strings.Contains(lower+"/", frag) {
			return def
		}
	}
	return b
}

type requestBody struct {
	Model string `json:"model"`
	Input struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	} `json:"input"`
}

// BuildBody encodes the synthesis request. Blank model and voice take the
// defaults.
func BuildBody(model, voice, text string) ([]byte, error) {
	var rb requestBody
	rb.Model = strings.TrimSpace(model)
	if rb.Model == "" {
		rb.Model = DefaultModel
	}
	rb.Input.Voice = strings.TrimSpace(voice)
	if rb.Input.Voice == "" {
		rb.Input.Voice = DefaultVoice
	}
	rb.Input.Text = text
	return json.Marshal(rb)
}

// Reply is a decoded provider answer. Exactly one of URL and Data is set.
type Reply struct {
	URL    string
	Data   []byte
	Format string
}

type replyBody struct {
	Output struct {
		Audio struct {
			URL    string `json:"url"`
			Data   string `json:"data"`
			Format string `json:"format"`
		} `json:"audio"`
	} `json:"output"`
}

// ParseReply extracts the audio location or payload from a 2xx reply body.
func ParseReply(body []byte) (Reply, error) {
	var rb replyBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrNoAudio, err)
	}
	audio := rb.Output.Audio
	format := strings.ToLower(strings.TrimSpace(audio.Format))
	if u := strings.TrimSpace(audio.URL); u != "" {
		return Reply{URL: u, Format: format}, nil
	}
	raw := strings.TrimSpace(audio.Data)
	if raw == "" {
		return Reply{}, ErrNoAudio
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrEmptyAudio, err)
	}
	if len(data) == 0 {
		return Reply{}, ErrEmptyAudio
	}
	return Reply{Data: data, Format: format}, nil
}

// UpstreamMessage picks a human-readable message out of an error reply:
// the JSON message or code field when present, else the raw body truncated.
func UpstreamMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(body, &e) == nil {
		if m := strings.TrimSpace(e.Message); m != "" {
			return m
		}
		if c := strings.TrimSpace(e.Code); c != "" {
			return c
		}
	}
	return Truncate(strings.TrimSpace(string(body)), maxMessage)
}

// ContentTypeFor maps a declared audio format to a media type.
func ContentTypeFor(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "mp3", "mpeg":
		return "audio/mpeg"
	case "opus", "ogg":
		return "audio/ogg"
	default:
		return "audio/wav"
	}
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
