// Package aichat encodes OpenAI-compatible chat-completion requests and
// extracts the completion text from provider replies.
//
// Reply decoding is two-stage: a strict JSON decode of the whole body, then,
// only if that fails, a relaxed decode of the outermost {...} span. Providers
// behind proxies sometimes prepend banners or append trailers.
package aichat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultTemperature is used when the caller does not set one.
const DefaultTemperature = 0.2

const maxMessage = 300

// ErrEmpty is returned when the reply decodes but carries no text.
var ErrEmpty = errors.New("aichat: empty completion")

// ErrMalformed is returned when neither decode stage yields a reply object.
var ErrMalformed = errors.New("aichat: malformed provider reply")

// Endpoint appends /chat/completions to base unless it is already there.
func Endpoint(base string) string {
	b := strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(strings.ToLower(b), "/chat/completions") {
		return b
	}
	return b + "/chat/completions"
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestBody struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	Messages    []Message `json:"messages"`
}

// BuildBody encodes a system+user completion request. A nil temperature
// means DefaultTemperature.
func BuildBody(model string, temperature *float64, system, user string) ([]byte, error) {
	t := DefaultTemperature
	if temperature != nil {
		t = *temperature
	}
	return json.Marshal(requestBody{
		Model:       model,
		Temperature: t,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
}

type replyBody struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ParseContent returns the trimmed text of the first choice. Content may be
// a string or a list of parts; string text fields of parts are joined with
// newlines.
func ParseContent(body []byte) (string, error) {
	reply, err := decodeReply(body)
	if err != nil {
		return "", err
	}
	if len(reply.Choices) == 0 {
		return "", ErrEmpty
	}
	text := contentText(reply.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}

func decodeReply(body []byte) (*replyBody, error) {
	var strict replyBody
	err := json.Unmarshal(body, &strict)
	if err == nil {
		return &strict, nil
	}

	start := bytes.IndexByte(body, '{')
	end := bytes.LastIndexByte(body, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var relaxed replyBody
	if rerr := json.Unmarshal(body[start:end+1], &relaxed); rerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, rerr)
	}
	return &relaxed, nil
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var parts []map[string]any
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if t, ok := p["text"].(string); ok {
			texts = append(texts, t)
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}

// ErrorMessage extracts a readable message from a non-2xx reply: the
// OpenAI-style error.message, a top-level message, or the raw body cut to
// 300 bytes.
func ErrorMessage(body []byte) string {
	var e struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		var nested struct {
			Message string `json:"message"`
		}
		if len(e.Error) > 0 && json.Unmarshal(e.Error, &nested) == nil && strings.TrimSpace(nested.Message) != "" {
			return strings.TrimSpace(nested.Message)
		}
		var flat string
		if len(e.Error) > 0 && json.Unmarshal(e.Error, &flat) == nil && strings.TrimSpace(flat) != "" {
			return strings.TrimSpace(flat)
		}
		if m := strings.TrimSpace(e.Message); m != "" {
			return m
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxMessage {
		s = s[:maxMessage]
	}
	return s
}
