package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hazyhaar/egress/aitask"
	"github.com/hazyhaar/egress/gateway/internal/aichat"
	"github.com/hazyhaar/egress/gateway/internal/fetch"
)

// ChatRequest is an OpenAI-compatible completion request.
type ChatRequest struct {
	APIBase      string   `json:"apiBase"`
	APIKey       string   `json:"apiKey,omitempty"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt"`
	UserPrompt   string   `json:"userPrompt"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TimeoutMs    int      `json:"timeoutMs,omitempty"`
}

// ChatResult reports a completion without using Go errors, for hosts that
// forward the outcome verbatim.
type ChatResult struct {
	OK      bool   `json:"ok"`
	Status  int    `json:"status"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ChatCompletion runs Complete and folds the outcome into a ChatResult.
func (s *Service) ChatCompletion(ctx context.Context, req ChatRequest) ChatResult {
	content, err := s.Complete(ctx, req)
	if err != nil {
		ge := AsError(err)
		return ChatResult{Status: ge.HTTPStatus(), Error: ge.Error(), Code: ge.AICode()}
	}
	return ChatResult{OK: true, Status: http.StatusOK, Content: content}
}

// Complete performs one chat completion. Errors are *Error with an AI code.
func (s *Service) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if strings.TrimSpace(req.APIBase) == "" || strings.TrimSpace(req.Model) == "" {
		return "", &Error{Kind: KindInvalidInput, Code: CodeInvalidConfig, Message: "apiBase and model are required"}
	}
	endpoint, err := s.resolve(ctx, aichat.Endpoint(req.APIBase))
	if err != nil {
		ge := AsError(err)
		return "", &Error{Kind: ge.Kind, Code: CodeInvalidConfig, Message: ge.Message, Err: ge}
	}

	body, err := aichat.BuildBody(strings.TrimSpace(req.Model), req.Temperature, req.SystemPrompt, req.UserPrompt)
	if err != nil {
		return "", &Error{Kind: KindInvalidInput, Code: CodeInvalidConfig, Message: err.Error(), Err: err}
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if key := strings.TrimSpace(req.APIKey); key != "" {
		h.Set("Authorization", "Bearer "+key)
	}

	timeout := millis(req.TimeoutMs)
	if timeout == 0 {
		timeout = s.cfg.AIAttemptTimeout
	}
	resp, err := s.exchange(ctx, fetch.Request{
		Method:  http.MethodPost,
		URL:     endpoint,
		Header:  h,
		Body:    body,
		Timeout: timeout,
	})
	if err != nil {
		return "", err
	}
	if !isSuccess(resp.StatusCode) {
		return "", &Error{
			Kind:    KindUpstream,
			Status:  resp.StatusCode,
			Message: aichat.ErrorMessage(resp.Body),
		}
	}

	content, err := aichat.ParseContent(resp.Body)
	switch {
	case errors.Is(err, aichat.ErrEmpty):
		return "", &Error{Kind: KindUpstream, Code: CodeEmptyResult, Message: "provider returned empty content", Err: err}
	case err != nil:
		return "", &Error{Kind: KindUpstream, Code: CodeProvider, Message: err.Error(), Err: err}
	}
	return content, nil
}

// Completer adapts the Service to aitask.Completer.
func (s *Service) Completer() aitask.Completer { return completer{s} }

type completer struct{ s *Service }

func (c completer) Complete(ctx context.Context, r aitask.CompletionRequest) (string, error) {
	return c.s.Complete(ctx, ChatRequest{
		APIBase:      r.APIBase,
		APIKey:       r.APIKey,
		Model:        r.Model,
		SystemPrompt: r.SystemPrompt,
		UserPrompt:   r.UserPrompt,
		Temperature:  r.Temperature,
		TimeoutMs:    r.TimeoutMs,
	})
}
