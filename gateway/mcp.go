package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/egress/aitask"
	"github.com/hazyhaar/egress/kit"
)

// RegisterMCP registers the gateway tools on an MCP server. tasks may be
// nil, in which case egress_ai_task is not offered. Images are binary and
// have no tool.
func (s *Service) RegisterMCP(srv *mcp.Server, tasks *aitask.Service) {
	s.registerFetchFeed(srv)
	s.registerFetchHTML(srv)
	s.registerTTS(srv)
	s.registerAIChat(srv)
	if tasks != nil {
		s.registerAITask(srv, tasks)
	}
	s.registerHealth(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (s *Service) wrap(op string, e kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Recovery(s.logger), kit.Logging(s.logger, op))(e)
}

// decodeInto returns a decode function for a fresh *T per call.
func decodeInto[T any]() func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		p := new(T)
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: p}, nil
	}
}

func (s *Service) registerFetchFeed(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "egress_fetch_feed",
		Description: "Fetch an RSS, Atom or JSON feed through the egress guard and return it normalized (or raw)",
		InputSchema: inputSchema(map[string]any{
			"url":               map[string]any{"type": "string", "description": "Feed URL (http or https)"},
			"etag":              map[string]any{"type": "string", "description": "ETag from a previous fetch"},
			"if_modified_since": map[string]any{"type": "string", "description": "Last-Modified from a previous fetch"},
			"raw":               map[string]any{"type": "boolean", "description": "Return the raw document instead of the normalized feed"},
			"timeout_ms":        map[string]any{"type": "integer", "description": "Request timeout in ms"},
		}, []string{"url"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.FetchFeed(ctx, *r.(*FeedRequest))
	}
	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[FeedRequest]())
}

func (s *Service) registerFetchHTML(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "egress_fetch_html",
		Description: "Fetch a web page through the egress guard, optionally rendered as Markdown",
		InputSchema: inputSchema(map[string]any{
			"url":        map[string]any{"type": "string", "description": "Page URL (http or https)"},
			"timeout_ms": map[string]any{"type": "integer", "description": "Request timeout in ms"},
			"markdown":   map[string]any{"type": "boolean", "description": "Also return a Markdown rendering"},
		}, []string{"url"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.FetchHTML(ctx, *r.(*HTMLRequest))
	}
	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[HTMLRequest]())
}

func (s *Service) registerTTS(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "egress_tts",
		Description: fmt.Sprintf("Text-to-speech: forward a request to an audio URL, or use url %q with a JSON body {text, apiKey, model, voice, apiBase} for the structured provider. Body and returned audio are base64.", ProviderSentinel),
		InputSchema: inputSchema(map[string]any{
			"url":        map[string]any{"type": "string", "description": "Target URL or the provider sentinel"},
			"method":     map[string]any{"type": "string", "description": "HTTP method (default GET)"},
			"headers":    map[string]any{"type": "object", "description": "Request headers"},
			"body":       map[string]any{"type": "string", "description": "Base64 request body"},
			"timeout_ms": map[string]any{"type": "integer", "description": "Request timeout in ms"},
			"max_bytes":  map[string]any{"type": "integer", "description": "Lower the audio byte cap"},
		}, []string{"url"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.TTS(ctx, *r.(*TTSRequest))
	}
	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[TTSRequest]())
}

func (s *Service) registerAIChat(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "egress_ai_chat",
		Description: "Run one OpenAI-compatible chat completion through the egress guard",
		InputSchema: inputSchema(map[string]any{
			"apiBase":      map[string]any{"type": "string", "description": "Provider API base URL"},
			"apiKey":       map[string]any{"type": "string", "description": "Bearer token"},
			"model":        map[string]any{"type": "string", "description": "Model name"},
			"systemPrompt": map[string]any{"type": "string", "description": "System message"},
			"userPrompt":   map[string]any{"type": "string", "description": "User message"},
			"temperature":  map[string]any{"type": "number", "description": "Sampling temperature (default 0.2)"},
			"timeoutMs":    map[string]any{"type": "integer", "description": "Request timeout in ms"},
		}, []string{"apiBase", "model", "userPrompt"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.ChatCompletion(ctx, *r.(*ChatRequest)), nil
	}
	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[ChatRequest]())
}

// AITaskRequest is the union input of the egress_ai_task tool and the
// /v1/ai/tasks/{type} route.
type AITaskRequest struct {
	Type           string          `json:"type"`
	EntryID        string          `json:"entry_id,omitempty"`
	Title          string          `json:"title,omitempty"`
	Content        string          `json:"content,omitempty"`
	Language       string          `json:"language,omitempty"`
	TargetLanguage string          `json:"target_language,omitempty"`
	OutputStyle    string          `json:"output_style,omitempty"`
	Provider       aitask.Provider `json:"provider"`
}

// RunAITask dispatches an AITaskRequest to tasks.
func RunAITask(ctx context.Context, tasks *aitask.Service, req AITaskRequest) (*aitask.Result, error) {
	switch aitask.TaskType(req.Type) {
	case aitask.TaskSummary:
		return tasks.Summarize(ctx, aitask.SummaryRequest{
			EntryID: req.EntryID, Title: req.Title, Content: req.Content,
			Language: req.Language, Provider: req.Provider,
		})
	case aitask.TaskTranslation:
		return tasks.Translate(ctx, aitask.TranslationRequest{
			EntryID: req.EntryID, Text: req.Content, TargetLanguage: req.TargetLanguage,
			OutputStyle: req.OutputStyle, Provider: req.Provider,
		})
	case aitask.TaskProbe:
		return tasks.Probe(ctx, aitask.ProbeRequest{Provider: req.Provider})
	}
	return nil, invalidInput("unknown task type %q", req.Type)
}

func (s *Service) registerAITask(srv *mcp.Server, tasks *aitask.Service) {
	tool := &mcp.Tool{
		Name:        "egress_ai_task",
		Description: "Run a cached, retried AI task: summary, translation or probe",
		InputSchema: inputSchema(map[string]any{
			"type":            map[string]any{"type": "string", "enum": []string{"summary", "translation", "probe"}},
			"entry_id":        map[string]any{"type": "string", "description": "Entry identifier used in the cache key"},
			"title":           map[string]any{"type": "string", "description": "Entry title (summary)"},
			"content":         map[string]any{"type": "string", "description": "Text to summarize or translate"},
			"language":        map[string]any{"type": "string", "description": "Summary language"},
			"target_language": map[string]any{"type": "string", "description": "Translation target language"},
			"output_style":    map[string]any{"type": "string", "description": "Translation style"},
			"provider":        map[string]any{"type": "object", "description": "{name, api_base, api_key, model}"},
		}, []string{"type", "provider"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return RunAITask(ctx, tasks, *r.(*AITaskRequest))
	}
	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[AITaskRequest]())
}

func (s *Service) registerHealth(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "egress_health",
		Description: "Report gateway status, version, uptime and admission counters",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(context.Context, any) (any, error) {
		return s.Health(), nil
	}
	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[struct{}]())
}
