package aitask

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// CompletionRequest is one chat completion call.
type CompletionRequest struct {
	APIBase      string
	APIKey       string
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  *float64
	TimeoutMs    int
}

// Completer performs a single completion. The gateway implements it.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// ResultCache stores completed results by cache key.
type ResultCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Provider identifies the completion backend.
type Provider struct {
	Name    string `json:"name"`
	APIBase string `json:"api_base"`
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model"`
}

// SummaryRequest summarizes one entry.
type SummaryRequest struct {
	EntryID  string   `json:"entry_id"`
	Title    string   `json:"title,omitempty"`
	Content  string   `json:"content"`
	Language string   `json:"language,omitempty"`
	Provider Provider `json:"provider"`
}

// TranslationRequest translates one entry.
type TranslationRequest struct {
	EntryID        string   `json:"entry_id"`
	Text           string   `json:"text"`
	TargetLanguage string   `json:"target_language"`
	OutputStyle    string   `json:"output_style,omitempty"`
	Provider       Provider `json:"provider"`
}

// ProbeRequest checks that a provider answers.
type ProbeRequest struct {
	Provider Provider `json:"provider"`
}

// Result is a task outcome.
type Result struct {
	TaskID   string `json:"task_id"`
	CacheKey string `json:"cache_key,omitempty"`
	Content  string `json:"content"`
	Cached   bool   `json:"cached"`
}

// Service runs summary, translation and probe tasks.
type Service struct {
	completer Completer
	cache     ResultCache
	runner    *Runner
	opts      Options
	logger    *slog.Logger
}

// NewService wires a Service. cache may be nil; runner nil uses NewRunner().
func NewService(c Completer, runner *Runner, cache ResultCache, opts Options, logger *slog.Logger) *Service {
	if runner == nil {
		runner = NewRunner(WithLogger(logger))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{completer: c, cache: cache, runner: runner, opts: opts, logger: logger}
}

// Summarize returns a summary of req.Content, from cache when possible.
func (s *Service) Summarize(ctx context.Context, req SummaryRequest) (*Result, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, NewError(CodeInvalidConfig, 0, "content is required", nil)
	}
	lang := firstNonBlank(req.Language, "English")
	key := entryKey(KeyParts{
		Type:           TaskSummary,
		EntryID:        req.EntryID,
		Provider:       req.Provider.Name,
		Model:          req.Provider.Model,
		TargetLanguage: lang,
	})
	user := req.Content
	if t := strings.TrimSpace(req.Title); t != "" {
		user = "Title: " + t + "\n\n" + req.Content
	}
	return s.run(ctx, TaskSummary, req.EntryID, key, req.Provider,
		fmt.Sprintf("Summarize the article in %s in at most five sentences. Reply with the summary only.", lang),
		user)
}

// Translate returns req.Text in req.TargetLanguage, from cache when possible.
func (s *Service) Translate(ctx context.Context, req TranslationRequest) (*Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, NewError(CodeInvalidConfig, 0, "text is required", nil)
	}
	if strings.TrimSpace(req.TargetLanguage) == "" {
		return nil, NewError(CodeInvalidConfig, 0, "target_language is required", nil)
	}
	style := firstNonBlank(req.OutputStyle, "faithful")
	key := entryKey(KeyParts{
		Type:           TaskTranslation,
		EntryID:        req.EntryID,
		Provider:       req.Provider.Name,
		Model:          req.Provider.Model,
		TargetLanguage: req.TargetLanguage,
		OutputStyle:    style,
	})
	return s.run(ctx, TaskTranslation, req.EntryID, key, req.Provider,
		fmt.Sprintf("Translate the user's text into %s. Style: %s. Keep paragraph breaks. Reply with the translation only.", req.TargetLanguage, style),
		req.Text)
}

// Probe sends a trivial prompt to check credentials and reachability. It is
// never cached.
func (s *Service) Probe(ctx context.Context, req ProbeRequest) (*Result, error) {
	return s.run(ctx, TaskProbe, "probe", "", req.Provider, "Reply with the single word OK.", "ping")
}

func (s *Service) run(ctx context.Context, typ TaskType, entryID, key string, p Provider, system, user string) (*Result, error) {
	if strings.TrimSpace(p.APIBase) == "" || strings.TrimSpace(p.Model) == "" {
		return nil, NewError(CodeInvalidConfig, 0, "provider api_base and model are required", nil)
	}
	task := Task{ID: s.runner.newID(), Type: typ, EntryID: entryID, CacheKey: key}

	if s.cache != nil && key != "" {
		v, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			s.logger.Warn("aitask: cache read failed", "cache_key", key, "error", err)
		case ok:
			return &Result{TaskID: task.ID, CacheKey: key, Content: v, Cached: true}, nil
		}
	}

	req := CompletionRequest{
		APIBase:      p.APIBase,
		APIKey:       p.APIKey,
		Model:        p.Model,
		SystemPrompt: system,
		UserPrompt:   user,
	}
	out, err := s.runner.Run(ctx, task, func(actx context.Context) (string, error) {
		return s.completer.Complete(actx, req)
	}, s.opts)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && key != "" {
		if err := s.cache.Set(ctx, key, out); err != nil {
			s.logger.Warn("aitask: cache write failed", "cache_key", key, "error", err)
		}
	}
	return &Result{TaskID: task.ID, CacheKey: key, Content: out}, nil
}

// entryKey returns the cache key for p, or "" when p has no entry ID: the key
// does not cover the content, so anonymous requests bypass the cache.
func entryKey(p KeyParts) string {
	if strings.TrimSpace(p.EntryID) == "" {
		return ""
	}
	return CacheKey(p)
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}
