// Package aitask runs AI completions with per-attempt timeouts, classified
// retries and exponential backoff, and exposes summary, translation and
// provider-probe tasks on top of a pluggable result cache.
//
// A task moves requesting -> success, requesting -> retrying -> requesting,
// requesting -> failure, or to cancelled from any non-terminal state when
// the caller's context ends. Every transition is logged and handed to the
// Observer.
package aitask

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/hazyhaar/egress/idgen"
)

// TaskType names what a task computes.
type TaskType string

const (
	TaskSummary     TaskType = "summary"
	TaskTranslation TaskType = "translation"
	TaskProbe       TaskType = "probe"
)

// Status is a task state.
type Status string

const (
	StatusRequesting Status = "requesting"
	StatusSuccess    Status = "success"
	StatusRetrying   Status = "retrying"
	StatusFailure    Status = "failure"
	StatusCancelled  Status = "cancelled"
)

const (
	baseDelay      = 700 * time.Millisecond
	rateLimitDelay = 1200 * time.Millisecond
	maxJitter      = 250 * time.Millisecond
)

// TaskIDPrefix prefixes the UUIDv7 of generated task IDs.
const TaskIDPrefix = "task_"

var errAttemptTimeout = errors.New("aitask: attempt timeout")

// Task identifies one orchestrated computation.
type Task struct {
	ID       string
	Type     TaskType
	EntryID  string
	CacheKey string
}

// Attempt is one recorded state transition.
type Attempt struct {
	Task       TaskType  `json:"task"`
	TaskID     string    `json:"taskId"`
	Status     Status    `json:"status"`
	Attempt    int       `json:"attempt"`
	EntryID    string    `json:"entryId"`
	CacheKey   string    `json:"cacheKey,omitempty"`
	Code       Code      `json:"code,omitempty"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"httpStatus,omitempty"`
	RetryInMs  int64     `json:"retryInMs,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Observer receives every transition. Implementations must not block.
type Observer interface {
	Observe(Attempt)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Attempt)

func (f ObserverFunc) Observe(a Attempt) { f(a) }

// Execute performs one attempt. It should honour ctx, but the runner does
// not depend on it: an attempt settles when ctx ends either way.
type Execute func(ctx context.Context) (string, error)

// Options bound a run.
type Options struct {
	MaxRetries int
	Timeout    time.Duration // per attempt; 0 means no attempt timeout
}

// Runner executes tasks. Safe for concurrent use.
type Runner struct {
	logger   *slog.Logger
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() time.Duration
	now      func() time.Time
	newID    idgen.Generator
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver streams transitions to o.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// WithSleeper replaces the cancellable backoff sleep (tests).
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithJitter replaces the jitter source (tests).
func WithJitter(fn func() time.Duration) RunnerOption {
	return func(r *Runner) {
		if fn != nil {
			r.jitter = fn
		}
	}
}

// WithIDGenerator sets the generator for tasks without an ID.
func WithIDGenerator(gen idgen.Generator) RunnerOption {
	return func(r *Runner) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		logger: slog.Default(),
		sleep:  sleepCtx,
		jitter: func() time.Duration { return rand.N(maxJitter) },
		now:    time.Now,
		newID:  idgen.Prefixed(TaskIDPrefix, idgen.Default),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Backoff returns the delay before retry number retryIndex (0 for the first
// retry), without jitter.
func Backoff(code Code, retryIndex int) time.Duration {
	base := baseDelay
	if code == CodeRateLimit {
		base = rateLimitDelay
	}
	return base << uint(retryIndex)
}

// Run executes exec until it succeeds, fails permanently, exhausts
// opts.MaxRetries or ctx ends. The returned error is always an *Error.
func (r *Runner) Run(ctx context.Context, task Task, exec Execute, opts Options) (string, error) {
	if task.ID == "" {
		task.ID = r.newID()
	}
	maxRetries := max(opts.MaxRetries, 0)

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			te := cancelled(ctx)
			r.emit(task, StatusCancelled, attempt, te, 0)
			return "", te
		}
		r.emit(task, StatusRequesting, attempt, nil, 0)

		out, te := r.attempt(ctx, exec, opts.Timeout)
		if te == nil {
			r.emit(task, StatusSuccess, attempt, nil, 0)
			return out, nil
		}
		if te.Code == CodeCancelled {
			r.emit(task, StatusCancelled, attempt, te, 0)
			return "", te
		}
		if !te.Retryable || attempt > maxRetries {
			r.emit(task, StatusFailure, attempt, te, 0)
			return "", te
		}

		delay := Backoff(te.Code, attempt-1) + r.jitter()
		r.emit(task, StatusRetrying, attempt, te, delay)
		if err := r.sleep(ctx, delay); err != nil {
			ce := cancelled(ctx)
			r.emit(task, StatusCancelled, attempt, ce, 0)
			return "", ce
		}
	}
}

func (r *Runner) attempt(ctx context.Context, exec Execute, timeout time.Duration) (string, *Error) {
	var actx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		actx, cancel = context.WithTimeoutCause(ctx, timeout, errAttemptTimeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := exec(actx)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		if ctx.Err() != nil {
			return "", cancelled(ctx)
		}
		if res.err != nil {
			return "", settle(ctx, actx, res.err)
		}
		if strings.TrimSpace(res.out) == "" {
			return "", NewError(CodeEmptyResult, 0, "completion was empty", nil)
		}
		return res.out, nil
	case <-actx.Done():
		return "", settle(ctx, actx, context.Cause(actx))
	}
}

// settle gives caller cancellation precedence over the attempt timeout,
// and the attempt timeout precedence over whatever exec returned.
func settle(ctx, actx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	if context.Cause(actx) == errAttemptTimeout {
		return NewError(CodeTimeout, 0, "attempt timed out", err)
	}
	return Classify(err)
}

func cancelled(ctx context.Context) *Error {
	return NewError(CodeCancelled, 0, "request cancelled", context.Cause(ctx))
}

func (r *Runner) emit(task Task, status Status, attempt int, te *Error, delay time.Duration) {
	a := Attempt{
		Task:      task.Type,
		TaskID:    task.ID,
		Status:    status,
		Attempt:   attempt,
		EntryID:   task.EntryID,
		CacheKey:  task.CacheKey,
		Message:   string(status),
		Timestamp: r.now().UTC(),
	}
	if te != nil {
		a.Code = te.Code
		a.Message = te.Message
		a.HTTPStatus = te.HTTPStatus
	}
	if delay > 0 {
		a.RetryInMs = delay.Milliseconds()
	}

	attrs := []any{
		"task", a.Task, "task_id", a.TaskID, "status", a.Status,
		"attempt", a.Attempt, "entry_id", a.EntryID,
	}
	if a.CacheKey != "" {
		attrs = append(attrs, "cache_key", a.CacheKey)
	}
	if te != nil {
		attrs = append(attrs, "code", a.Code, "message", a.Message)
		if a.HTTPStatus != 0 {
			attrs = append(attrs, "http_status", a.HTTPStatus)
		}
	}
	if a.RetryInMs > 0 {
		attrs = append(attrs, "retry_in_ms", a.RetryInMs)
	}
	switch status {
	case StatusFailure:
		r.logger.Warn("aitask: transition", attrs...)
	case StatusRequesting:
		r.logger.Debug("aitask: transition", attrs...)
	default:
		r.logger.Info("aitask: transition", attrs...)
	}

	if r.observer != nil {
		r.observer.Observe(a)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
