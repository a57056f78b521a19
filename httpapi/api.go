// Package httpapi exposes the gateway operations over HTTP with chi.
//
//	GET  /health
//	GET  /v1/feed?url=&raw=&timeout_ms=
//	GET  /v1/html?url=&timeout_ms=&format=markdown
//	GET  /v1/image?url=
//	POST /v1/tts
//	POST /v1/ai/chat
//	POST /v1/ai/tasks/{type}
//	GET  /v1/ai/tasks/{id}/attempts
//	GET  /v1/metrics?name=&since=&limit=
//	GET  /v1/heartbeat
//
// Every failure answers {"error": msg, "status": n}.
package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/egress/aitask"
	"github.com/hazyhaar/egress/gateway"
	"github.com/hazyhaar/egress/observability"
	"github.com/hazyhaar/egress/shield"
)

// StatusClientClosedRequest answers tasks abandoned by their caller.
const StatusClientClosedRequest = 499

// HeartbeatWorker is the worker name heartbeats are written under.
const HeartbeatWorker = "egress"

// API adapts a gateway.Service to HTTP.
type API struct {
	svc     *gateway.Service
	tasks   *aitask.Service
	history *sql.DB
	metrics *observability.MetricsManager
	logger  *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithTasks enables POST /v1/ai/tasks/{type}.
func WithTasks(t *aitask.Service) Option {
	return func(a *API) { a.tasks = t }
}

// WithHistory enables GET /v1/ai/tasks/{id}/attempts from the attempt log
// stored in db.
func WithHistory(db *sql.DB) Option {
	return func(a *API) { a.history = db }
}

// WithMetrics enables GET /v1/metrics.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(a *API) { a.metrics = mm }
}

// WithLogger sets the logger used for recovered panics.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// New returns an API over svc.
func New(svc *gateway.Service, opts ...Option) *API {
	a := &API{svc: svc, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Handler builds the router. mws run outermost first, before panic
// recovery.
func (a *API) Handler(mws ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	for _, mw := range mws {
		r.Use(mw)
	}
	r.Use(a.recoverer)
	r.Use(middleware.CleanPath)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		shield.WriteError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		shield.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	a.Routes(r)
	return r
}

// Routes mounts the endpoints on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/feed", a.feed)
		r.Get("/html", a.html)
		r.Get("/image", a.image)
		r.Post("/tts", a.tts)
		r.Post("/ai/chat", a.chat)
		r.Post("/ai/tasks/{type}", a.runTask)
		r.Get("/ai/tasks/{id}/attempts", a.attempts)
		r.Get("/metrics", a.listMetrics)
		r.Get("/heartbeat", a.heartbeat)
	})
}

// recoverer turns a handler panic into a 502 JSON answer.
func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			shield.GetLogger(r.Context()).Error("httpapi: panic",
				"panic", fmt.Sprint(rec), "path", r.URL.Path, "stack", string(debug.Stack()))
			shield.WriteError(w, http.StatusBadGateway, "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// fail answers err with its status. Task errors keep their code's status,
// everything else goes through gateway.AsError.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		shield.GetLogger(r.Context()).Warn("httpapi: request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	shield.WriteError(w, status, msg)
}

func errorStatus(err error) (int, string) {
	var te *aitask.Error
	if errors.As(err, &te) {
		return taskStatus(te), te.Error()
	}
	ge := gateway.AsError(err)
	return ge.HTTPStatus(), ge.Error()
}

func taskStatus(te *aitask.Error) int {
	switch te.Code {
	case aitask.CodeInvalidConfig:
		if te.HTTPStatus >= 400 && te.HTTPStatus < 500 {
			return te.HTTPStatus
		}
		return http.StatusBadRequest
	case aitask.CodeAuth:
		if te.HTTPStatus == http.StatusForbidden {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case aitask.CodeRateLimit:
		return http.StatusTooManyRequests
	case aitask.CodeTimeout:
		return http.StatusRequestTimeout
	case aitask.CodeCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusBadGateway
	}
}

// queryMillis parses an optional millisecond query parameter.
func queryMillis(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}

// decodeBody decodes a JSON request body. A body cut by shield.MaxBody
// answers 413.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			shield.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		shield.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
