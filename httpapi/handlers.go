package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/egress/aitask"
	"github.com/hazyhaar/egress/gateway"
	"github.com/hazyhaar/egress/idgen"
	"github.com/hazyhaar/egress/observability"
	"github.com/hazyhaar/egress/shield"
)

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Health())
}

// feed forwards the client's conditional headers upstream. A 304 answers
// with no body.
func (a *API) feed(w http.ResponseWriter, r *http.Request) {
	raw, err := queryBool(r, "raw")
	if err != nil {
		shield.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeout, err := queryMillis(r, "timeout_ms")
	if err != nil {
		shield.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.FetchFeed(r.Context(), gateway.FeedRequest{
		URL:             r.URL.Query().Get("url"),
		ETag:            r.Header.Get("If-None-Match"),
		IfModifiedSince: r.Header.Get("If-Modified-Since"),
		Raw:             raw,
		TimeoutMs:       timeout,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if res.ETag != "" {
		w.Header().Set("ETag", res.ETag)
	}
	if res.LastModified != "" {
		w.Header().Set("Last-Modified", res.LastModified)
	}
	if res.Status == http.StatusNotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) html(w http.ResponseWriter, r *http.Request) {
	timeout, err := queryMillis(r, "timeout_ms")
	if err != nil {
		shield.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	if format != "" && format != "html" && format != "markdown" {
		shield.WriteError(w, http.StatusBadRequest, "format must be html or markdown")
		return
	}
	res, err := a.svc.FetchHTML(r.Context(), gateway.HTMLRequest{
		URL:       r.URL.Query().Get("url"),
		TimeoutMs: timeout,
		Markdown:  format == "markdown",
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// image writes the (possibly re-encoded) bytes with the cache headers.
func (a *API) image(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.FetchImage(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", res.ContentType)
	h.Set("Cache-Control", res.CacheControl)
	h.Set("Cache-Status", res.CacheStatus)
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(res.Status)
	w.Write(res.Body)
}

// tts relays the upstream status, filtered headers and audio bytes. Headers
// already set by the middleware stack win over upstream ones.
func (a *API) tts(w http.ResponseWriter, r *http.Request) {
	var req gateway.TTSRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := a.svc.TTS(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	for k, vals := range res.Header {
		if w.Header().Get(k) != "" {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(res.Status)
	w.Write(res.Body)
}

// chat answers with the ChatResult and its status.
func (a *API) chat(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res := a.svc.ChatCompletion(r.Context(), req)
	writeJSON(w, res.Status, res)
}

func (a *API) runTask(w http.ResponseWriter, r *http.Request) {
	if a.tasks == nil {
		shield.WriteError(w, http.StatusNotFound, "ai tasks are not enabled")
		return
	}
	var req gateway.AITaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Type = chi.URLParam(r, "type")
	res, err := gateway.RunAITask(r.Context(), a.tasks, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) attempts(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		shield.WriteError(w, http.StatusNotFound, "attempt history is not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := idgen.ParseUUID(id, aitask.TaskIDPrefix); err != nil {
		shield.WriteError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	history, err := observability.TaskHistory(r.Context(), a.history, id)
	if err != nil {
		shield.GetLogger(r.Context()).Error("httpapi: task history", "task_id", id, "error", err)
		shield.WriteError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if len(history) == 0 {
		shield.WriteError(w, http.StatusNotFound, "unknown task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "attempts": history})
}

// listMetrics returns recorded datapoints, newest first. since is a Go
// duration (default 1h); limit is capped at 1000.
func (a *API) listMetrics(w http.ResponseWriter, r *http.Request) {
	if a.metrics == nil {
		shield.WriteError(w, http.StatusNotFound, "metrics are not enabled")
		return
	}
	q := r.URL.Query()
	since := time.Hour
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			shield.WriteError(w, http.StatusBadRequest, "since must be a positive duration")
			return
		}
		since = d
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			shield.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}
	a.metrics.Flush()
	points, err := a.metrics.Query(r.Context(), q.Get("name"), time.Now().Add(-since), limit)
	if err != nil {
		shield.GetLogger(r.Context()).Error("httpapi: metrics query", "error", err)
		shield.WriteError(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		shield.WriteError(w, http.StatusNotFound, "heartbeats are not enabled")
		return
	}
	hs, err := observability.LatestHeartbeat(r.Context(), a.history, HeartbeatWorker, 2*time.Minute)
	if err != nil {
		shield.GetLogger(r.Context()).Error("httpapi: heartbeat", "error", err)
		shield.WriteError(w, http.StatusInternalServerError, "heartbeat unavailable")
		return
	}
	if hs == nil {
		shield.WriteError(w, http.StatusNotFound, "no heartbeat recorded")
		return
	}
	writeJSON(w, http.StatusOK, hs)
}
