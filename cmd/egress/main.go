// Entry point for the egress gateway: HTTP API by default, MCP over stdio
// with MCP_TRANSPORT=stdio. EGRESS_DB enables the SQLite-backed AI result
// cache, attempt log, metrics and request log.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/egress/aitask"
	"github.com/hazyhaar/egress/dbopen"
	"github.com/hazyhaar/egress/gateway"
	"github.com/hazyhaar/egress/httpapi"
	"github.com/hazyhaar/egress/observability"
	"github.com/hazyhaar/egress/resultcache"
	"github.com/hazyhaar/egress/shield"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", env("EGRESS_CONFIG", ""), "YAML configuration file")
	flag.Parse()

	port := env("PORT", "8088")
	dbPath := env("EGRESS_DB", "")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging. Under stdio MCP, stdout carries the protocol.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	out := os.Stdout
	if mcpTransport == "stdio" {
		out = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := gateway.DefaultConfig()
	if *configPath != "" {
		loaded, err := gateway.LoadConfig(*configPath)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	gwOpts := []gateway.Option{gateway.WithLogger(logger), gateway.WithVersion(version)}
	runnerOpts := []aitask.RunnerOption{aitask.WithLogger(logger)}
	var cache aitask.ResultCache
	var (
		db       *sql.DB
		store    *resultcache.Store
		metrics  *observability.MetricsManager
		attempts *observability.AttemptLog
		requests *observability.RequestLog
	)
	cacheMaxAge := envDuration("EGRESS_AI_CACHE_MAX_AGE", 30*24*time.Hour)

	if dbPath != "" {
		var err error
		db, err = dbopen.Open(dbPath,
			dbopen.WithMkdirAll(),
			dbopen.WithBusyTimeout(envInt("EGRESS_DB_BUSY_TIMEOUT_MS", 10_000)),
			dbopen.WithSynchronous(sqliteSynchronous(env("EGRESS_DB_SYNCHRONOUS", "NORMAL"))),
			dbopen.WithSchema(observability.Schema),
			dbopen.WithSchema(resultcache.Schema),
		)
		if err != nil {
			slog.Error("egress db", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		metrics = observability.NewMetricsManager(db, 200, 10*time.Second, logger)
		attempts = observability.NewAttemptLog(db, 256, logger)
		requests = observability.NewRequestLog(db, 1024, logger)
		gwOpts = append(gwOpts, gateway.WithMetrics(metrics))
		runnerOpts = append(runnerOpts, aitask.WithObserver(attempts))
		store = resultcache.New(db, resultcache.WithMaxAge(cacheMaxAge))
		cache = store
	}

	svc := gateway.New(cfg, gwOpts...)
	tasks := aitask.NewService(svc.Completer(), aitask.NewRunner(runnerOpts...), cache,
		aitask.Options{MaxRetries: cfg.AIRetries(), Timeout: cfg.AIAttemptTimeout}, logger)

	slog.Info("egress starting",
		"version", version,
		"transport", firstNonEmpty(mcpTransport, "http"),
		"db", dbPath != "",
		"global_concurrency", cfg.GlobalConcurrency,
		"host_concurrency", cfg.HostConcurrency,
	)

	if db != nil {
		hb := observability.NewHeartbeatWriter(db, httpapi.HeartbeatWorker, 30*time.Second, func() (int, int) {
			h := svc.Health()
			return h.Admission.InFlight, h.ImageCacheEntries
		}, logger)
		hb.Start(ctx)
		defer hb.Stop()
		go runRetention(ctx, db, retentionFromEnv(), store, cacheMaxAge, logger)
	}

	var runErr error
	if mcpTransport == "stdio" {
		runErr = serveMCP(ctx, svc, tasks)
	} else {
		runErr = serveHTTP(ctx, port, svc, tasks, db, metrics, requests, logger)
	}

	// Flush observability writers before the DB closes.
	if requests != nil {
		requests.Close()
		if n := requests.Dropped(); n > 0 {
			slog.Warn("request log entries dropped", "count", n)
		}
	}
	if attempts != nil {
		attempts.Close()
		if n := attempts.Dropped(); n > 0 {
			slog.Warn("ai task attempts dropped", "count", n)
		}
	}
	if metrics != nil {
		metrics.Close()
	}
	if runErr != nil {
		slog.Error("egress stopped", "error", runErr)
		os.Exit(1)
	}
	slog.Info("egress stopped")
}

func serveMCP(ctx context.Context, svc *gateway.Service, tasks *aitask.Service) error {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "egress",
		Version: version,
	}, nil)
	svc.RegisterMCP(srv, tasks)
	err := srv.Run(ctx, &mcp.StdioTransport{})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func serveHTTP(ctx context.Context, port string, svc *gateway.Service, tasks *aitask.Service,
	db *sql.DB, metrics *observability.MetricsManager, requests *observability.RequestLog, logger *slog.Logger) error {

	drain := shield.NewMaintenanceMode(logger, "/health")
	var limiter *shield.RateLimiter
	if n := envInt("EGRESS_RATE_LIMIT", 120); n > 0 {
		limiter = shield.NewRateLimiter(shield.RateLimitConfig{
			MaxRequests:       n,
			Window:            time.Minute,
			TrustForwardedFor: env("EGRESS_TRUST_XFF", "") == "1",
			Exclude:           []string{"/health"},
		}, logger)
		limiter.StartGC(ctx.Done())
	}

	mws := shield.DefaultStack(logger, drain, limiter, int64(envInt("EGRESS_MAX_BODY", 1<<20)))
	if requests != nil {
		mws = append(mws, requests.Middleware)
	}
	opts := []httpapi.Option{httpapi.WithTasks(tasks), httpapi.WithLogger(logger)}
	if db != nil {
		opts = append(opts, httpapi.WithHistory(db), httpapi.WithMetrics(metrics))
	}
	api := httpapi.New(svc, opts...)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           api.Handler(mws...),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	drain.Enable("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	return nil
}

// runRetention prunes observability tables and expired AI results once at
// start and then daily.
func runRetention(ctx context.Context, db *sql.DB, cfg observability.RetentionConfig,
	store *resultcache.Store, cacheMaxAge time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		n, err := observability.Cleanup(ctx, db, cfg)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error("retention cleanup", "error", err)
		case n > 0:
			logger.Info("retention cleanup", "deleted", n)
		}
		n, err = store.Purge(ctx, time.Now().Add(-cacheMaxAge))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error("ai result cache purge", "error", err)
		case n > 0:
			logger.Info("ai result cache purged", "deleted", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func retentionFromEnv() observability.RetentionConfig {
	return observability.RetentionConfig{
		MetricsDays:    envInt("EGRESS_RETAIN_METRICS_DAYS", 30),
		AttemptsDays:   envInt("EGRESS_RETAIN_ATTEMPTS_DAYS", 30),
		RequestsDays:   envInt("EGRESS_RETAIN_REQUESTS_DAYS", 14),
		HeartbeatsDays: envInt("EGRESS_RETAIN_HEARTBEATS_DAYS", 7),
	}
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(env(key, ""))
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(env(key, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// sqliteSynchronous accepts the PRAGMA synchronous modes, NORMAL otherwise.
func sqliteSynchronous(mode string) string {
	switch m := strings.ToUpper(mode); m {
	case "OFF", "NORMAL", "FULL", "EXTRA":
		return m
	}
	return "NORMAL"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
