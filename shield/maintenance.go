package shield

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
)

// MaintenanceMode answers 503 to every request while enabled. The server
// enables it when shutdown starts so that load balancers stop routing new
// work while in-flight upstream requests finish.
type MaintenanceMode struct {
	active  atomic.Bool
	message atomic.Value // string
	exclude []string     // path prefixes that still pass (e.g. /health)
	logger  *slog.Logger
}

// NewMaintenanceMode returns a disabled MaintenanceMode. Paths matching
// excludePrefixes are never blocked.
func NewMaintenanceMode(logger *slog.Logger, excludePrefixes ...string) *MaintenanceMode {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MaintenanceMode{exclude: excludePrefixes, logger: logger}
	m.message.Store("service unavailable")
	return m
}

// Enable starts rejecting requests with msg.
func (m *MaintenanceMode) Enable(msg string) {
	if msg != "" {
		m.message.Store(msg)
	}
	if !m.active.Swap(true) {
		m.logger.Warn("maintenance: enabled", "message", m.Message())
	}
}

// Disable lets requests through again.
func (m *MaintenanceMode) Disable() {
	if m.active.Swap(false) {
		m.logger.Info("maintenance: disabled")
	}
}

// Active reports whether requests are being rejected.
func (m *MaintenanceMode) Active() bool { return m.active.Load() }

// Message returns the current rejection message.
func (m *MaintenanceMode) Message() string {
	s, _ := m.message.Load().(string)
	return s
}

// Middleware rejects requests with 503 while active.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.active.Load() {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Retry-After", "30")
		WriteError(w, http.StatusServiceUnavailable, m.Message())
	})
}
