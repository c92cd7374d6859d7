package handlers

import (
	"net/http"
	"time"

	domain "github.com/tgif-kitchen/api/internal/domain"
	"github.com/tgif-kitchen/api/internal/services"
)

// HealthHandlers answers liveness and readiness probes.
type HealthHandlers struct {
	system  services.SystemService
	clock   func() time.Time
	started time.Time
}

// HealthOption customises HealthHandlers construction.
type HealthOption func(*HealthHandlers)

// WithSystemService attaches the dependency-checking system service used by
// the readiness probe.
func WithSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthClock overrides the clock, for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs probe handlers. Without a system service the
// readiness probe reports liveness only.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.started = h.clock().UTC()
	return h
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    domain.HealthStatusOK,
		"uptime":    now.Sub(h.started).String(),
		"timestamp": now.Format(time.RFC3339),
	})
}

// Readyz reports whether downstream dependencies are reachable.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status": domain.HealthStatusError,
			"error":  "health report unavailable",
		})
		return
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}

	checks := make(map[string]any, len(report.Checks))
	for name, check := range report.Checks {
		entry := map[string]any{
			"status":    check.Status,
			"latencyMs": check.Latency.Milliseconds(),
			"checkedAt": formatTime(check.CheckedAt),
		}
		if check.Detail != "" {
			entry["detail"] = check.Detail
		}
		if check.Error != "" {
			entry["error"] = check.Error
		}
		checks[name] = entry
	}

	payload := map[string]any{
		"status":      report.Status,
		"checks":      checks,
		"generatedAt": formatTime(report.GeneratedAt),
	}
	if report.Version != "" {
		payload["version"] = report.Version
	}
	if report.Environment != "" {
		payload["environment"] = report.Environment
	}
	if report.Uptime > 0 {
		payload["uptime"] = report.Uptime.String()
	}

	writeJSONResponse(w, status, payload)
}
