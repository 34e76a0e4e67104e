package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/platecheck/internal/buildinfo"
	"github.com/nugget/platecheck/internal/connwatch"
	"github.com/nugget/platecheck/internal/engine"
	"github.com/nugget/platecheck/internal/usage"
)

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status   string                      `json:"status"`
	Version  string                      `json:"version"`
	Uptime   string                      `json:"uptime"`
	Services map[string]connwatch.Status `json:"services,omitempty"`
}

// handleHealth answers 200 when every watched service is reachable and
// 503 otherwise, so load balancers can act on it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := HealthReport{
		Status:  "healthy",
		Version: buildinfo.Version,
		Uptime:  buildinfo.Uptime().String(),
	}
	if s.health != nil {
		rep.Services = s.health.Status()
		if !s.health.Healthy() {
			rep.Status = "degraded"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	writeJSON(w, rep, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

// StatsReport is the body of GET /v1/stats.
type StatsReport struct {
	Engine engine.Stats `json:"engine"`
	Model  string       `json:"model,omitempty"`
	Uptime string       `json:"uptime"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatsReport{
		Engine: s.engine.Stats(),
		Model:  s.model,
		Uptime: buildinfo.Uptime().String(),
	}, s.logger)
}

// UsageReport is the body of GET /v1/usage.
type UsageReport struct {
	Start   time.Time                 `json:"start"`
	End     time.Time                 `json:"end"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
}

// handleUsage summarizes token usage over a window given by the "hours"
// query parameter (default 24).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}

	hours := parseIntParam(r, "hours", 24)
	if hours == 0 {
		hours = 24
	}
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	writeJSON(w, UsageReport{Start: start, End: end, Total: total, ByModel: byModel}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
