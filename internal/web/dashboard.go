package web

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/nugget/platecheck/internal/buildinfo"
	"github.com/nugget/platecheck/internal/connwatch"
	"github.com/nugget/platecheck/internal/engine"
	"github.com/nugget/platecheck/internal/usage"
)

// DashboardData is the template context for the overview page.
type DashboardData struct {
	Version  string
	Model    string
	Uptime   time.Duration
	Stats    engine.Stats
	Services []connwatch.Status
	Usage    *usage.Summary
}

// handleDashboard renders the overview page at "/".
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := DashboardData{
		Version: buildinfo.Version,
		Model:   s.model,
		Uptime:  buildinfo.Uptime(),
		Stats:   s.engine.Stats(),
	}

	if s.health != nil {
		for _, st := range s.health.Status() {
			data.Services = append(data.Services, st)
		}
		sort.Slice(data.Services, func(i, j int) bool { return data.Services[i].Name < data.Services[j].Name })
	}

	if s.usage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		end := time.Now()
		sum, err := s.usage.Summary(ctx, end.Add(-24*time.Hour), end)
		if err != nil {
			s.logger.Warn("dashboard usage summary failed", "error", err)
		} else {
			data.Usage = sum
		}
	}

	s.render(w, r, "dashboard.html", data)
}
