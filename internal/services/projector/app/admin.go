package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/louisbranch/identity.space/internal/platform/telemetry/metrics"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
	"github.com/louisbranch/identity.space/internal/services/projector/tickets"
)

// TierReport is one tier in the /healthz response.
type TierReport struct {
	Tier    string            `json:"tier"`
	State   string            `json:"state"`
	Status  projection.Status `json:"status"`
	Message string            `json:"message,omitempty"`
	Since   time.Time         `json:"since"`
	Mode    string            `json:"mode"`
	// Global is set for global tiers, Streams for per-stream tiers.
	Global  *int64           `json:"global_position,omitempty"`
	Streams map[string]int64 `json:"streams,omitempty"`
}

// HealthReport is the /healthz response body.
type HealthReport struct {
	Healthy bool         `json:"healthy"`
	Tiers   []TierReport `json:"tiers"`
}

func (r *Runtime) adminRouter() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Handle("/metrics", metrics.Handler(r.registry))
	router.Get("/healthz", r.handleHealthz)
	router.Get("/tickets/{correlationID}", r.handleTicket)
	return router
}

// Report builds the health report served on /healthz.
func (r *Runtime) Report() HealthReport {
	statuses := make(map[string]TierReport)
	for _, ts := range r.board.Snapshot() {
		statuses[ts.Tier] = TierReport{Status: ts.Status, Message: ts.Message, Since: ts.Since}
	}
	report := HealthReport{Healthy: r.board.Healthy(), Tiers: make([]TierReport, 0, len(r.engines))}
	for _, engine := range r.engines {
		row := statuses[engine.Tier()]
		row.Tier = engine.Tier()
		row.State = engine.State().String()
		cursor := engine.Cursor()
		row.Mode = cursor.Mode.String()
		if cursor.Mode == projection.ModeGlobal {
			global := cursor.Global
			row.Global = &global
		} else {
			row.Streams = cursor.Streams
		}
		report.Tiers = append(report.Tiers, row)
	}
	return report
}

func (r *Runtime) handleHealthz(w http.ResponseWriter, req *http.Request) {
	report := r.Report()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (r *Runtime) handleTicket(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimSpace(chi.URLParam(req, "correlationID"))
	outcome, err := r.tickets.Get(req.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, outcome)
	case errors.Is(err, tickets.ErrTicketNotFound):
		http.Error(w, "ticket not found", http.StatusNotFound)
	default:
		r.logger.Error("load ticket", "correlation_id", id, "error", err)
		http.Error(w, "ticket store unavailable", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
