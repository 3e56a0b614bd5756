package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"procodus.dev/green-horizon/internal/engine"
	"procodus.dev/green-horizon/internal/store"
	"procodus.dev/green-horizon/pkg/metrics"
)

const (
	requestTimeout = 5 * time.Second
	// defaultActionsWindow is used by /api/actions when no window is given.
	defaultActionsWindow = 24 * time.Hour
)

type healthResponse struct {
	Status    string     `json:"status"`
	LastCycle *cycleView `json:"last_cycle,omitempty"`
}

type cycleView struct {
	CycleID    string    `json:"cycle_id"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Tariff     string    `json:"tariff,omitempty"`
	ReadingID  int64     `json:"reading_id,omitempty"`
	DecisionID uint64    `json:"decision_id,omitempty"`
}

type decisionView struct {
	ID              uint64   `json:"id"`
	CycleID         string   `json:"cycle_id"`
	Timestamp       string   `json:"timestamp"`
	SoilMoisturePct float64  `json:"soil_moisture_pct"`
	RainForecastMM  *float64 `json:"rain_forecast_mm"`
	MeanTempC       *float64 `json:"mean_temp_c"`
	Tariff          string   `json:"tariff"`
	Action          string   `json:"action"`
	Reason          string   `json:"reason"`
}

type actionsResponse struct {
	Since  time.Time        `json:"since"`
	Counts map[string]int64 `json:"counts"`
}

// Handler returns the ops HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/decisions/latest", s.handleLatestDecision)
	mux.HandleFunc("GET /api/actions", s.handleActions)

	return mux
}

// handleHealth reports 503 while the last cycle failed.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK

	if last := s.LastCycle(); last != nil {
		resp.LastCycle = viewCycle(last)
		if last.Status == engine.StatusFailed {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	s.writeJSON(w, code, resp)
}

func (s *Server) handleLatestDecision(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	d, err := s.decisions.LatestDecision(ctx)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "No decision logged yet", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to fetch latest decision", "error", err)
		http.Error(w, "Failed to fetch decision", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, decisionView{
		ID:              d.ID,
		CycleID:         d.CycleID,
		Timestamp:       d.Timestamp.UTC().Format(time.RFC3339),
		SoilMoisturePct: d.SoilMoisturePct,
		RainForecastMM:  d.RainForecastMM,
		MeanTempC:       d.MeanTempC,
		Tariff:          d.Tariff,
		Action:          d.Action,
		Reason:          d.Reason,
	})
}

// handleActions returns the action distribution over ?window= (a Go
// duration, default 24h).
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	window := defaultActionsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "Invalid window", http.StatusBadRequest)
			return
		}
		window = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	since := time.Now().UTC().Add(-window).Truncate(time.Second)
	counts, err := s.decisions.CountActions(ctx, since)
	if err != nil {
		s.logger.Error("failed to count actions", "error", err)
		http.Error(w, "Failed to count actions", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, actionsResponse{Since: since, Counts: counts})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func viewCycle(res *engine.CycleResult) *cycleView {
	v := &cycleView{
		CycleID:    res.CycleID,
		Status:     string(res.Status),
		Timestamp:  res.Timestamp.UTC(),
		ReadingID:  res.ReadingID,
		DecisionID: res.DecisionID,
	}
	if res.Status != engine.StatusFailed {
		v.Action = string(res.Decision.Action)
		v.Reason = res.Decision.Reason
		v.Tariff = res.Tariff.Tier
	}
	return v
}
