package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/export"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.coord.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not running"})
		return
	}

	ready := s.coord.Ready(r.Context())
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":  ready,
		"health": s.coord.HealthMonitor().AggregateHealth("exportgate"),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Stats())
}

func (s *Server) handleStatsReset(w http.ResponseWriter, _ *http.Request) {
	s.coord.ResetStats()
	s.logger.Info("statistics reset via admin")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"targets": s.coord.HealthCheck(),
		"stats":   s.coord.TargetStats(),
	})
}

func (s *Server) handleTargetTest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	res, err := s.coord.TestTarget(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReloadTargets(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ReloadTargets(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("target registry reloaded via admin")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleReloadTemplates(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ReloadTemplates(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("templates reloaded via admin")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// exportRequest is the manual export body: the target to hit plus the alarm
// fields in their wire shape.
type exportRequest struct {
	Target      string  `json:"target" validate:"required"`
	BuildingID  int     `json:"bd" validate:"required,gt=0"`
	PointName   string  `json:"nm" validate:"required"`
	Value       float64 `json:"vl"`
	Time        string  `json:"tm"`
	AlarmFlag   int     `json:"al" validate:"gte=0,lte=1"`
	Status      int     `json:"st"`
	Description string  `json:"des"`
}

func (s *Server) handleManualExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request: " + verrs.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	msg := export.AlarmMessage{
		BuildingID:  req.BuildingID,
		PointName:   req.PointName,
		Value:       req.Value,
		Time:        req.Time,
		AlarmFlag:   req.AlarmFlag,
		Status:      req.Status,
		Description: req.Description,
	}
	results, err := s.coord.HandleManualExport(r.Context(), req.Target, msg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "log service not configured"})
		return
	}

	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxLogLimit)
	}

	logs, err := s.logs.RecentLogs(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []export.ExportLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}

// writeError maps the error taxonomy onto status codes: missing target 404,
// invalid input 400, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrTargetNotFound):
		status = http.StatusNotFound
	case errors.IsInvalid(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("admin request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
