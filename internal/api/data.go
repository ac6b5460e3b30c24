package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

func (s *Server) handleGetTimeseries(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := pathDevice(r)
	metric := mux.Vars(r)["metric"]

	start, err := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be a unix timestamp")
		return
	}
	end, err := strconv.ParseUint(r.URL.Query().Get("end"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be a unix timestamp")
		return
	}

	ts, err := s.store.GetMetric(r.Context(), tenant, deviceID, metric, start, end)
	if err != nil {
		s.logger.Printf("get metric %s/%s/%s: %v", tenant, deviceID, metric, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, ts.ToModel(deviceID, metric))
}

func (s *Server) handleGetLastTimeseries(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := pathDevice(r)
	metric := mux.Vars(r)["metric"]

	limit := 1
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ts, err := s.store.GetLastMetric(r.Context(), tenant, deviceID, metric, limit)
	if err != nil {
		s.logger.Printf("get last metric %s/%s/%s: %v", tenant, deviceID, metric, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, ts.ToModel(deviceID, metric))
}

// handlePostTelemetry injects a telemetry payload through the same
// extraction pipeline a device publish would take.
func (s *Server) handlePostTelemetry(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := pathDevice(r)

	var doc interface{}
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg, err := s.store.GetDataConfig(r.Context(), tenant, deviceID)
	if err != nil {
		s.logger.Printf("data config %s/%s: %v", tenant, deviceID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, "no data config for device")
		return
	}

	stored := 0
	for _, metric := range cfg.ExtractMetrics(doc) {
		if err := s.store.PutMetric(r.Context(), tenant, deviceID, metric.Name, metric.Value); err != nil {
			s.logger.Printf("put metric %s for %s: %v", metric.Name, deviceID, err)
			writeError(w, http.StatusInternalServerError, "database error")
			return
		}
		stored++
	}
	writeJSON(w, http.StatusOK, map[string]int{"metrics_stored": stored})
}
