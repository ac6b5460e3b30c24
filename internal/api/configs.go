package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/forest-iot/forest/internal/dataconfig"
	"github.com/forest-iot/forest/internal/store"
)

func (s *Server) handleStoreTenantConfig(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	var cfg dataconfig.DataConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid data config")
		return
	}
	if err := s.store.StoreTenantDataConfig(r.Context(), tenant, &cfg); err != nil {
		s.logger.Printf("store tenant config %s: %v", tenant, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleStoreDeviceConfig(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	prefix := mux.Vars(r)["device_prefix"]
	var cfg dataconfig.DataConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid data config")
		return
	}
	if err := s.store.StoreDeviceDataConfig(r.Context(), tenant, prefix, &cfg); err != nil {
		s.logger.Printf("store device config %s/%s: %v", tenant, prefix, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleGetTenantConfig(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	cfg, err := s.store.GetDataConfig(r.Context(), tenant, "")
	if err != nil {
		s.logger.Printf("get tenant config %s: %v", tenant, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no config found for tenant: %s", tenant))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleGetDeviceConfig resolves the effective config for a device id,
// merging the tenant config with the longest matching prefix config.
func (s *Server) handleGetDeviceConfig(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := mux.Vars(r)["device_prefix"]
	cfg, err := s.store.GetDataConfig(r.Context(), tenant, deviceID)
	if err != nil {
		s.logger.Printf("get config %s/%s: %v", tenant, deviceID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("no config found for tenant: %s and device: %s", tenant, deviceID))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteTenantConfig(w http.ResponseWriter, r *http.Request) {
	s.deleteConfig(w, r, nil)
}

func (s *Server) handleDeleteDeviceConfig(w http.ResponseWriter, r *http.Request) {
	prefix := mux.Vars(r)["device_prefix"]
	s.deleteConfig(w, r, &prefix)
}

func (s *Server) deleteConfig(w http.ResponseWriter, r *http.Request, prefix *string) {
	tenant := pathTenant(r)
	err := s.store.DeleteDataConfig(r.Context(), tenant, prefix)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no config stored")
		return
	}
	if err != nil {
		s.logger.Printf("delete config %s: %v", tenant, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	entries, err := s.store.ListDataConfigs(r.Context(), tenant)
	if err != nil {
		s.logger.Printf("list configs %s: %v", tenant, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
