package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/forest-iot/forest/internal/processor"
	"github.com/forest-iot/forest/internal/shadow"
	"github.com/forest-iot/forest/internal/store"
)

func (s *Server) handleGetShadow(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := pathDevice(r)
	name := queryShadowName(r)

	sh, err := s.store.GetShadow(r.Context(), tenant, deviceID, name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("shadow (%s) not found for device: %s", name, deviceID))
		return
	}
	if err != nil {
		s.logger.Printf("get shadow %s/%s: %v", tenant, deviceID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (s *Server) handleUpdateShadow(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := pathDevice(r)
	name := queryShadowName(r)

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	update, err := shadow.ParseStateUpdate(body, deviceID, name, tenant)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sh, err := s.store.UpsertShadow(r.Context(), update)
	if err != nil {
		s.logger.Printf("upsert shadow %s/%s: %v", tenant, deviceID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	if r.URL.Query().Has("send_delta") && s.sender != nil {
		if _, err := processor.SendDelta(sh, s.sender, s.shadowTopicPrefix); err != nil {
			s.logger.Printf("send delta for %s: %v", deviceID, err)
		}
	}
	writeJSON(w, http.StatusOK, sh)
}

func (s *Server) handleDeleteShadow(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := pathDevice(r)
	name := queryShadowName(r)

	err := s.store.DeleteShadow(r.Context(), tenant, deviceID, name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("shadow (%s) not found for device: %s", name, deviceID))
		return
	}
	if err != nil {
		s.logger.Printf("delete shadow %s/%s: %v", tenant, deviceID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
