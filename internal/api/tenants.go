package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forest-iot/forest/internal/models"
)

func nowUnix() uint64 { return uint64(time.Now().Unix()) }

type createTenantBody struct {
	TenantID   string             `json:"tenant_id"`
	AuthConfig *models.AuthConfig `json:"auth_config,omitempty"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var body createTenantBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	tenantID := models.NewDefaultString(body.TenantID)

	existing, err := s.store.GetTenant(r.Context(), tenantID)
	if err != nil {
		s.logger.Printf("get tenant %s: %v", tenantID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("tenant %s already exists", tenantID))
		return
	}

	tenant := models.NewTenant(tenantID)
	if body.AuthConfig != nil {
		tenant.WithAuthConfig(*body.AuthConfig)
	}
	if err := s.store.PutTenant(r.Context(), tenant); err != nil {
		s.logger.Printf("put tenant %s: %v", tenantID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := pathTenant(r)
	tenant, err := s.store.GetTenant(r.Context(), tenantID)
	if err != nil {
		s.logger.Printf("get tenant %s: %v", tenantID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if tenant == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("tenant %s not found", tenantID))
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

// --- certificate endpoints ---

func (s *Server) handleGetServerCA(w http.ResponseWriter, r *http.Request) {
	pem, err := s.certManager.CACertPEM()
	if err != nil {
		writeError(w, http.StatusNotFound, "server CA not found")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write([]byte(pem))
}

func (s *Server) handleGenerateServerCA(w http.ResponseWriter, r *http.Request) {
	if err := s.certManager.CreateCA(nil); err != nil {
		s.logger.Printf("generate server ca: %v", err)
		writeError(w, http.StatusInternalServerError, "certificate error")
		return
	}
	pem, err := s.certManager.CACertPEM()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "certificate error")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write([]byte(pem))
}

func (s *Server) handleGetTenantCA(w http.ResponseWriter, r *http.Request) {
	tenantID := pathTenant(r)
	scoped, err := s.certManager.ForTenant(tenantID.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pem, err := scoped.CACertPEM()
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("CA not found for tenant %s", tenantID))
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write([]byte(pem))
}

func (s *Server) handleUploadTenantCA(w http.ResponseWriter, r *http.Request) {
	tenantID := pathTenant(r)
	scoped, err := s.certManager.ForTenant(tenantID.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body must be a PEM certificate")
		return
	}
	if err := scoped.SaveCustomCA(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleGenerateTenantCA(w http.ResponseWriter, r *http.Request) {
	tenantID := pathTenant(r)
	scoped, err := s.certManager.ForTenant(tenantID.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := scoped.CreateCA(nil); err != nil {
		s.logger.Printf("generate ca for %s: %v", tenantID, err)
		writeError(w, http.StatusInternalServerError, "certificate error")
		return
	}
	pem, err := scoped.CACertPEM()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "certificate error")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write([]byte(pem))
}

func (s *Server) handleGenerateClientCert(w http.ResponseWriter, r *http.Request) {
	tenantID := pathTenant(r)
	deviceID := pathDevice(r)

	scoped := s.certManager
	if !tenantID.IsDefault() {
		var err error
		scoped, err = s.certManager.ForTenant(tenantID.String())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	certData, err := scoped.CreateClientCert(deviceID)
	if err != nil {
		s.logger.Printf("generate client cert %s/%s: %v", tenantID, deviceID, err)
		writeError(w, http.StatusInternalServerError, "certificate error")
		return
	}
	writeJSON(w, http.StatusOK, certData)
}
