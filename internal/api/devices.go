package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/forest-iot/forest/internal/certs"
	"github.com/forest-iot/forest/internal/models"
)

// CreateDevice provisions a device: issues a client certificate under
// the tenant's scope and stores the metadata. A device that already
// exists is a conflict.
func CreateDevice(ctx context.Context, deviceID string, tenantID models.TenantID,
	store Store, certManager *certs.Manager) (*models.DeviceMetadata, error) {
	existing, err := store.GetDeviceMetadata(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errDeviceExists{deviceID: deviceID}
	}

	scoped := certManager
	if !tenantID.IsDefault() {
		scoped, err = certManager.ForTenant(tenantID.String())
		if err != nil {
			return nil, err
		}
	}
	certData, err := scoped.CreateClientCert(deviceID)
	if err != nil {
		return nil, err
	}

	metadata := models.NewDeviceMetadata(deviceID, tenantID).
		WithCredentials(certData.Cert, certData.Key)
	if err := store.PutDeviceMetadata(ctx, metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

type errDeviceExists struct{ deviceID string }

func (e errDeviceExists) Error() string {
	return fmt.Sprintf("device %s already exists", e.deviceID)
}

func (s *Server) handleProvisionDevice(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := pathDevice(r)

	metadata, err := CreateDevice(r.Context(), deviceID, tenant, s.store, s.certManager)
	if err != nil {
		if _, ok := err.(errDeviceExists); ok {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Printf("provision device %s/%s: %v", tenant, deviceID, err)
		writeError(w, http.StatusInternalServerError, "failed to provision device")
		return
	}
	writeJSON(w, http.StatusOK, metadata)
}

func (s *Server) handleGetDeviceInfo(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := pathDevice(r)

	metadata, err := s.store.GetDeviceMetadata(r.Context(), tenant, deviceID)
	if err != nil {
		s.logger.Printf("get device %s/%s: %v", tenant, deviceID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if metadata == nil {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("device metadata not found for tenant: %s and device: %s", tenant, deviceID))
		return
	}

	lastUpdate, err := s.store.LastShadowUpdate(r.Context(), tenant, deviceID)
	if err != nil {
		s.logger.Printf("last shadow update %s/%s: %v", tenant, deviceID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	info := models.DeviceInformation{
		DeviceID:         metadata.DeviceID,
		TenantID:         metadata.TenantID,
		Certificate:      metadata.Certificate,
		Connected:        s.connections.Contains(deviceID),
		LastShadowUpdate: lastUpdate,
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetDeviceMetadata(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := pathDevice(r)

	metadata, err := s.store.GetDeviceMetadata(r.Context(), tenant, deviceID)
	if err != nil {
		s.logger.Printf("get device metadata %s/%s: %v", tenant, deviceID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if metadata == nil {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("device metadata not found for tenant: %s and device: %s", tenant, deviceID))
		return
	}
	writeJSON(w, http.StatusOK, metadata)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	devices, err := s.store.ListDevices(r.Context(), tenant)
	if err != nil {
		s.logger.Printf("list devices %s: %v", tenant, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := pathDevice(r)
	if err := s.store.DeleteDeviceMetadata(r.Context(), tenant, deviceID); err != nil {
		s.logger.Printf("delete device %s/%s: %v", tenant, deviceID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.connections.List())
}

type addPasswordBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleAddDevicePassword(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := pathDevice(r)

	var body addPasswordBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if err := s.store.AddDevicePassword(r.Context(), tenant, deviceID,
		body.Username, body.Password, nowUnix()); err != nil {
		s.logger.Printf("add password %s/%s: %v", tenant, deviceID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": body.Username})
}

func (s *Server) handleListDevicePasswords(w http.ResponseWriter, r *http.Request) {
	tenant := pathTenant(r)
	deviceID := pathDevice(r)
	usernames, err := s.store.ListDevicePasswords(r.Context(), tenant, deviceID)
	if err != nil {
		s.logger.Printf("list passwords %s/%s: %v", tenant, deviceID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, usernames)
}
