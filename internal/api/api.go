// Package api is the HTTP management surface: shadows, time series,
// data configs, devices, tenants and certificate issuance.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forest-iot/forest/internal/broker"
	"github.com/forest-iot/forest/internal/certs"
	"github.com/forest-iot/forest/internal/dataconfig"
	"github.com/forest-iot/forest/internal/models"
	"github.com/forest-iot/forest/internal/processor"
	"github.com/forest-iot/forest/internal/shadow"
	"github.com/forest-iot/forest/internal/timeseries"
)

// Version is reported by the home endpoint.
const Version = "0.4.0"

// Store is the persistence surface the handlers drive.
type Store interface {
	GetShadow(ctx context.Context, tenantID models.TenantID, deviceID string, name models.ShadowName) (*shadow.Shadow, error)
	UpsertShadow(ctx context.Context, update *shadow.StateUpdateDocument) (*shadow.Shadow, error)
	DeleteShadow(ctx context.Context, tenantID models.TenantID, deviceID string, name models.ShadowName) error
	LastShadowUpdate(ctx context.Context, tenantID models.TenantID, deviceID string) (*uint64, error)

	GetMetric(ctx context.Context, tenantID models.TenantID, deviceID, metric string, start, end uint64) (*timeseries.TimeSeries, error)
	GetLastMetric(ctx context.Context, tenantID models.TenantID, deviceID, metric string, limit int) (*timeseries.TimeSeries, error)
	PutMetric(ctx context.Context, tenantID models.TenantID, deviceID, metric string, value timeseries.MetricValue) error

	GetDataConfig(ctx context.Context, tenantID models.TenantID, deviceID string) (*dataconfig.DataConfig, error)
	StoreTenantDataConfig(ctx context.Context, tenantID models.TenantID, cfg *dataconfig.DataConfig) error
	StoreDeviceDataConfig(ctx context.Context, tenantID models.TenantID, devicePrefix string, cfg *dataconfig.DataConfig) error
	DeleteDataConfig(ctx context.Context, tenantID models.TenantID, devicePrefix *string) error
	ListDataConfigs(ctx context.Context, tenantID models.TenantID) ([]dataconfig.Entry, error)

	GetDeviceMetadata(ctx context.Context, tenantID models.TenantID, deviceID string) (*models.DeviceMetadata, error)
	PutDeviceMetadata(ctx context.Context, metadata *models.DeviceMetadata) error
	ListDevices(ctx context.Context, tenantID models.TenantID) ([]*models.DeviceMetadata, error)
	DeleteDeviceMetadata(ctx context.Context, tenantID models.TenantID, deviceID string) error

	PutTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, tenantID models.TenantID) (*models.Tenant, error)
	AddDevicePassword(ctx context.Context, tenantID models.TenantID, deviceID, username, password string, createdAt uint64) error
	ListDevicePasswords(ctx context.Context, tenantID models.TenantID, deviceID string) ([]string, error)
}

// Connections is the live-connection view maintained by the processor.
type Connections interface {
	Contains(clientID string) bool
	List() []string
}

// Server wires the handlers to their collaborators.
type Server struct {
	store             Store
	sender            processor.Publisher
	metrics           *broker.Metrics
	connections       Connections
	certManager       *certs.Manager
	shadowTopicPrefix string
	logger            *log.Logger
}

// NewServer builds the API server. sender may be nil when the broker
// is not running (send_delta becomes a no-op).
func NewServer(store Store, sender processor.Publisher, metrics *broker.Metrics,
	connections Connections, certManager *certs.Manager, shadowTopicPrefix string) *Server {
	return &Server{
		store:             store,
		sender:            sender,
		metrics:           metrics,
		connections:       connections,
		certManager:       certManager,
		shadowTopicPrefix: shadowTopicPrefix,
		logger:            log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogger)

	r.HandleFunc("/", s.handleHome).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/time", s.handleTime).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/tenants", s.handleCreateTenant).Methods("POST")
	r.HandleFunc("/tenants/{tenant_id}", s.handleGetTenant).Methods("GET")
	r.HandleFunc("/tenants/{tenant_id}/cacert", s.handleGetTenantCA).Methods("GET")
	r.HandleFunc("/tenants/{tenant_id}/cacert", s.handleUploadTenantCA).Methods("POST")
	r.HandleFunc("/tenants/{tenant_id}/cacert/generate", s.handleGenerateTenantCA).Methods("POST")
	r.HandleFunc("/tenants/{tenant_id}/devices/{device_id}/client_cert/generate", s.handleGenerateClientCert).Methods("POST")

	r.HandleFunc("/cacert/server", s.handleGetServerCA).Methods("GET")
	r.HandleFunc("/cacert/server", s.handleGenerateServerCA).Methods("POST")

	r.HandleFunc("/{tenant_id}/things/{device_id}/shadow", s.handleGetShadow).Methods("GET")
	r.HandleFunc("/{tenant_id}/things/{device_id}/shadow", s.handleUpdateShadow).Methods("POST")
	r.HandleFunc("/{tenant_id}/things/{device_id}/shadow", s.handleDeleteShadow).Methods("DELETE")

	r.HandleFunc("/{tenant_id}/data/{device_id}", s.handlePostTelemetry).Methods("POST")
	r.HandleFunc("/{tenant_id}/data/{device_id}/{metric}", s.handleGetTimeseries).Methods("GET")
	r.HandleFunc("/{tenant_id}/data/{device_id}/{metric}/last", s.handleGetLastTimeseries).Methods("GET")

	r.HandleFunc("/{tenant_id}/dataconfig", s.handleStoreTenantConfig).Methods("PUT")
	r.HandleFunc("/{tenant_id}/dataconfig", s.handleGetTenantConfig).Methods("GET")
	r.HandleFunc("/{tenant_id}/dataconfig", s.handleDeleteTenantConfig).Methods("DELETE")
	r.HandleFunc("/{tenant_id}/dataconfig/all", s.handleListConfigs).Methods("GET")
	r.HandleFunc("/{tenant_id}/dataconfig/device/{device_prefix}", s.handleStoreDeviceConfig).Methods("PUT")
	r.HandleFunc("/{tenant_id}/dataconfig/device/{device_prefix}", s.handleGetDeviceConfig).Methods("GET")
	r.HandleFunc("/{tenant_id}/dataconfig/device/{device_prefix}", s.handleDeleteDeviceConfig).Methods("DELETE")

	r.HandleFunc("/{tenant_id}/connected", s.handleListConnections).Methods("GET")
	r.HandleFunc("/{tenant_id}/devices", s.handleListDevices).Methods("GET")
	r.HandleFunc("/{tenant_id}/devices/{device_id}", s.handleGetDeviceInfo).Methods("GET")
	r.HandleFunc("/{tenant_id}/devices/{device_id}", s.handleProvisionDevice).Methods("POST")
	r.HandleFunc("/{tenant_id}/devices/{device_id}", s.handleDeleteDevice).Methods("DELETE")
	r.HandleFunc("/{tenant_id}/devices/{device_id}/metadata", s.handleGetDeviceMetadata).Methods("GET")
	r.HandleFunc("/{tenant_id}/devices/{device_id}/passwords", s.handleListDevicePasswords).Methods("GET")
	r.HandleFunc("/{tenant_id}/devices/{device_id}/passwords", s.handleAddDevicePassword).Methods("POST")

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// --- shared handler plumbing ---

type errorResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}

func pathTenant(r *http.Request) models.TenantID {
	return models.NewDefaultString(mux.Vars(r)["tenant_id"])
}

func pathDevice(r *http.Request) string {
	return mux.Vars(r)["device_id"]
}

func queryShadowName(r *http.Request) models.ShadowName {
	if name := r.URL.Query().Get("name"); name != "" {
		return models.NewDefaultString(name)
	}
	return models.ShadowName{}
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"connected_devices":      len(s.connections.List()),
		"mqtt_messages_received": s.metrics.MessagesForwarded(),
		"mqtt_messages_sent":     s.metrics.MessagesSent(),
		"mqtt_messages_dropped":  s.metrics.MessagesDropped(),
		"forest_version":         Version,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{
		"server_time": uint64(time.Now().UnixMilli()),
	})
}
