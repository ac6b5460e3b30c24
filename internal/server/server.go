// Package server is the composition root: it wires the store, the
// MQTT broker, the processor and the HTTP API under one root
// cancellation.
package server

import (
	"context"
	"fmt"
	"log"

	"github.com/forest-iot/forest/internal/api"
	"github.com/forest-iot/forest/internal/broker"
	"github.com/forest-iot/forest/internal/certs"
	"github.com/forest-iot/forest/internal/config"
	"github.com/forest-iot/forest/internal/processor"
	"github.com/forest-iot/forest/internal/store"
)

// Run starts every subsystem and blocks until ctx is cancelled or a
// subsystem fails fatally.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.New(log.Writer(), "[FOREST] ", log.LstdFlags)

	certManager, err := certs.NewManager(cfg.CertDir, cfg.TenantID)
	if err != nil {
		return fmt.Errorf("server: certificates: %w", err)
	}
	if err := certManager.Setup(cfg.ServerName, cfg.HostNames); err != nil {
		return fmt.Errorf("server: certificate setup: %w", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("server: store: %w", err)
	}
	defer st.Close()

	b, brokerCtx, err := broker.Start(ctx, cfg.Mqtt, st)
	if err != nil {
		return fmt.Errorf("server: broker: %w", err)
	}
	defer b.Shutdown()

	proc := processor.New(cfg.Processor, st, b.Sender())
	go proc.Run(brokerCtx, b.Inbound(), b.StatusEvents())

	apiServer := api.NewServer(st, b.Sender(), b.Metrics(), proc.Connections(),
		certManager, cfg.Processor.ShadowTopicPrefix)

	logger.Printf("forest %s up: mqtt=%s api=%s", api.Version, cfg.Mqtt.BindV3, cfg.BindAPI)
	return apiServer.Start(brokerCtx, cfg.BindAPI)
}
