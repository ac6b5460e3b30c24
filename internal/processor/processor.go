// Package processor classifies inbound MQTT traffic and drives the
// shadow engine, telemetry extraction and time replies.
package processor

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/forest-iot/forest/internal/broker"
	"github.com/forest-iot/forest/internal/dataconfig"
	"github.com/forest-iot/forest/internal/models"
	"github.com/forest-iot/forest/internal/shadow"
	"github.com/forest-iot/forest/internal/timeseries"
)

// Store is the slice of the persistence layer the processor drives.
type Store interface {
	UpsertShadow(ctx context.Context, update *shadow.StateUpdateDocument) (*shadow.Shadow, error)
	GetDataConfig(ctx context.Context, tenantID models.TenantID, deviceID string) (*dataconfig.DataConfig, error)
	PutMetric(ctx context.Context, tenantID models.TenantID, deviceID, metric string, value timeseries.MetricValue) error
}

// Publisher is the outbound half of the broker link.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) error
}

// Config is the processor section of the server configuration.
type Config struct {
	ShadowTopicPrefix string   `yaml:"shadow_topic_prefix" json:"shadow_topic_prefix"`
	TelemetryTopics   []string `yaml:"telemetry_topics" json:"telemetry_topics"`
}

// DefaultConfig returns the conventional topic layout.
func DefaultConfig() Config {
	return Config{
		ShadowTopicPrefix: "things/",
		TelemetryTopics:   []string{"things/+/data"},
	}
}

// Processor dispatches admin-stream messages to concurrent handlers.
type Processor struct {
	cfg    Config
	store  Store
	pub    Publisher
	conns  *ConnectionSet
	logger *log.Logger
}

// New builds a processor.
func New(cfg Config, store Store, pub Publisher) *Processor {
	return &Processor{
		cfg:    cfg,
		store:  store,
		pub:    pub,
		conns:  NewConnectionSet(),
		logger: log.New(log.Writer(), "[PROC] ", log.LstdFlags),
	}
}

// Connections exposes the live connection set to the API.
func (p *Processor) Connections() *ConnectionSet { return p.conns }

// Run subscribes the processor's topics, starts the connection
// monitor and dispatches inbound messages until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, inbound <-chan broker.Message, status <-chan broker.StatusEvent) {
	p.bootstrapSubscriptions()
	go p.monitorConnections(ctx, status)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbound:
			p.dispatch(ctx, msg)
		}
	}
}

func (p *Processor) bootstrapSubscriptions() {
	prefix := p.cfg.ShadowTopicPrefix
	topics := []string{
		prefix + "+/shadow/update",
		prefix + "+/shadow/+/update",
		prefix + "+/time/request",
	}
	topics = append(topics, p.cfg.TelemetryTopics...)
	for _, topic := range topics {
		if err := p.pub.Subscribe(topic); err != nil {
			p.logger.Printf("subscribe %s: %v", topic, err)
		}
	}
}

func (p *Processor) monitorConnections(ctx context.Context, status <-chan broker.StatusEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-status:
			if ev.Connected {
				p.conns.Add(ev.ClientID)
			} else {
				p.conns.Remove(ev.ClientID)
			}
		}
	}
}

// dispatch spawns independent handler tasks per message. Handler
// errors are logged, never fatal.
func (p *Processor) dispatch(ctx context.Context, msg broker.Message) {
	parsed := ParseTopic(msg.Topic, p.cfg.ShadowTopicPrefix, p.cfg.TelemetryTopics)
	switch parsed.Kind {
	case KindShadowUpdate:
		go p.handleShadowUpdate(ctx, parsed, msg.Payload)
		go p.handleTelemetry(ctx, parsed, msg.Payload)
	case KindDataUpdate:
		go p.handleTelemetry(ctx, parsed, msg.Payload)
	case KindTimeRequest:
		go p.handleTimeRequest(ctx, parsed, msg.Payload)
	case KindShadowDelta, KindUnknown:
		// Deltas are our own outbound traffic; everything else is noise.
	}
}

// deltaTopic is where a shadow's delta goes after an update.
func (p *Processor) deltaTopic(t ParsedTopic) string {
	if t.ShadowName.IsDefault() {
		return p.cfg.ShadowTopicPrefix + t.Dev + "/shadow/update/delta"
	}
	return p.cfg.ShadowTopicPrefix + t.Dev + "/shadow/" + t.ShadowName.String() + "/update/delta"
}

func (p *Processor) handleShadowUpdate(ctx context.Context, t ParsedTopic, payload []byte) {
	update, err := shadow.ParseStateUpdate(payload, t.DeviceID, t.ShadowName, t.TenantID)
	if err != nil {
		p.logger.Printf("shadow update for %s: %v", t.DeviceID, err)
		return
	}
	sh, err := p.store.UpsertShadow(ctx, update)
	if err != nil {
		p.logger.Printf("upsert shadow %s/%s: %v", t.TenantID, t.DeviceID, err)
		return
	}
	delta, err := sh.DeltaResponseJSON()
	if err != nil {
		p.logger.Printf("delta for %s: %v", t.DeviceID, err)
		return
	}
	if delta == nil {
		return
	}
	if err := p.pub.Publish(p.deltaTopic(t), delta); err != nil {
		p.logger.Printf("publish delta for %s: %v", t.DeviceID, err)
	}
}

func (p *Processor) handleTelemetry(ctx context.Context, t ParsedTopic, payload []byte) {
	cfg, err := p.store.GetDataConfig(ctx, t.TenantID, t.DeviceID)
	if err != nil {
		p.logger.Printf("data config for %s/%s: %v", t.TenantID, t.DeviceID, err)
		return
	}
	if cfg == nil {
		return
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		p.logger.Printf("telemetry payload from %s: %v", t.DeviceID, err)
		return
	}
	for _, metric := range cfg.ExtractMetrics(doc) {
		if err := p.store.PutMetric(ctx, t.TenantID, t.DeviceID, metric.Name, metric.Value); err != nil {
			p.logger.Printf("put metric %s for %s: %v", metric.Name, t.DeviceID, err)
		}
	}
}

type timeRequest struct {
	DeviceTime *uint64 `json:"device_time"`
}

type timeResponse struct {
	ServerTime uint64  `json:"server_time"`
	DeviceTime *uint64 `json:"device_time,omitempty"`
}

func (p *Processor) handleTimeRequest(ctx context.Context, t ParsedTopic, payload []byte) {
	var req timeRequest
	// An empty or malformed body still gets a response.
	_ = json.Unmarshal(payload, &req)

	resp := timeResponse{
		ServerTime: uint64(time.Now().UnixMilli()),
		DeviceTime: req.DeviceTime,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		p.logger.Printf("time response for %s: %v", t.DeviceID, err)
		return
	}
	topic := p.cfg.ShadowTopicPrefix + t.Dev + "/time/response"
	if err := p.pub.Publish(topic, data); err != nil {
		p.logger.Printf("publish time response for %s: %v", t.DeviceID, err)
	}
}
