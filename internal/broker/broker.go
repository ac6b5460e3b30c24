// Package broker wraps the embedded gmqtt server: listeners, TLS,
// connect-time authentication, an admin stream of broker traffic, a
// bounded outbound publish link and a connection-status broadcast.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
)

const inboundCapacity = 200

// Message is one forwarded publish from the admin stream, with the id
// of the client that sent it.
type Message struct {
	Topic    string
	Payload  []byte
	ClientID string
}

// certIdentity is the client certificate identity captured at accept
// time, keyed by connection until CONNECT arrives.
type certIdentity struct {
	commonName   string
	organization string
}

// Broker runs the embedded MQTT server plus its adapter tasks. Exit of
// any adapter task before shutdown trips the root cancellation.
type Broker struct {
	cfg     Config
	logger  *log.Logger
	metrics *Metrics
	sender  *Sender
	status  *statusBroadcaster
	inbound chan Message
	plugin  *plugin
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Start validates the config, binds the listeners, installs the auth
// hook against store and launches the broker with its supervised
// tasks. The returned context is cancelled when any adapter task dies
// or the parent context is cancelled.
func Start(parent context.Context, cfg Config, store AuthStore) (*Broker, context.Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	SetAuthStore(store)

	logger := log.New(log.Writer(), "[MQTT] ", log.LstdFlags)
	metrics := NewMetrics()

	tlsCfg, err := serverTLSConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	listeners, err := buildListeners(cfg, tlsCfg)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	b := &Broker{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		sender:  newSender(metrics, logger),
		status:  newStatusBroadcaster(),
		inbound: make(chan Message, inboundCapacity),
		cancel:  cancel,
	}
	b.plugin = &plugin{
		broker:     b,
		identities: make(map[net.Conn]certIdentity),
		filters:    make(map[string]struct{}),
		rx:         make(chan Message, inboundCapacity),
	}

	opts := make([]gmqtt.Options, 0, len(listeners)+2)
	for _, ln := range listeners {
		opts = append(opts, gmqtt.WithTCPListener(ln))
	}
	if ws := buildWsServer(cfg, tlsCfg); ws != nil {
		opts = append(opts, gmqtt.WithWebsocketServer(ws))
	}
	opts = append(opts, gmqtt.WithPlugin(b.plugin))
	server := gmqtt.NewServer(opts...)
	server.Run()
	logger.Printf("broker listening on %s", cfg.BindV3)
	if cfg.BindWS != "" {
		logger.Printf("websocket listener on %s", cfg.BindWS)
	}

	b.supervise(ctx, "inbound-forwarder", b.runInboundForwarder)
	b.supervise(ctx, "outbound-handler", b.runOutboundHandler)
	b.supervise(ctx, "status-pump", b.runStatusPump)
	b.supervise(ctx, "meters", b.runMeters)
	if cfg.EnableHeartbeat {
		b.supervise(ctx, "heartbeat", b.runHeartbeat)
	}

	go func() {
		<-ctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		server.Stop(stopCtx)
	}()

	return b, ctx, nil
}

// Sender returns the outbound publish/subscribe link.
func (b *Broker) Sender() *Sender { return b.sender }

// Inbound returns the bounded admin-stream channel.
func (b *Broker) Inbound() <-chan Message { return b.inbound }

// StatusEvents returns a fresh subscription to the connection-status
// broadcast.
func (b *Broker) StatusEvents() <-chan StatusEvent { return b.status.subscribe() }

// Metrics returns the traffic counters.
func (b *Broker) Metrics() *Metrics { return b.metrics }

// Shutdown trips cancellation and waits for the adapter tasks.
func (b *Broker) Shutdown() {
	b.cancel()
	b.wg.Wait()
}

// supervise runs one adapter task. A task returning before
// cancellation is a fatal condition and trips the root cancel.
func (b *Broker) supervise(ctx context.Context, name string, task func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		task(ctx)
		select {
		case <-ctx.Done():
		default:
			b.logger.Printf("FATAL: broker task %s exited unexpectedly", name)
			b.cancel()
		}
	}()
}

// runInboundForwarder moves matched admin-stream messages from the
// hook-side buffer to the consumer channel.
func (b *Broker) runInboundForwarder(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.plugin.rx:
			select {
			case b.inbound <- msg:
				b.metrics.IncForwarded()
			default:
				b.metrics.IncDropped()
			}
		}
	}
}

// runOutboundHandler drains the sender's command channel into the
// broker's publish service and the subscription filter set.
func (b *Broker) runOutboundHandler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.sender.commands:
			switch cmd.kind {
			case cmdPublish:
				b.plugin.publish(cmd.topic, cmd.payload)
				b.metrics.IncSent()
			case cmdSubscribe:
				b.plugin.addFilter(cmd.topic)
			}
		}
	}
}

// runStatusPump fans hook-side status events out to subscribers.
func (b *Broker) runStatusPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.plugin.statusEvents():
			b.status.publish(ev)
		}
	}
}

// runMeters periodically logs link counters.
func (b *Broker) runMeters(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sender.PrintStatus()
		}
	}
}

// runHeartbeat publishes {"ts":<epoch>} to public/heartbeat every 5s.
func (b *Broker) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, _ := json.Marshal(map[string]int64{"ts": time.Now().Unix()})
			if err := b.sender.Publish("public/heartbeat", payload); err != nil {
				b.logger.Printf("heartbeat publish: %v", err)
			}
		}
	}
}

// serverTLSConfig builds the shared TLS policy for all listeners, or
// nil when TLS is disabled.
func serverTLSConfig(cfg Config) (*tls.Config, error) {
	if !cfg.EnableSSL {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.SSLCertPath, cfg.SSLKeyPath)
	if err != nil {
		return nil, fmt.Errorf("broker: load server certificate: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.SSLCAPath)
	if err != nil {
		return nil, fmt.Errorf("broker: read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("broker: ca %s holds no certificates", cfg.SSLCAPath)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		// Password clients connect without a certificate; cert
		// clients must chain to the CA.
		ClientAuth: tls.VerifyClientCertIfGiven,
	}, nil
}

// buildWsServer builds the MQTT-over-WebSocket transport for bind_ws,
// carrying the same TLS policy as the TCP listeners. Nil when no
// websocket address is configured.
func buildWsServer(cfg Config, tlsCfg *tls.Config) *gmqtt.WsServer {
	if cfg.BindWS == "" {
		return nil
	}
	ws := &gmqtt.WsServer{
		Server: &http.Server{Addr: cfg.BindWS},
		Path:   "/",
	}
	if tlsCfg != nil {
		ws.Server.TLSConfig = tlsCfg.Clone()
		ws.CertFile = cfg.SSLCertPath
		ws.KeyFile = cfg.SSLKeyPath
	}
	return ws
}

func buildListeners(cfg Config, tlsCfg *tls.Config) ([]net.Listener, error) {
	addrs := []string{}
	if cfg.BindV3 != "" {
		addrs = append(addrs, cfg.BindV3)
	}
	if cfg.BindV5 != "" && cfg.BindV5 != cfg.BindV3 {
		addrs = append(addrs, cfg.BindV5)
	}

	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		var ln net.Listener
		var err error
		if tlsCfg != nil {
			ln, err = tls.Listen("tcp", addr, tlsCfg)
		} else {
			ln, err = net.Listen("tcp", addr)
		}
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return nil, fmt.Errorf("broker: listen %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

// plugin hooks the adapter into the gmqtt server.
type plugin struct {
	broker *Broker

	mu         sync.RWMutex
	identities map[net.Conn]certIdentity
	filters    map[string]struct{}
	connCount  int

	service  gmqtt.Server
	statusCh chan StatusEvent
	rx       chan Message
	statusMu sync.Mutex
}

func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

func (p *plugin) Unload() error { return nil }

func (p *plugin) Name() string { return "forest" }

func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnConnectedWrapper:  p.OnConnectedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) statusEvents() chan StatusEvent {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	if p.statusCh == nil {
		p.statusCh = make(chan StatusEvent, 64)
	}
	return p.statusCh
}

func (p *plugin) publish(topic string, payload []byte) {
	if p.service == nil {
		return
	}
	p.service.PublishService().Publish(gmqtt.NewMessage(topic, payload, packets.QOS_1))
}

func (p *plugin) addFilter(topic string) {
	p.mu.Lock()
	p.filters[topic] = struct{}{}
	p.mu.Unlock()
}

func (p *plugin) matchesFilter(topic string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for f := range p.filters {
		if MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

// OnAcceptWrapper enforces the connection ceiling and captures the
// client certificate identity for the CONNECT hook.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		p.mu.Lock()
		if p.broker.cfg.MaxConnections > 0 && p.connCount >= p.broker.cfg.MaxConnections {
			p.mu.Unlock()
			p.broker.logger.Printf("connection ceiling %d reached, refusing %s",
				p.broker.cfg.MaxConnections, conn.RemoteAddr())
			return false
		}
		p.connCount++
		// Websocket clients skip this hook; the entry marks the conn
		// as counted so release only decrements accepted conns.
		p.identities[conn] = certIdentity{}
		p.mu.Unlock()

		if tlsConn, ok := conn.(*tls.Conn); ok {
			if err := tlsConn.Handshake(); err != nil {
				p.broker.logger.Printf("tls handshake with %s: %v", conn.RemoteAddr(), err)
				p.release(conn)
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.PeerCertificates) > 0 {
				cert := state.PeerCertificates[0]
				identity := certIdentity{commonName: cert.Subject.CommonName}
				if len(cert.Subject.Organization) > 0 {
					identity.organization = cert.Subject.Organization[0]
				}
				p.mu.Lock()
				p.identities[conn] = identity
				p.mu.Unlock()
			}
		}
		return accept(ctx, conn)
	}
}

func (p *plugin) release(conn net.Conn) {
	p.mu.Lock()
	if _, ok := p.identities[conn]; ok {
		delete(p.identities, conn)
		if p.connCount > 0 {
			p.connCount--
		}
	}
	p.mu.Unlock()
}

func (p *plugin) identity(conn net.Conn) certIdentity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identities[conn]
}

// OnConnectWrapper authenticates the CONNECT packet.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		opts := client.OptionsReader()
		identity := p.identity(client.Connection())
		result, ok := Authenticate(ctx, opts.ClientID(), opts.Username(), opts.Password(),
			identity.commonName, identity.organization, p.broker.logger)
		if !ok {
			return packets.CodeNotAuthorized
		}
		p.broker.logger.Printf("client %s connected (tenant %s)", result.ClientID, result.Tenant)
		return connect(ctx, client)
	}
}

// OnConnectedWrapper broadcasts the connect event.
func (p *plugin) OnConnectedWrapper(connected gmqtt.OnConnected) gmqtt.OnConnected {
	return func(ctx context.Context, client gmqtt.Client) {
		p.broker.metrics.ConnectedClients.Inc()
		select {
		case p.statusEvents() <- StatusEvent{ClientID: client.OptionsReader().ClientID(), Connected: true}:
		default:
		}
		connected(ctx, client)
	}
}

// OnCloseWrapper broadcasts the disconnect and frees the slot.
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.broker.metrics.ConnectedClients.Dec()
		p.release(client.Connection())
		select {
		case p.statusEvents() <- StatusEvent{ClientID: client.OptionsReader().ClientID(), Connected: false}:
		default:
		}
		closed(ctx, client, err)
	}
}

// OnMsgArrivedWrapper is the admin stream: every publish the broker
// sees is offered to the inbound buffer when it matches a registered
// filter. A full buffer drops the message and counts it.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		topic := msg.Topic()
		if p.matchesFilter(topic) {
			payload := make([]byte, len(msg.Payload()))
			copy(payload, msg.Payload())
			forwarded := Message{
				Topic:    topic,
				Payload:  payload,
				ClientID: client.OptionsReader().ClientID(),
			}
			select {
			case p.rx <- forwarded:
			default:
				p.broker.metrics.IncDropped()
			}
		}
		return arrived(ctx, client, msg)
	}
}
