package broker

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.EnableSSL = true
	assert.Error(t, cfg.Validate(), "TLS requires all three paths")

	cfg.SSLCAPath = "ca.pem"
	cfg.SSLCertPath = "server.pem"
	assert.Error(t, cfg.Validate())

	cfg.SSLKeyPath = "server-key.pem"
	assert.NoError(t, cfg.Validate())
}

func TestBuildWsServer(t *testing.T) {
	assert.Nil(t, buildWsServer(Config{}, nil), "no websocket server without bind_ws")

	ws := buildWsServer(Config{BindWS: "0.0.0.0:8083"}, nil)
	require.NotNil(t, ws)
	assert.Equal(t, "0.0.0.0:8083", ws.Server.Addr)
	assert.Equal(t, "/", ws.Path)
	assert.Empty(t, ws.CertFile)
	assert.Empty(t, ws.KeyFile)

	tlsCfg := &tls.Config{ClientAuth: tls.VerifyClientCertIfGiven}
	ws = buildWsServer(Config{
		BindWS:      "0.0.0.0:8084",
		EnableSSL:   true,
		SSLCertPath: "server.pem",
		SSLKeyPath:  "server-key.pem",
	}, tlsCfg)
	require.NotNil(t, ws)
	assert.Equal(t, "server.pem", ws.CertFile)
	assert.Equal(t, "server-key.pem", ws.KeyFile)
	require.NotNil(t, ws.Server.TLSConfig)
	assert.Equal(t, tls.VerifyClientCertIfGiven, ws.Server.TLSConfig.ClientAuth,
		"websocket listener carries the same client-cert policy as TCP")
}

func TestReleaseOnlyFreesAcceptedConns(t *testing.T) {
	p := &plugin{identities: make(map[net.Conn]certIdentity)}

	counted, other := net.Pipe()
	defer counted.Close()
	defer other.Close()

	p.connCount = 1
	p.identities[counted] = certIdentity{}

	// Websocket clients never pass the accept hook, so closing one
	// must not shrink the TCP connection count.
	p.release(other)
	assert.Equal(t, 1, p.connCount)

	p.release(counted)
	assert.Equal(t, 0, p.connCount)
	p.release(counted)
	assert.Equal(t, 0, p.connCount, "double release is a no-op")
}
