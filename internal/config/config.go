// Package config loads the server configuration from YAML, applying
// sensible defaults for everything not set.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/forest-iot/forest/internal/broker"
	"github.com/forest-iot/forest/internal/certs"
	"github.com/forest-iot/forest/internal/processor"
	"github.com/forest-iot/forest/internal/store"
)

// Config is the full server configuration.
type Config struct {
	Mqtt      broker.Config        `yaml:"mqtt"`
	Processor processor.Config     `yaml:"processor"`
	Database  store.DatabaseConfig `yaml:"database"`

	BindAPI string `yaml:"bind_api"`
	// TenantID is an advisory single-tenant hint for tooling; the
	// server itself stays multi-tenant.
	TenantID   string   `yaml:"tenant_id"`
	CertDir    string   `yaml:"cert_dir"`
	ServerName string   `yaml:"server_name"`
	HostNames  []string `yaml:"host_names"`
}

// Default returns the development configuration.
func Default() *Config {
	return &Config{
		Mqtt:       broker.DefaultConfig(),
		Processor:  processor.DefaultConfig(),
		Database:   store.DefaultDatabaseConfig(),
		BindAPI:    "127.0.0.1:8807",
		CertDir:    "certs",
		ServerName: "localhost",
		HostNames:  []string{"localhost"},
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDerived()
	return cfg, nil
}

// applyDerived fills the TLS paths from cert_dir when SSL is on but
// the paths were left empty.
func (c *Config) applyDerived() {
	if !c.Mqtt.EnableSSL {
		return
	}
	if c.Mqtt.SSLCAPath == "" {
		c.Mqtt.SSLCAPath = filepath.Join(c.CertDir, "cacerts", certs.CACertFilename)
	}
	if c.Mqtt.SSLCertPath == "" {
		c.Mqtt.SSLCertPath = filepath.Join(c.CertDir, certs.ServerCertFilename)
	}
	if c.Mqtt.SSLKeyPath == "" {
		c.Mqtt.SSLKeyPath = filepath.Join(c.CertDir, certs.ServerKeyFilename)
	}
}
