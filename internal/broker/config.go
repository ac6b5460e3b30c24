package broker

import "fmt"

// Config is the mqtt section of the server configuration.
type Config struct {
	BindV3          string `yaml:"bind_v3" json:"bind_v3"`
	BindV5          string `yaml:"bind_v5" json:"bind_v5"`
	BindWS          string `yaml:"bind_ws" json:"bind_ws"`
	EnableSSL       bool   `yaml:"enable_ssl" json:"enable_ssl"`
	SSLCAPath       string `yaml:"ssl_ca_path" json:"ssl_ca_path"`
	SSLCertPath     string `yaml:"ssl_cert_path" json:"ssl_cert_path"`
	SSLKeyPath      string `yaml:"ssl_key_path" json:"ssl_key_path"`
	EnableHeartbeat bool   `yaml:"enable_heartbeat" json:"enable_heartbeat"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
}

// DefaultConfig returns the development defaults: plaintext listeners,
// heartbeat on.
func DefaultConfig() Config {
	return Config{
		BindV3:          "0.0.0.0:1883",
		BindV5:          "0.0.0.0:1884",
		EnableHeartbeat: true,
		MaxConnections:  10000,
	}
}

// Validate checks that TLS is fully specified when enabled.
func (c *Config) Validate() error {
	if c.EnableSSL {
		if c.SSLCAPath == "" || c.SSLCertPath == "" || c.SSLKeyPath == "" {
			return fmt.Errorf("broker: enable_ssl requires ssl_ca_path, ssl_cert_path and ssl_key_path")
		}
	}
	return nil
}
