// Package models holds the tenant-scoped entity types shared by the
// store, the broker and the processor.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultString is a name that is either the "default" sentinel or a
// custom value. The zero value is the sentinel. Parsing is
// case-insensitive on "default"; everything else is kept verbatim.
type DefaultString struct {
	name string
}

// NewDefaultString parses s into a DefaultString.
func NewDefaultString(s string) DefaultString {
	if strings.EqualFold(s, "default") {
		return DefaultString{}
	}
	return DefaultString{name: s}
}

// DefaultStringFromOption returns the sentinel when s is empty.
func DefaultStringFromOption(s string) DefaultString {
	if s == "" {
		return DefaultString{}
	}
	return NewDefaultString(s)
}

// IsDefault reports whether this is the sentinel value.
func (d DefaultString) IsDefault() bool { return d.name == "" }

func (d DefaultString) String() string {
	if d.name == "" {
		return "default"
	}
	return d.name
}

func (d DefaultString) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *DefaultString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*d = NewDefaultString(s)
	return nil
}

// TenantID partitions every stored entity.
type TenantID = DefaultString

// ShadowName distinguishes multiple named shadows per device.
type ShadowName = DefaultString

// AuthConfig gates the authentication modes a tenant permits.
type AuthConfig struct {
	AllowPasswords    bool `json:"allow_passwords"`
	AllowCertificates bool `json:"allow_certificates"`
}

// DefaultAuthConfig is what new tenants get: certificates on,
// passwords off.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		AllowPasswords:    false,
		AllowCertificates: true,
	}
}

// Tenant is a logical partition owning devices, credentials, shadows
// and data configs.
type Tenant struct {
	TenantID   TenantID   `json:"tenant_id"`
	AuthConfig AuthConfig `json:"auth_config"`
	CreatedAt  uint64     `json:"created_at"`
}

// NewTenant creates a tenant with the default auth config.
func NewTenant(id TenantID) *Tenant {
	return &Tenant{
		TenantID:   id,
		AuthConfig: DefaultAuthConfig(),
		CreatedAt:  uint64(time.Now().Unix()),
	}
}

// WithAuthConfig overrides the auth config.
func (t *Tenant) WithAuthConfig(cfg AuthConfig) *Tenant {
	t.AuthConfig = cfg
	return t
}

// DeviceCredential is a username/password pair for a device. Multiple
// credentials per device are allowed.
type DeviceCredential struct {
	TenantID     TenantID `json:"tenant_id"`
	DeviceID     string   `json:"device_id"`
	Username     string   `json:"username"`
	PasswordHash string   `json:"password_hash"`
	CreatedAt    uint64   `json:"created_at"`
}

// DeviceMetadata is the provisioning record of a device, optionally
// carrying its issued certificate and key as PEM.
type DeviceMetadata struct {
	DeviceID    string   `json:"device_id"`
	TenantID    TenantID `json:"tenant_id"`
	Certificate string   `json:"certificate,omitempty"`
	Key         string   `json:"key,omitempty"`
	CreatedAt   uint64   `json:"created_at"`
}

// NewDeviceMetadata creates a bare metadata record stamped now.
func NewDeviceMetadata(deviceID string, tenantID TenantID) *DeviceMetadata {
	return &DeviceMetadata{
		DeviceID:  deviceID,
		TenantID:  tenantID,
		CreatedAt: uint64(time.Now().Unix()),
	}
}

// WithCredentials attaches an issued certificate and key.
func (m *DeviceMetadata) WithCredentials(certificate, key string) *DeviceMetadata {
	m.Certificate = certificate
	m.Key = key
	return m
}

// DeviceInformation is the enriched device view served by the API.
type DeviceInformation struct {
	DeviceID         string   `json:"device_id"`
	TenantID         TenantID `json:"tenant_id"`
	Certificate      string   `json:"certificate,omitempty"`
	Connected        bool     `json:"connected"`
	LastShadowUpdate *uint64  `json:"last_shadow_update,omitempty"`
}
