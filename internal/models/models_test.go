package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStringParsing(t *testing.T) {
	assert.True(t, NewDefaultString("default").IsDefault())
	assert.True(t, NewDefaultString("DEFAULT").IsDefault(), "sentinel parse is case-insensitive")
	assert.True(t, NewDefaultString("Default").IsDefault())
	assert.False(t, NewDefaultString("acme").IsDefault())
	assert.Equal(t, "acme", NewDefaultString("acme").String())
	assert.Equal(t, "default", DefaultString{}.String(), "zero value is the sentinel")
}

func TestDefaultStringFromOption(t *testing.T) {
	assert.True(t, DefaultStringFromOption("").IsDefault())
	assert.False(t, DefaultStringFromOption("acme").IsDefault())
	assert.True(t, DefaultStringFromOption("default").IsDefault())
}

func TestDefaultStringJSONRoundTrip(t *testing.T) {
	for _, in := range []string{"default", "acme"} {
		encoded, err := json.Marshal(NewDefaultString(in))
		require.NoError(t, err)

		var out DefaultString
		require.NoError(t, json.Unmarshal(encoded, &out))
		assert.Equal(t, NewDefaultString(in), out)
	}

	encoded, err := json.Marshal(DefaultString{})
	require.NoError(t, err)
	assert.Equal(t, `"default"`, string(encoded))
}

func TestDefaultAuthConfig(t *testing.T) {
	cfg := DefaultAuthConfig()
	assert.False(t, cfg.AllowPasswords)
	assert.True(t, cfg.AllowCertificates)
}

func TestNewTenant(t *testing.T) {
	tenant := NewTenant(NewDefaultString("acme"))
	assert.Equal(t, "acme", tenant.TenantID.String())
	assert.Equal(t, DefaultAuthConfig(), tenant.AuthConfig)
	assert.NotZero(t, tenant.CreatedAt)

	tenant.WithAuthConfig(AuthConfig{AllowPasswords: true})
	assert.True(t, tenant.AuthConfig.AllowPasswords)
	assert.False(t, tenant.AuthConfig.AllowCertificates)
}

func TestDeviceMetadataWithCredentials(t *testing.T) {
	m := NewDeviceMetadata("dev-1", DefaultString{}).WithCredentials("CERT", "KEY")
	assert.Equal(t, "dev-1", m.DeviceID)
	assert.Equal(t, "CERT", m.Certificate)
	assert.Equal(t, "KEY", m.Key)
	assert.NotZero(t, m.CreatedAt)
}
