package certs

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseCertPEM(t *testing.T, pemStr string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(pemStr))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestSetupCreatesCAAndServerCert(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "")
	require.NoError(t, err)

	require.NoError(t, m.Setup("localhost", []string{"localhost", "broker.local"}))

	assert.True(t, m.CAExists())
	assert.FileExists(t, filepath.Join(dir, "cacerts", CACertFilename))
	assert.FileExists(t, filepath.Join(dir, ServerCertFilename))
	assert.FileExists(t, filepath.Join(dir, ServerKeyFilename))

	cert, err := loadCertificate(m.ServerCertPath())
	require.NoError(t, err)
	assert.Equal(t, "localhost", cert.Subject.CommonName)
	assert.ElementsMatch(t, []string{"localhost", "broker.local"}, cert.DNSNames)
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)

	ca, err := loadCertificate(m.CAFilePath())
	require.NoError(t, err)
	assert.True(t, ca.IsCA)
	assert.Equal(t, "Forest CA", ca.Subject.CommonName)
	require.NoError(t, cert.CheckSignatureFrom(ca))
}

func TestSetupReissuesWhenSANsMissing(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "")
	require.NoError(t, err)
	require.NoError(t, m.Setup("localhost", []string{"localhost"}))

	keyBefore, err := os.ReadFile(m.ServerKeyPath())
	require.NoError(t, err)

	valid, err := m.IsServerCertValid("localhost", []string{"localhost", "extra.local"})
	require.NoError(t, err)
	require.False(t, valid)

	require.NoError(t, m.Setup("localhost", []string{"localhost", "extra.local"}))

	valid, err = m.IsServerCertValid("localhost", []string{"localhost", "extra.local"})
	require.NoError(t, err)
	assert.True(t, valid)

	keyAfter, err := os.ReadFile(m.ServerKeyPath())
	require.NoError(t, err)
	assert.Equal(t, keyBefore, keyAfter, "reissue must reuse the existing server key")
}

func TestSetupIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "")
	require.NoError(t, err)
	require.NoError(t, m.Setup("localhost", []string{"localhost"}))

	certBefore, err := os.ReadFile(m.ServerCertPath())
	require.NoError(t, err)

	require.NoError(t, m.Setup("localhost", []string{"localhost"}))
	certAfter, err := os.ReadFile(m.ServerCertPath())
	require.NoError(t, err)
	assert.Equal(t, certBefore, certAfter, "a valid certificate must not be reissued")
}

func TestCreateClientCert(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "")
	require.NoError(t, err)

	data, err := m.CreateClientCert("device-42")
	require.NoError(t, err)
	require.NotNil(t, data)

	cert := parseCertPEM(t, data.Cert)
	assert.Equal(t, "device-42", cert.Subject.CommonName)
	assert.Equal(t, []string{"Forest"}, cert.Subject.Organization)
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)

	keyBlock, _ := pem.Decode([]byte(data.Key))
	require.NotNil(t, keyBlock)
	assert.Equal(t, "PRIVATE KEY", keyBlock.Type)

	assert.FileExists(t, filepath.Join(dir, "device-42-cert.pem"))
	assert.FileExists(t, filepath.Join(dir, "device-42-key.pem"))

	ca, err := loadCertificate(m.CAFilePath())
	require.NoError(t, err)
	require.NoError(t, cert.CheckSignatureFrom(ca))
}

func TestTenantScopedCerts(t *testing.T) {
	dir := t.TempDir()
	base, err := NewManager(dir, "")
	require.NoError(t, err)

	scoped, err := base.ForTenant("acme")
	require.NoError(t, err)

	data, err := scoped.CreateClientCert("dev-1")
	require.NoError(t, err)

	cert := parseCertPEM(t, data.Cert)
	assert.Equal(t, []string{"acme"}, cert.Subject.Organization,
		"tenant certs carry the tenant id as Organization")

	assert.FileExists(t, filepath.Join(dir, "cacerts", "acme_ca.pem"))
	assert.FileExists(t, filepath.Join(dir, "acme", "dev-1-cert.pem"))
}

func TestForTenantRejectsInvalidID(t *testing.T) {
	dir := t.TempDir()
	base, err := NewManager(dir, "")
	require.NoError(t, err)

	for _, bad := range []string{"../escape", "a b", "acme_corp", "tenant/x"} {
		_, err := base.ForTenant(bad)
		assert.ErrorIs(t, err, ErrInvalidTenantID, "tenant id %q", bad)
	}

	_, err = base.ForTenant("valid-tenant-42")
	assert.NoError(t, err)
}

func TestEnsureCAReusesOrphanedKey(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "")
	require.NoError(t, err)
	require.NoError(t, m.EnsureCA())

	keyBefore, err := os.ReadFile(m.CAKeyPath())
	require.NoError(t, err)

	// Drop the certificate but keep the key.
	require.NoError(t, os.Remove(m.CAFilePath()))
	require.NoError(t, m.EnsureCA())

	keyAfter, err := os.ReadFile(m.CAKeyPath())
	require.NoError(t, err)
	assert.Equal(t, keyBefore, keyAfter)
	assert.True(t, m.CAExists())
}

func TestSaveCustomCA(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "")
	require.NoError(t, err)
	require.NoError(t, m.EnsureCA())

	original, err := m.CACertPEM()
	require.NoError(t, err)

	// Generate a second CA elsewhere to act as the custom upload.
	other, err := NewManager(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, other.EnsureCA())
	custom, err := other.CACertPEM()
	require.NoError(t, err)

	require.NoError(t, m.SaveCustomCA([]byte(custom)))
	installed, err := m.CACertPEM()
	require.NoError(t, err)
	assert.Equal(t, custom, installed)
	assert.NotEqual(t, original, installed)

	// The previous CA is kept as a backup.
	assert.FileExists(t, m.CAFilePath()+".bak")

	assert.Error(t, m.SaveCustomCA([]byte("not a certificate")))
}

func TestCACertPEMNotFound(t *testing.T) {
	m, err := NewManager(t.TempDir(), "")
	require.NoError(t, err)

	_, err = m.CACertPEM()
	assert.ErrorIs(t, err, ErrNotFound)
}
