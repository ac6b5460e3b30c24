// Package certs issues and rotates the X.509 material the platform
// uses: a root CA per scope (base or tenant), a server certificate
// with SAN coverage for the broker/API endpoints, and client
// certificates whose CommonName binds them to a device id.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	CACertFilename     = "ca.pem"
	CAKeyFilename      = "ca-key.pem"
	ServerCertFilename = "server.pem"
	ServerKeyFilename  = "server-key.pem"

	cacertsDir = "cacerts"
)

var (
	ErrInvalidTenantID = errors.New("certs: tenant id must only contain alphanumeric characters and hyphens")
	ErrNotFound        = errors.New("certs: file not found")
)

// CertificateData is an issued certificate and its private key, both
// PEM-encoded.
type CertificateData struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

// Manager issues and stores certificates under a directory. A manager
// with a tenant id keeps that tenant's material in a subdirectory and
// signs with the tenant's own CA; the zero-tenant manager owns the
// server-facing CA.
type Manager struct {
	certDir  string
	tenantID string
}

// NewManager creates a manager rooted at certDir. tenantID may be
// empty for the base scope.
func NewManager(certDir, tenantID string) (*Manager, error) {
	if tenantID != "" && !validTenantID(tenantID) {
		return nil, ErrInvalidTenantID
	}
	m := &Manager{certDir: certDir, tenantID: tenantID}
	if err := m.ensureDirs(); err != nil {
		return nil, err
	}
	return m, nil
}

func validTenantID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

// ForTenant returns a manager for one tenant, sharing the base
// directory.
func (m *Manager) ForTenant(tenantID string) (*Manager, error) {
	return NewManager(m.certDir, tenantID)
}

func (m *Manager) ensureDirs() error {
	dirs := []string{m.certDir, filepath.Join(m.certDir, cacertsDir)}
	if m.tenantID != "" {
		dirs = append(dirs, filepath.Join(m.certDir, m.tenantID))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("certs: create %s: %w", dir, err)
		}
	}
	return nil
}

func (m *Manager) filePath(filename string) string {
	if m.tenantID != "" {
		return filepath.Join(m.certDir, m.tenantID, filename)
	}
	return filepath.Join(m.certDir, filename)
}

// CAFilePath returns where this scope's CA certificate lives.
func (m *Manager) CAFilePath() string {
	if m.tenantID != "" {
		return filepath.Join(m.certDir, cacertsDir, m.tenantID+"_ca.pem")
	}
	return filepath.Join(m.certDir, cacertsDir, CACertFilename)
}

// CAKeyPath returns where this scope's CA key lives.
func (m *Manager) CAKeyPath() string {
	if m.tenantID != "" {
		return filepath.Join(m.certDir, cacertsDir, m.tenantID+"_ca-key.pem")
	}
	return filepath.Join(m.certDir, cacertsDir, CAKeyFilename)
}

// ServerCertPath returns where this scope's server certificate lives.
func (m *Manager) ServerCertPath() string { return m.filePath(ServerCertFilename) }

// ServerKeyPath returns where this scope's server key lives.
func (m *Manager) ServerKeyPath() string { return m.filePath(ServerKeyFilename) }

func (m *Manager) orgName() string {
	if m.tenantID != "" {
		return m.tenantID
	}
	return "Forest"
}

// Setup makes sure the CA exists and the server certificate covers
// serverName plus every host name. An existing server key is reused
// when the certificate has to be reissued.
func (m *Manager) Setup(serverName string, hostNames []string) error {
	if err := m.EnsureCA(); err != nil {
		return err
	}
	valid, err := m.IsServerCertValid(serverName, hostNames)
	if err != nil {
		return err
	}
	if valid {
		return nil
	}

	var serverKey *rsa.PrivateKey
	if _, err := os.Stat(m.ServerKeyPath()); err == nil {
		serverKey, err = loadPrivateKey(m.ServerKeyPath())
		if err != nil {
			return err
		}
	} else {
		serverKey, err = generatePrivateKey()
		if err != nil {
			return err
		}
	}
	return m.createServerCertWithKey(serverName, hostNames, serverKey)
}

// CAExists reports whether both CA files are present.
func (m *Manager) CAExists() bool {
	_, certErr := os.Stat(m.CAFilePath())
	_, keyErr := os.Stat(m.CAKeyPath())
	return certErr == nil && keyErr == nil
}

// EnsureCA creates the CA when missing, reusing an orphaned key file.
func (m *Manager) EnsureCA() error {
	certExists := fileExists(m.CAFilePath())
	keyExists := fileExists(m.CAKeyPath())
	if certExists && keyExists {
		return nil
	}
	if !certExists && keyExists {
		key, err := loadPrivateKey(m.CAKeyPath())
		if err != nil {
			return err
		}
		return m.CreateCA(key)
	}
	return m.CreateCA(nil)
}

// CreateCA generates (or reuses key) and self-signs a 20-year CA
// certificate. An existing CA certificate is backed up first.
func (m *Manager) CreateCA(key *rsa.PrivateKey) error {
	var err error
	if key == nil {
		key, err = generatePrivateKey()
		if err != nil {
			return err
		}
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Forest CA",
			Organization: []string{m.orgName()},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(20 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("certs: create ca: %w", err)
	}

	backupIfExists(m.CAFilePath())
	if _, err := savePrivateKey(key, m.CAKeyPath()); err != nil {
		return err
	}
	if _, err := saveCertificate(certDER, m.CAFilePath()); err != nil {
		return err
	}
	return nil
}

// SaveCustomCA installs an externally provided CA certificate, backing
// up the old one.
func (m *Manager) SaveCustomCA(pemContents []byte) error {
	block, _ := pem.Decode(pemContents)
	if block == nil || block.Type != "CERTIFICATE" {
		return errors.New("certs: custom ca is not a PEM certificate")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return fmt.Errorf("certs: parse custom ca: %w", err)
	}
	backupIfExists(m.CAFilePath())
	if _, err := saveCertificate(block.Bytes, m.CAFilePath()); err != nil {
		return err
	}
	return nil
}

// CACertPEM returns the CA certificate in PEM form.
func (m *Manager) CACertPEM() (string, error) {
	data, err := os.ReadFile(m.CAFilePath())
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, m.CAFilePath())
	}
	if err != nil {
		return "", fmt.Errorf("certs: read ca: %w", err)
	}
	return string(data), nil
}

// CreateClientCert issues a 10-year client certificate with
// CN=clientName and O set to the manager's scope, signed by the
// scope's CA. Both PEM blobs are written to disk and returned.
func (m *Manager) CreateClientCert(clientName string) (*CertificateData, error) {
	if err := m.EnsureCA(); err != nil {
		return nil, err
	}
	caKey, caCert, err := m.loadCA()
	if err != nil {
		return nil, err
	}

	clientKey, err := generatePrivateKey()
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   clientName,
			Organization: []string{m.orgName()},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, caCert, &clientKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("certs: create client cert: %w", err)
	}

	keyPEM, err := savePrivateKey(clientKey, m.filePath(clientName+"-key.pem"))
	if err != nil {
		return nil, err
	}
	certPEM, err := saveCertificate(certDER, m.filePath(clientName+"-cert.pem"))
	if err != nil {
		return nil, err
	}
	return &CertificateData{Cert: certPEM, Key: keyPEM}, nil
}

// IsServerCertValid reports whether the stored server certificate
// matches serverName and covers every required host name.
func (m *Manager) IsServerCertValid(serverName string, hostNames []string) (bool, error) {
	if !fileExists(m.ServerCertPath()) || !fileExists(m.ServerKeyPath()) {
		return false, nil
	}
	cert, err := loadCertificate(m.ServerCertPath())
	if err != nil {
		return false, err
	}
	if cert.Subject.CommonName != serverName {
		return false, nil
	}
	covered := make(map[string]bool, len(cert.DNSNames))
	for _, name := range cert.DNSNames {
		covered[name] = true
	}
	for _, required := range hostNames {
		if !covered[required] {
			return false, nil
		}
	}
	return true, nil
}

// CreateServerCert issues a server certificate for serverName with the
// given host names as SANs. serverName is always included as a SAN.
func (m *Manager) CreateServerCert(serverName string, hostNames []string) error {
	key, err := generatePrivateKey()
	if err != nil {
		return err
	}
	return m.createServerCertWithKey(serverName, hostNames, key)
}

func (m *Manager) createServerCertWithKey(serverName string, hostNames []string, serverKey *rsa.PrivateKey) error {
	caKey, caCert, err := m.loadCA()
	if err != nil {
		return err
	}

	sans := make([]string, 0, len(hostNames)+1)
	seen := map[string]bool{}
	for _, h := range hostNames {
		if !seen[h] {
			sans = append(sans, h)
			seen[h] = true
		}
	}
	if !seen[serverName] {
		sans = append(sans, serverName)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   serverName,
			Organization: []string{m.orgName()},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(5 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("certs: create server cert: %w", err)
	}

	if _, err := savePrivateKey(serverKey, m.ServerKeyPath()); err != nil {
		return err
	}
	if _, err := saveCertificate(certDER, m.ServerCertPath()); err != nil {
		return err
	}
	return nil
}

func (m *Manager) loadCA() (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := loadPrivateKey(m.CAKeyPath())
	if err != nil {
		return nil, nil, err
	}
	cert, err := loadCertificate(m.CAFilePath())
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

func generatePrivateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("certs: generate key: %w", err)
	}
	return key, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 159))
	if err != nil {
		return nil, fmt.Errorf("certs: serial: %w", err)
	}
	return serial, nil
}

func savePrivateKey(key *rsa.PrivateKey, path string) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("certs: encode key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := writeFile(path, pemBytes, 0o600); err != nil {
		return "", err
	}
	return string(pemBytes), nil
}

func saveCertificate(der []byte, path string) (string, error) {
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := writeFile(path, pemBytes, 0o644); err != nil {
		return "", err
	}
	return string(pemBytes), nil
}

func writeFile(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("certs: create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("certs: write %s: %w", path, err)
	}
	return nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("certs: read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("certs: %s is not PEM", path)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("certs: %s is not an RSA key", path)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certs: parse key %s: %w", path, err)
	}
	return key, nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("certs: read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("certs: %s is not PEM", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certs: parse certificate %s: %w", path, err)
	}
	return cert, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func backupIfExists(path string) {
	if fileExists(path) {
		os.Rename(path, path+".bak")
	}
}
