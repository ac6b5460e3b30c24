package broker

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/forest-iot/forest/internal/models"
)

// AuthStore is the slice of the persistence layer the CONNECT hook
// needs.
type AuthStore interface {
	GetTenant(ctx context.Context, tenantID models.TenantID) (*models.Tenant, error)
	VerifyDevicePassword(ctx context.Context, tenantID models.TenantID, deviceID, username, password string) (bool, error)
}

type authState struct {
	store AuthStore
}

// The broker's hook chain reads this process-wide handle; it is set
// exactly once at broker start and lock-free afterwards.
var globalAuth atomic.Pointer[authState]

// SetAuthStore installs the store used by connection authentication.
// The first call wins.
func SetAuthStore(store AuthStore) {
	globalAuth.CompareAndSwap(nil, &authState{store: store})
}

// AuthResult is the accepted identity of a connection.
type AuthResult struct {
	ClientID string
	Tenant   models.TenantID
}

// Authenticate decides a CONNECT attempt. Tenant comes from the
// certificate Organization when present, otherwise the default tenant.
// A certificate authenticates iff certificates are allowed for the
// tenant and its CommonName equals the client id; a username/password
// pair authenticates iff passwords are allowed and the bcrypt hash
// matches. A connection presenting neither is rejected.
func Authenticate(ctx context.Context, clientID, username, password, certCN, certOrg string, logger *log.Logger) (*AuthResult, bool) {
	state := globalAuth.Load()
	if state == nil {
		logger.Printf("auth: store not initialized, rejecting %q", clientID)
		return nil, false
	}
	return authenticate(ctx, state.store, clientID, username, password, certCN, certOrg, logger)
}

func authenticate(ctx context.Context, store AuthStore, clientID, username, password, certCN, certOrg string, logger *log.Logger) (*AuthResult, bool) {
	// An empty Organization resolves to the default tenant.
	tenantID := models.DefaultStringFromOption(certOrg)

	tenant, err := store.GetTenant(ctx, tenantID)
	if err != nil {
		logger.Printf("auth: load tenant %s: %v", tenantID, err)
		return nil, false
	}
	if tenant == nil {
		tenant = models.NewTenant(tenantID)
	}

	switch {
	case certCN != "":
		if !tenant.AuthConfig.AllowCertificates {
			logger.Printf("auth: tenant %s forbids certificates, rejecting %q", tenantID, clientID)
			return nil, false
		}
		if certCN != clientID {
			logger.Printf("auth: certificate CN %q does not match client id %q", certCN, clientID)
			return nil, false
		}
		return &AuthResult{ClientID: clientID, Tenant: tenantID}, true
	case username != "":
		if !tenant.AuthConfig.AllowPasswords {
			logger.Printf("auth: tenant %s forbids passwords, rejecting %q", tenantID, clientID)
			return nil, false
		}
		ok, err := store.VerifyDevicePassword(ctx, tenantID, clientID, username, password)
		if err != nil {
			logger.Printf("auth: verify password for %q: %v", clientID, err)
			return nil, false
		}
		if !ok {
			logger.Printf("auth: bad credentials for %q", clientID)
			return nil, false
		}
		return &AuthResult{ClientID: clientID, Tenant: tenantID}, true
	default:
		logger.Printf("auth: %q presented no certificate and no username", clientID)
		return nil, false
	}
}
