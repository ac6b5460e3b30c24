package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/forest-iot/forest/internal/models"
)

// PutTenant stores or replaces a tenant document.
func (s *Store) PutTenant(ctx context.Context, tenant *models.Tenant) error {
	data, err := json.Marshal(tenant)
	if err != nil {
		return fmt.Errorf("store: serialize tenant: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	id := tenant.TenantID.String()
	if _, err := tx.ExecContext(ctx, `DELETE FROM tenants WHERE tenant_id = $1`, id); err != nil {
		return fmt.Errorf("store: put tenant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tenants (tenant_id, data) VALUES ($1, $2)`, id, string(data)); err != nil {
		return fmt.Errorf("store: put tenant: %w", err)
	}
	return tx.Commit()
}

// GetTenant returns the tenant, or nil when it does not exist.
func (s *Store) GetTenant(ctx context.Context, tenantID models.TenantID) (*models.Tenant, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM tenants WHERE tenant_id = $1`, tenantID.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tenant: %w", err)
	}
	var tenant models.Tenant
	if err := json.Unmarshal([]byte(data), &tenant); err != nil {
		return nil, fmt.Errorf("store: deserialize tenant: %w", err)
	}
	return &tenant, nil
}

// AddDevicePassword upserts a credential keyed by
// (tenant, device, username). The plaintext is bcrypt-hashed here.
func (s *Store) AddDevicePassword(ctx context.Context, tenantID models.TenantID, deviceID, username, password string, createdAt uint64) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("store: hash password: %w", err)
	}
	cred := models.DeviceCredential{
		TenantID:     tenantID,
		DeviceID:     deviceID,
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    createdAt,
	}
	return s.AddDeviceCredential(ctx, &cred)
}

// AddDeviceCredential upserts an already-hashed credential.
func (s *Store) AddDeviceCredential(ctx context.Context, cred *models.DeviceCredential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	id := cred.TenantID.String()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM device_credentials WHERE tenant_id = $1 AND device_id = $2 AND username = $3`,
		id, cred.DeviceID, cred.Username); err != nil {
		return fmt.Errorf("store: add credential: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO device_credentials (tenant_id, device_id, username, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, cred.DeviceID, cred.Username, cred.PasswordHash, int64(cred.CreatedAt)); err != nil {
		return fmt.Errorf("store: add credential: %w", err)
	}
	return tx.Commit()
}

// VerifyDevicePassword compares the plaintext against the stored
// bcrypt hash. A missing row, a mismatch or an unreadable hash all
// yield false without an error.
func (s *Store) VerifyDevicePassword(ctx context.Context, tenantID models.TenantID, deviceID, username, password string) (bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM device_credentials
		 WHERE tenant_id = $1 AND device_id = $2 AND username = $3`,
		tenantID.String(), deviceID, username).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: verify credential: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if err != bcrypt.ErrMismatchedHashAndPassword {
			s.logger.Printf("bcrypt verify error: %v", err)
		}
		return false, nil
	}
	return true, nil
}

// ListDevicePasswords returns the usernames registered for a device.
func (s *Store) ListDevicePasswords(ctx context.Context, tenantID models.TenantID, deviceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username FROM device_credentials WHERE tenant_id = $1 AND device_id = $2`,
		tenantID.String(), deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: list credentials: %w", err)
	}
	defer rows.Close()

	usernames := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("store: list credentials: %w", err)
		}
		usernames = append(usernames, u)
	}
	return usernames, rows.Err()
}
