package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/forest-iot/forest/internal/models"
)

// PutDeviceMetadata stores or replaces a device's metadata document.
func (s *Store) PutDeviceMetadata(ctx context.Context, metadata *models.DeviceMetadata) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("store: serialize device metadata: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	id := metadata.TenantID.String()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM device_metadata WHERE tenant_id = $1 AND device_id = $2`,
		id, metadata.DeviceID); err != nil {
		return fmt.Errorf("store: put device metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO device_metadata (tenant_id, device_id, metadata) VALUES ($1, $2, $3)`,
		id, metadata.DeviceID, string(data)); err != nil {
		return fmt.Errorf("store: put device metadata: %w", err)
	}
	return tx.Commit()
}

// GetDeviceMetadata returns the metadata, or nil when absent.
func (s *Store) GetDeviceMetadata(ctx context.Context, tenantID models.TenantID, deviceID string) (*models.DeviceMetadata, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata FROM device_metadata WHERE tenant_id = $1 AND device_id = $2`,
		tenantID.String(), deviceID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get device metadata: %w", err)
	}
	var metadata models.DeviceMetadata
	if err := json.Unmarshal([]byte(data), &metadata); err != nil {
		return nil, fmt.Errorf("store: deserialize device metadata: %w", err)
	}
	return &metadata, nil
}

// ListDevices returns all device metadata rows for a tenant.
func (s *Store) ListDevices(ctx context.Context, tenantID models.TenantID) ([]*models.DeviceMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metadata FROM device_metadata WHERE tenant_id = $1`, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	devices := []*models.DeviceMetadata{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: list devices: %w", err)
		}
		var metadata models.DeviceMetadata
		if err := json.Unmarshal([]byte(data), &metadata); err != nil {
			return nil, fmt.Errorf("store: deserialize device metadata: %w", err)
		}
		devices = append(devices, &metadata)
	}
	return devices, rows.Err()
}

// DeleteDeviceMetadata removes a device's metadata. Deleting an
// absent device is not an error.
func (s *Store) DeleteDeviceMetadata(ctx context.Context, tenantID models.TenantID, deviceID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM device_metadata WHERE tenant_id = $1 AND device_id = $2`,
		tenantID.String(), deviceID); err != nil {
		return fmt.Errorf("store: delete device metadata: %w", err)
	}
	return nil
}
