package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/forest-iot/forest/internal/dataconfig"
	"github.com/forest-iot/forest/internal/models"
)

// The tenant-wide config is stored under the empty device prefix.
const tenantWidePrefix = ""

// StoreTenantDataConfig stores or replaces the tenant-wide extraction
// config.
func (s *Store) StoreTenantDataConfig(ctx context.Context, tenantID models.TenantID, cfg *dataconfig.DataConfig) error {
	return s.storeDataConfig(ctx, tenantID, tenantWidePrefix, cfg)
}

// StoreDeviceDataConfig stores or replaces the config scoped to a
// device-id prefix.
func (s *Store) StoreDeviceDataConfig(ctx context.Context, tenantID models.TenantID, devicePrefix string, cfg *dataconfig.DataConfig) error {
	return s.storeDataConfig(ctx, tenantID, devicePrefix, cfg)
}

func (s *Store) storeDataConfig(ctx context.Context, tenantID models.TenantID, prefix string, cfg *dataconfig.DataConfig) error {
	encoded, err := cfg.ToJSON()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	id := tenantID.String()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM data_configs WHERE tenant_id = $1 AND device_prefix = $2`, id, prefix); err != nil {
		return fmt.Errorf("store: store data config: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO data_configs (tenant_id, device_prefix, config) VALUES ($1, $2, $3)`,
		id, prefix, encoded); err != nil {
		return fmt.Errorf("store: store data config: %w", err)
	}
	return tx.Commit()
}

// DeleteDataConfig removes one config. A nil devicePrefix addresses
// the tenant-wide config. ErrNotFound when nothing was stored there.
func (s *Store) DeleteDataConfig(ctx context.Context, tenantID models.TenantID, devicePrefix *string) error {
	prefix := tenantWidePrefix
	if devicePrefix != nil {
		prefix = *devicePrefix
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM data_configs WHERE tenant_id = $1 AND device_prefix = $2`,
		tenantID.String(), prefix)
	if err != nil {
		return fmt.Errorf("store: delete data config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete data config: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDataConfigs returns every stored config for a tenant.
func (s *Store) ListDataConfigs(ctx context.Context, tenantID models.TenantID) ([]dataconfig.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_prefix, config FROM data_configs WHERE tenant_id = $1`, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("store: list data configs: %w", err)
	}
	defer rows.Close()

	entries := []dataconfig.Entry{}
	for rows.Next() {
		var prefix, encoded string
		if err := rows.Scan(&prefix, &encoded); err != nil {
			return nil, fmt.Errorf("store: list data configs: %w", err)
		}
		cfg, err := dataconfig.FromJSON(encoded)
		if err != nil {
			return nil, fmt.Errorf("store: list data configs: %w", err)
		}
		entry := dataconfig.Entry{TenantID: tenantID, Metrics: cfg.Metrics}
		if prefix != tenantWidePrefix {
			p := prefix
			entry.DevicePrefix = &p
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetDataConfig resolves the effective extraction config for one
// device: the tenant-wide config is the base, and the single stored
// device-prefix config with the longest prefix of the device id is
// merged over it. Shorter matching prefixes do not contribute.
// Returns nil when nothing applies.
func (s *Store) GetDataConfig(ctx context.Context, tenantID models.TenantID, deviceID string) (*dataconfig.DataConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_prefix, config FROM data_configs WHERE tenant_id = $1`, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("store: get data config: %w", err)
	}
	defer rows.Close()

	type scoped struct {
		prefix string
		cfg    *dataconfig.DataConfig
	}
	var matches []scoped
	for rows.Next() {
		var prefix, encoded string
		if err := rows.Scan(&prefix, &encoded); err != nil {
			return nil, fmt.Errorf("store: get data config: %w", err)
		}
		if !strings.HasPrefix(deviceID, prefix) {
			continue
		}
		cfg, err := dataconfig.FromJSON(encoded)
		if err != nil {
			return nil, fmt.Errorf("store: get data config: %w", err)
		}
		matches = append(matches, scoped{prefix: prefix, cfg: cfg})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get data config: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	var base, device *dataconfig.DataConfig
	bestLen := -1
	for _, m := range matches {
		if m.prefix == tenantWidePrefix {
			base = m.cfg
			continue
		}
		if len(m.prefix) > bestLen {
			bestLen = len(m.prefix)
			device = m.cfg
		}
	}
	if base == nil {
		return device, nil
	}
	if device == nil {
		return base, nil
	}
	return base.Merge(device), nil
}
