package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/forest-iot/forest/internal/models"
	"github.com/forest-iot/forest/internal/shadow"
)

func shadowKey(tenantID models.TenantID, deviceID string, name models.ShadowName) string {
	return tenantID.String() + "|" + deviceID + "|" + name.String()
}

// GetShadow returns the stored shadow or ErrNotFound.
func (s *Store) GetShadow(ctx context.Context, tenantID models.TenantID, deviceID string, name models.ShadowName) (*shadow.Shadow, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM shadows WHERE tenant_id = $1 AND device_id = $2 AND shadow_name = $3`,
		tenantID.String(), deviceID, name.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get shadow: %w", err)
	}
	sh, err := shadow.FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("store: get shadow: %w", err)
	}
	return sh, nil
}

// UpsertShadow applies one state update to the stored shadow, creating
// an empty one first when none exists, and returns the updated shadow.
// Updates to the same (tenant, device, shadow name) serialize on an
// in-process lock so read-modify-write cycles never interleave.
func (s *Store) UpsertShadow(ctx context.Context, update *shadow.StateUpdateDocument) (*shadow.Shadow, error) {
	mu := s.locks.lock(shadowKey(update.TenantID, update.DeviceID, update.ShadowName))
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	tenant := update.TenantID.String()
	name := update.ShadowName.String()

	var data string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM shadows WHERE tenant_id = $1 AND device_id = $2 AND shadow_name = $3`,
		tenant, update.DeviceID, name).Scan(&data)

	var sh *shadow.Shadow
	switch {
	case err == sql.ErrNoRows:
		sh = shadow.New(update.DeviceID, update.ShadowName, update.TenantID)
	case err != nil:
		return nil, fmt.Errorf("store: upsert shadow: %w", err)
	default:
		sh, err = shadow.FromJSON(data)
		if err != nil {
			return nil, fmt.Errorf("store: upsert shadow: %w", err)
		}
	}

	if err := sh.Update(update); err != nil {
		return nil, err
	}

	encoded, err := sh.ToJSON()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM shadows WHERE tenant_id = $1 AND device_id = $2 AND shadow_name = $3`,
		tenant, update.DeviceID, name); err != nil {
		return nil, fmt.Errorf("store: upsert shadow: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO shadows (tenant_id, device_id, shadow_name, data) VALUES ($1, $2, $3, $4)`,
		tenant, update.DeviceID, name, encoded); err != nil {
		return nil, fmt.Errorf("store: upsert shadow: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: upsert shadow: %w", err)
	}
	return sh, nil
}

// DeleteShadow removes a shadow, returning ErrNotFound when it did not
// exist.
func (s *Store) DeleteShadow(ctx context.Context, tenantID models.TenantID, deviceID string, name models.ShadowName) error {
	mu := s.locks.lock(shadowKey(tenantID, deviceID, name))
	defer mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM shadows WHERE tenant_id = $1 AND device_id = $2 AND shadow_name = $3`,
		tenantID.String(), deviceID, name.String())
	if err != nil {
		return fmt.Errorf("store: delete shadow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete shadow: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LastShadowUpdate returns the most recent LastUpdated across all of a
// device's shadows, or nil when it has none.
func (s *Store) LastShadowUpdate(ctx context.Context, tenantID models.TenantID, deviceID string) (*uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM shadows WHERE tenant_id = $1 AND device_id = $2`,
		tenantID.String(), deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: last shadow update: %w", err)
	}
	defer rows.Close()

	var latest *uint64
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: last shadow update: %w", err)
		}
		sh, err := shadow.FromJSON(data)
		if err != nil {
			return nil, fmt.Errorf("store: last shadow update: %w", err)
		}
		ts := sh.LastUpdatedUnix()
		if latest == nil || ts > *latest {
			latest = &ts
		}
	}
	return latest, rows.Err()
}
