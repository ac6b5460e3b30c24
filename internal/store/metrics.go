package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forest-iot/forest/internal/models"
	"github.com/forest-iot/forest/internal/timeseries"
)

// PutMetric records a sample stamped with the current wall-clock
// second.
func (s *Store) PutMetric(ctx context.Context, tenantID models.TenantID, deviceID, metric string, value timeseries.MetricValue) error {
	return s.InsertMetricRow(ctx, tenantID, deviceID, metric, uint64(time.Now().Unix()), value)
}

// InsertMetricRow records a sample with an explicit timestamp. The
// value lands in the column matching its type; the others stay NULL.
func (s *Store) InsertMetricRow(ctx context.Context, tenantID models.TenantID, deviceID, metric string, timestamp uint64, value timeseries.MetricValue) error {
	var vFloat, vLat, vLong sql.NullFloat64
	var vInt sql.NullInt64
	switch v := value.(type) {
	case timeseries.Float:
		vFloat = sql.NullFloat64{Float64: float64(v), Valid: true}
	case timeseries.Int:
		vInt = sql.NullInt64{Int64: int64(v), Valid: true}
	case timeseries.Location:
		vLat = sql.NullFloat64{Float64: v.Latitude, Valid: true}
		vLong = sql.NullFloat64{Float64: v.Longitude, Valid: true}
	default:
		return fmt.Errorf("store: insert metric: unsupported value type %T", value)
	}

	if _, err := s.tsdb.ExecContext(ctx,
		`INSERT INTO timeseries_data
			(timestamp, tenant_id, device_id, metric_name, value_float, value_int, value_lat, value_long)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		int64(timestamp), tenantID.String(), deviceID, metric,
		vFloat, vInt, vLat, vLong); err != nil {
		return fmt.Errorf("store: insert metric: %w", err)
	}
	return nil
}

// GetMetric returns the points with start <= ts <= end in ascending
// order.
func (s *Store) GetMetric(ctx context.Context, tenantID models.TenantID, deviceID, metric string, start, end uint64) (*timeseries.TimeSeries, error) {
	rows, err := s.tsdb.QueryContext(ctx,
		`SELECT timestamp, value_float, value_int, value_lat, value_long
		 FROM timeseries_data
		 WHERE tenant_id = $1 AND device_id = $2 AND metric_name = $3
		   AND timestamp >= $4 AND timestamp <= $5
		 ORDER BY timestamp ASC`,
		tenantID.String(), deviceID, metric, int64(start), int64(end))
	if err != nil {
		return nil, fmt.Errorf("store: get metric: %w", err)
	}
	defer rows.Close()
	return scanSeries(rows)
}

// GetLastMetric returns the most recent limit points, still in
// ascending order.
func (s *Store) GetLastMetric(ctx context.Context, tenantID models.TenantID, deviceID, metric string, limit int) (*timeseries.TimeSeries, error) {
	rows, err := s.tsdb.QueryContext(ctx,
		`SELECT timestamp, value_float, value_int, value_lat, value_long
		 FROM timeseries_data
		 WHERE tenant_id = $1 AND device_id = $2 AND metric_name = $3
		 ORDER BY timestamp DESC LIMIT $4`,
		tenantID.String(), deviceID, metric, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get last metric: %w", err)
	}
	defer rows.Close()
	// AddPoint keeps the series ordered, so the DESC scan comes back
	// ascending.
	return scanSeries(rows)
}

func scanSeries(rows *sql.Rows) (*timeseries.TimeSeries, error) {
	ts := timeseries.New()
	for rows.Next() {
		var (
			timestamp    int64
			vFloat, vLat sql.NullFloat64
			vLong        sql.NullFloat64
			vInt         sql.NullInt64
		)
		if err := rows.Scan(&timestamp, &vFloat, &vInt, &vLat, &vLong); err != nil {
			return nil, fmt.Errorf("store: scan metric: %w", err)
		}
		var value timeseries.MetricValue
		switch {
		case vFloat.Valid:
			value = timeseries.Float(vFloat.Float64)
		case vInt.Valid:
			value = timeseries.Int(vInt.Int64)
		case vLat.Valid && vLong.Valid:
			value = timeseries.Location(timeseries.NewLatLong(vLat.Float64, vLong.Float64))
		default:
			continue
		}
		ts.AddPoint(uint64(timestamp), value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan metric: %w", err)
	}
	return ts, nil
}
