// Package dataconfig describes how structured telemetry is pulled out
// of device payloads: a list of named JSON-pointer extraction rules,
// stored per tenant and per device-id prefix.
package dataconfig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/forest-iot/forest/internal/models"
	"github.com/forest-iot/forest/internal/timeseries"
)

// DataType selects the conversion applied to a resolved JSON value.
type DataType string

const (
	TypeFloat          DataType = "Float"
	TypeInt            DataType = "Int"
	TypeLocationObject DataType = "LocationObject"
	TypeLocationTuple  DataType = "LocationTuple"
)

// MetricConfig is one extraction rule.
type MetricConfig struct {
	JSONPointer string   `json:"json_pointer"`
	Name        string   `json:"name"`
	DataType    DataType `json:"data_type"`
}

// DataConfig is an ordered list of extraction rules.
type DataConfig struct {
	Metrics []MetricConfig `json:"metrics"`
}

// Entry is a stored config together with its scope, for listings.
// A nil DevicePrefix denotes the tenant-wide config.
type Entry struct {
	TenantID     models.TenantID `json:"tenant_id"`
	DevicePrefix *string         `json:"device_prefix"`
	Metrics      []MetricConfig  `json:"metrics"`
}

// Merge overlays other onto c: any metric in c whose name matches one
// in other is replaced, and other's remaining metrics are appended in
// order. This is how a device-prefix config refines the tenant config.
func (c *DataConfig) Merge(other *DataConfig) *DataConfig {
	merged := make([]MetricConfig, len(c.Metrics))
	copy(merged, c.Metrics)
	for _, om := range other.Metrics {
		replaced := false
		for i := range merged {
			if merged[i].Name == om.Name {
				merged[i] = om
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, om)
		}
	}
	return &DataConfig{Metrics: merged}
}

// ToJSON serializes the config for storage.
func (c *DataConfig) ToJSON() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("dataconfig: encode: %w", err)
	}
	return string(data), nil
}

// FromJSON decodes a stored config.
func FromJSON(data string) (*DataConfig, error) {
	var c DataConfig
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("dataconfig: decode: %w", err)
	}
	return &c, nil
}

// ExtractedMetric is one accepted (name, value) sample.
type ExtractedMetric struct {
	Name  string
	Value timeseries.MetricValue
}

// ExtractMetrics resolves every rule against a decoded JSON document.
// Missing or type-incompatible values are skipped, not errors.
func (c *DataConfig) ExtractMetrics(doc interface{}) []ExtractedMetric {
	var out []ExtractedMetric
	for _, metric := range c.Metrics {
		raw, ok := resolvePointer(doc, metric.JSONPointer)
		if !ok {
			continue
		}
		value, ok := convert(raw, metric.DataType)
		if !ok {
			continue
		}
		out = append(out, ExtractedMetric{Name: metric.Name, Value: value})
	}
	return out
}

func convert(raw interface{}, dt DataType) (timeseries.MetricValue, bool) {
	switch dt {
	case TypeFloat:
		f, ok := asFloat(raw)
		if !ok {
			return nil, false
		}
		return timeseries.Float(f), true
	case TypeInt:
		f, ok := asFloat(raw)
		if !ok {
			return nil, false
		}
		// Non-integral numbers truncate toward zero.
		return timeseries.Int(int64(f)), true
	case TypeLocationObject:
		obj, ok := raw.(map[string]interface{})
		if !ok {
			return nil, false
		}
		lat, latOK := asFloat(obj["lat"])
		long, longOK := asFloat(obj["long"])
		if !latOK || !longOK {
			return nil, false
		}
		return timeseries.Location(timeseries.NewLatLong(lat, long)), true
	case TypeLocationTuple:
		arr, ok := raw.([]interface{})
		if !ok || len(arr) != 2 {
			return nil, false
		}
		lat, latOK := asFloat(arr[0])
		long, longOK := asFloat(arr[1])
		if !latOK || !longOK {
			return nil, false
		}
		return timeseries.Location(timeseries.NewLatLong(lat, long)), true
	}
	return nil, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// resolvePointer walks a decoded JSON document by an RFC 6901 pointer.
func resolvePointer(doc interface{}, pointer string) (interface{}, bool) {
	if pointer == "" {
		return doc, true
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false
	}
	current := doc
	for _, token := range strings.Split(pointer[1:], "/") {
		token = strings.ReplaceAll(token, "~1", "/")
		token = strings.ReplaceAll(token, "~0", "~")
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[token]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(token)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}
