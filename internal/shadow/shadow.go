// Package shadow implements the per-device shadow document: a reported
// and a desired state tree, the computed delta between them, and a
// metadata tree mirroring the state with per-leaf update timestamps.
//
// The engine is pure: it operates on decoded JSON values
// (map[string]interface{} / []interface{} / scalars) and touches no I/O.
package shadow

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/forest-iot/forest/internal/models"
)

var (
	ErrDeviceIDMismatch   = errors.New("shadow: update device id does not match shadow")
	ErrShadowNameMismatch = errors.New("shadow: update shadow name does not match shadow")
	ErrTenantMismatch     = errors.New("shadow: update tenant does not match shadow")
)

// timeNow is overridable in tests.
var timeNow = func() uint64 { return uint64(time.Now().Unix()) }

// StateDocument is the reported/desired/delta triple. Each field is a
// decoded JSON value; nil means absent.
type StateDocument struct {
	Reported interface{} `json:"reported"`
	Desired  interface{} `json:"desired"`
	Delta    interface{} `json:"delta"`
}

// MetadataDocument mirrors the state trees with Unix-second timestamps
// at every leaf.
type MetadataDocument struct {
	Reported interface{} `json:"reported"`
	Desired  interface{} `json:"desired"`
}

// Shadow pairs a device's last-reported state with its operator-desired
// state and the delta the device should reconcile.
type Shadow struct {
	DeviceID    string            `json:"device_id"`
	ShadowName  models.ShadowName `json:"shadow_name"`
	TenantID    models.TenantID   `json:"tenant_id"`
	State       StateDocument     `json:"state"`
	Metadata    MetadataDocument  `json:"metadata"`
	Version     uint64            `json:"version"`
	LastUpdated uint64            `json:"last_updated"`
}

// StateUpdateDocument is one shadow update addressed to a specific
// (tenant, device, shadow name).
type StateUpdateDocument struct {
	DeviceID   string            `json:"device_id"`
	ShadowName models.ShadowName `json:"shadow_name"`
	TenantID   models.TenantID   `json:"tenant_id"`
	State      StateDocument     `json:"state"`
}

// New creates an empty shadow for the given identity.
func New(deviceID string, name models.ShadowName, tenant models.TenantID) *Shadow {
	return &Shadow{
		DeviceID:   deviceID,
		ShadowName: name,
		TenantID:   tenant,
	}
}

// FromJSON decodes a stored shadow document.
func FromJSON(data string) (*Shadow, error) {
	var s Shadow
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("shadow: decode: %w", err)
	}
	return &s, nil
}

// ToJSON serializes the shadow for storage.
func (s *Shadow) ToJSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("shadow: encode: %w", err)
	}
	return string(data), nil
}

// Update applies one state update: merges reported and desired (with
// metadata stamping), recomputes the delta, bumps the version and
// stamps LastUpdated. The update's identity must match the shadow's.
func (s *Shadow) Update(update *StateUpdateDocument) error {
	if update.DeviceID != s.DeviceID {
		return ErrDeviceIDMismatch
	}
	if update.ShadowName != s.ShadowName {
		return ErrShadowNameMismatch
	}
	if update.TenantID != s.TenantID {
		return ErrTenantMismatch
	}

	now := timeNow()
	s.State.Reported, s.Metadata.Reported = merge(s.State.Reported, update.State.Reported, s.Metadata.Reported, now)
	s.State.Desired, s.Metadata.Desired = merge(s.State.Desired, update.State.Desired, s.Metadata.Desired, now)
	s.State.Delta = Delta(s.State.Reported, s.State.Desired)
	s.Version++
	s.LastUpdated = now
	return nil
}

// merge applies patch onto target, maintaining the parallel metadata
// tree. A nil patch is a no-op. Inside an object patch, a nil value
// deletes the key; a nested object recurses; any other value replaces
// the leaf and stamps its metadata with now. Arrays are replaced
// wholesale and carry a single timestamp.
func merge(target, patch, meta interface{}, now uint64) (interface{}, interface{}) {
	if patch == nil {
		return target, meta
	}
	patchObj, ok := patch.(map[string]interface{})
	if !ok {
		// Scalar or array patch replaces the whole subtree.
		return patch, now
	}

	targetObj, ok := target.(map[string]interface{})
	if !ok {
		targetObj = map[string]interface{}{}
	}
	metaObj, ok := meta.(map[string]interface{})
	if !ok {
		metaObj = map[string]interface{}{}
	}

	for k, v := range patchObj {
		switch pv := v.(type) {
		case nil:
			delete(targetObj, k)
			delete(metaObj, k)
		case map[string]interface{}:
			targetObj[k], metaObj[k] = merge(targetObj[k], pv, metaObj[k], now)
		default:
			targetObj[k] = v
			metaObj[k] = now
		}
	}
	return targetObj, metaObj
}

// Delta returns the subset of desired whose values differ from
// reported, or nil when there is no difference (or no desired state).
func Delta(reported, desired interface{}) interface{} {
	if desired == nil {
		return nil
	}
	desiredObj, ok := desired.(map[string]interface{})
	if !ok {
		if jsonEqual(reported, desired) {
			return nil
		}
		return desired
	}

	out := map[string]interface{}{}
	reportedObj, _ := reported.(map[string]interface{})
	for k, dv := range desiredObj {
		var rv interface{}
		if reportedObj != nil {
			rv = reportedObj[k]
		}
		if jsonEqual(rv, dv) {
			continue
		}
		dvObj, dvIsObj := dv.(map[string]interface{})
		rvObj, rvIsObj := rv.(map[string]interface{})
		if dvIsObj && rvIsObj {
			if sub := Delta(rvObj, dvObj); sub != nil {
				out[k] = sub
			}
			continue
		}
		out[k] = dv
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// jsonEqual compares two decoded JSON values.
func jsonEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// DeltaResponse is the envelope published on the delta topic.
type DeltaResponse struct {
	State     interface{} `json:"state"`
	Metadata  interface{} `json:"metadata"`
	Version   uint64      `json:"version"`
	Timestamp uint64      `json:"timestamp"`
}

// metadataSubset restricts a metadata tree to the keys present in the
// delta, recursing through nested objects.
func metadataSubset(meta, delta interface{}) interface{} {
	deltaObj, ok := delta.(map[string]interface{})
	if !ok {
		return meta
	}
	metaObj, ok := meta.(map[string]interface{})
	if !ok {
		return meta
	}
	out := map[string]interface{}{}
	for k, dv := range deltaObj {
		mv, present := metaObj[k]
		if !present {
			continue
		}
		out[k] = metadataSubset(mv, dv)
	}
	return out
}

// DeltaResponseJSON serializes the delta envelope, or returns nil when
// the delta is empty and no publish should happen. The metadata carries
// only the desired-state timestamps of keys present in the delta.
func (s *Shadow) DeltaResponseJSON() ([]byte, error) {
	if s.State.Delta == nil {
		return nil, nil
	}
	if obj, ok := s.State.Delta.(map[string]interface{}); ok && len(obj) == 0 {
		return nil, nil
	}
	resp := DeltaResponse{
		State:     s.State.Delta,
		Metadata:  metadataSubset(s.Metadata.Desired, s.State.Delta),
		Version:   s.Version,
		Timestamp: timeNow(),
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("shadow: encode delta response: %w", err)
	}
	return data, nil
}

// LastUpdatedUnix returns the wall-clock second of the last update.
func (s *Shadow) LastUpdatedUnix() uint64 { return s.LastUpdated }
