package shadow

import (
	"encoding/json"
	"fmt"

	"github.com/forest-iot/forest/internal/models"
)

// nestedStateDocument is the wire form `{"state": {...}}`.
type nestedStateDocument struct {
	State *StateDocument `json:"state"`
}

// ParseStateUpdate decodes an update payload addressed to the given
// identity. Both the nested form `{"state":{"reported":...}}` and the
// flat form `{"reported":...,"desired":...}` are accepted.
func ParseStateUpdate(payload []byte, deviceID string, name models.ShadowName, tenant models.TenantID) (*StateUpdateDocument, error) {
	var nested nestedStateDocument
	if err := json.Unmarshal(payload, &nested); err != nil {
		return nil, fmt.Errorf("shadow: parse update: %w", err)
	}

	var state StateDocument
	if nested.State != nil {
		state = *nested.State
	} else {
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, fmt.Errorf("shadow: parse update: %w", err)
		}
	}

	return &StateUpdateDocument{
		DeviceID:   deviceID,
		ShadowName: name,
		TenantID:   tenant,
		State:      state,
	}, nil
}

// NewStateUpdate wraps an already-decoded state document with identity.
func NewStateUpdate(state StateDocument, deviceID string, name models.ShadowName, tenant models.TenantID) *StateUpdateDocument {
	return &StateUpdateDocument{
		DeviceID:   deviceID,
		ShadowName: name,
		TenantID:   tenant,
		State:      state,
	}
}
