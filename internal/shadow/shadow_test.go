package shadow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest-iot/forest/internal/models"
)

func decode(t *testing.T, raw string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func withFixedClock(t *testing.T, ts uint64) {
	t.Helper()
	prev := timeNow
	timeNow = func() uint64 { return ts }
	t.Cleanup(func() { timeNow = prev })
}

func TestMergeNestedObjects(t *testing.T) {
	withFixedClock(t, 1000)

	sh := New("livingroom", models.ShadowName{}, models.TenantID{})
	first := NewStateUpdate(StateDocument{
		Reported: decode(t, `{
			"device": {
				"name": "livingroom_sensor",
				"readings": {"temperature": 21.5, "humidity": 45, "battery": 98},
				"config": {"sample_rate": 300, "alert_threshold": 30},
				"tags": ["temperature", "humidity"]
			}
		}`),
	}, "livingroom", models.ShadowName{}, models.TenantID{})
	require.NoError(t, sh.Update(first))

	withFixedClock(t, 2000)
	second := NewStateUpdate(StateDocument{
		Reported: decode(t, `{
			"device": {
				"readings": {"temperature": 23.1, "humidity": null, "co2": 800},
				"config": {"sample_rate": 600},
				"tags": ["temperature", "co2"]
			}
		}`),
	}, "livingroom", models.ShadowName{}, models.TenantID{})
	require.NoError(t, sh.Update(second))

	expected := decode(t, `{
		"device": {
			"name": "livingroom_sensor",
			"readings": {"temperature": 23.1, "battery": 98, "co2": 800},
			"config": {"sample_rate": 600, "alert_threshold": 30},
			"tags": ["temperature", "co2"]
		}
	}`)
	assert.Equal(t, expected, sh.State.Reported)
}

func TestMergeMetadataTimestamps(t *testing.T) {
	withFixedClock(t, 1000)
	sh := New("dev", models.ShadowName{}, models.TenantID{})
	require.NoError(t, sh.Update(NewStateUpdate(StateDocument{
		Reported: decode(t, `{"readings": {"temperature": 21.5, "humidity": 45}, "tags": ["a"]}`),
	}, "dev", models.ShadowName{}, models.TenantID{})))

	withFixedClock(t, 2000)
	require.NoError(t, sh.Update(NewStateUpdate(StateDocument{
		Reported: decode(t, `{"readings": {"temperature": 23.1, "humidity": null}, "tags": ["b"]}`),
	}, "dev", models.ShadowName{}, models.TenantID{})))

	meta := sh.Metadata.Reported.(map[string]interface{})
	readings := meta["readings"].(map[string]interface{})

	// Updated leaves carry the second timestamp.
	assert.Equal(t, uint64(2000), readings["temperature"])
	// Deleted leaves disappear from the metadata tree too.
	_, ok := readings["humidity"]
	assert.False(t, ok, "deleted key must leave metadata")
	// Arrays are replaced wholesale with a single timestamp.
	assert.Equal(t, uint64(2000), meta["tags"])
}

func TestUpdateComputesDelta(t *testing.T) {
	sh := New("thermostat-123", models.NewDefaultString("main"), models.NewDefaultString("tenant"))
	update := NewStateUpdate(StateDocument{
		Reported: decode(t, `{"temperature": 22.5, "humidity": 45, "mode": "auto"}`),
		Desired:  decode(t, `{"temperature": 21.0, "mode": "cool"}`),
	}, "thermostat-123", models.NewDefaultString("main"), models.NewDefaultString("tenant"))
	require.NoError(t, sh.Update(update))

	assert.Equal(t, decode(t, `{"temperature": 22.5, "humidity": 45, "mode": "auto"}`), sh.State.Reported)
	assert.Equal(t, decode(t, `{"temperature": 21.0, "mode": "cool"}`), sh.State.Desired)
	assert.Equal(t, decode(t, `{"temperature": 21.0, "mode": "cool"}`), sh.State.Delta)
	assert.Equal(t, uint64(1), sh.Version)

	// Delta always equals Delta(reported, desired) after an update.
	assert.Equal(t, Delta(sh.State.Reported, sh.State.Desired), sh.State.Delta)
}

func TestUpdateClearsDeltaWhenReportedCatchesUp(t *testing.T) {
	sh := New("th1", models.ShadowName{}, models.TenantID{})
	require.NoError(t, sh.Update(NewStateUpdate(StateDocument{
		Reported: decode(t, `{"t": 22.5}`),
		Desired:  decode(t, `{"t": 21.0}`),
	}, "th1", models.ShadowName{}, models.TenantID{})))
	require.NotNil(t, sh.State.Delta)

	require.NoError(t, sh.Update(NewStateUpdate(StateDocument{
		Reported: decode(t, `{"t": 21.0}`),
	}, "th1", models.ShadowName{}, models.TenantID{})))
	assert.Nil(t, sh.State.Delta)
	assert.Equal(t, uint64(2), sh.Version)
}

func TestUpdateRejectsMismatchedIdentity(t *testing.T) {
	sh := New("dev", models.NewDefaultString("main"), models.NewDefaultString("tenant"))

	wrongDevice := NewStateUpdate(StateDocument{}, "other", models.NewDefaultString("main"), models.NewDefaultString("tenant"))
	assert.ErrorIs(t, sh.Update(wrongDevice), ErrDeviceIDMismatch)

	wrongName := NewStateUpdate(StateDocument{}, "dev", models.NewDefaultString("backup"), models.NewDefaultString("tenant"))
	assert.ErrorIs(t, sh.Update(wrongName), ErrShadowNameMismatch)

	wrongTenant := NewStateUpdate(StateDocument{}, "dev", models.NewDefaultString("main"), models.NewDefaultString("acme"))
	assert.ErrorIs(t, sh.Update(wrongTenant), ErrTenantMismatch)

	assert.Equal(t, uint64(0), sh.Version, "failed updates must not bump the version")
}

func TestVersionStrictlyIncreases(t *testing.T) {
	sh := New("dev", models.ShadowName{}, models.TenantID{})
	for i := 1; i <= 5; i++ {
		require.NoError(t, sh.Update(NewStateUpdate(StateDocument{
			Reported: map[string]interface{}{"n": float64(i)},
		}, "dev", models.ShadowName{}, models.TenantID{})))
		assert.Equal(t, uint64(i), sh.Version)
	}
}

func TestDeltaScalarAndNestedDifferences(t *testing.T) {
	reported := decode(t, `{"a": 1, "b": {"x": 1, "y": 2}, "c": "same"}`)
	desired := decode(t, `{"a": 2, "b": {"x": 1, "y": 3}, "c": "same"}`)
	assert.Equal(t, decode(t, `{"a": 2, "b": {"y": 3}}`), Delta(reported, desired))

	assert.Nil(t, Delta(decode(t, `{"a": 1}`), nil), "no desired state means no delta")
	assert.Nil(t, Delta(decode(t, `{"a": 1}`), decode(t, `{"a": 1}`)))
}

func TestDeltaResponseJSON(t *testing.T) {
	withFixedClock(t, 5000)

	sh := New("th1", models.ShadowName{}, models.TenantID{})
	require.NoError(t, sh.Update(NewStateUpdate(StateDocument{
		Reported: decode(t, `{"t": 22.5}`),
		Desired:  decode(t, `{"t": 21.0}`),
	}, "th1", models.ShadowName{}, models.TenantID{})))

	payload, err := sh.DeltaResponseJSON()
	require.NoError(t, err)
	require.NotNil(t, payload)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &resp))
	state := resp["state"].(map[string]interface{})
	assert.Equal(t, 21.0, state["t"])
	assert.Equal(t, float64(1), resp["version"])
	assert.Equal(t, float64(5000), resp["timestamp"])
}

func TestDeltaResponseJSONMetadataLimitedToDelta(t *testing.T) {
	withFixedClock(t, 6000)

	sh := New("th1", models.ShadowName{}, models.TenantID{})
	require.NoError(t, sh.Update(NewStateUpdate(StateDocument{
		Reported: decode(t, `{"power": "on", "hvac": {"fan": "auto"}}`),
		Desired:  decode(t, `{"power": "on", "hvac": {"fan": "auto", "target": 21.5}}`),
	}, "th1", models.ShadowName{}, models.TenantID{})))

	payload, err := sh.DeltaResponseJSON()
	require.NoError(t, err)
	require.NotNil(t, payload)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &resp))
	meta, ok := resp["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.NotContains(t, meta, "power", "reconciled keys carry no metadata")
	hvac, ok := meta["hvac"].(map[string]interface{})
	require.True(t, ok)
	assert.NotContains(t, hvac, "fan")
	assert.Equal(t, float64(6000), hvac["target"])
}

func TestDeltaResponseJSONNilWithoutDelta(t *testing.T) {
	sh := New("th1", models.ShadowName{}, models.TenantID{})
	require.NoError(t, sh.Update(NewStateUpdate(StateDocument{
		Reported: decode(t, `{"t": 1}`),
	}, "th1", models.ShadowName{}, models.TenantID{})))

	payload, err := sh.DeltaResponseJSON()
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestParseStateUpdateNestedAndFlat(t *testing.T) {
	nested := []byte(`{"state": {"reported": {"t": 22.5}, "desired": {"t": 21.0}}}`)
	update, err := ParseStateUpdate(nested, "th1", models.ShadowName{}, models.TenantID{})
	require.NoError(t, err)
	assert.Equal(t, decode(t, `{"t": 22.5}`), update.State.Reported)
	assert.Equal(t, decode(t, `{"t": 21.0}`), update.State.Desired)

	flat := []byte(`{"reported": {"t": 22.5}}`)
	update, err = ParseStateUpdate(flat, "th1", models.ShadowName{}, models.TenantID{})
	require.NoError(t, err)
	assert.Equal(t, decode(t, `{"t": 22.5}`), update.State.Reported)

	_, err = ParseStateUpdate([]byte(`not json`), "th1", models.ShadowName{}, models.TenantID{})
	assert.Error(t, err)
}

func TestShadowJSONRoundTrip(t *testing.T) {
	sh := New("dev", models.NewDefaultString("main"), models.NewDefaultString("acme"))
	require.NoError(t, sh.Update(NewStateUpdate(StateDocument{
		Reported: decode(t, `{"t": 1}`),
	}, "dev", models.NewDefaultString("main"), models.NewDefaultString("acme"))))

	encoded, err := sh.ToJSON()
	require.NoError(t, err)
	restored, err := FromJSON(encoded)
	require.NoError(t, err)
	assert.Equal(t, sh.DeviceID, restored.DeviceID)
	assert.Equal(t, sh.ShadowName, restored.ShadowName)
	assert.Equal(t, sh.TenantID, restored.TenantID)
	assert.Equal(t, sh.Version, restored.Version)
	assert.Equal(t, sh.State.Reported, restored.State.Reported)
}
