package timeseries

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddPointKeepsOrder(t *testing.T) {
	ts := New()
	ts.AddPoint(30, Float(3))
	ts.AddPoint(10, Float(1))
	ts.AddPoint(20, Float(2))

	require.Equal(t, 3, ts.Len())
	points := ts.Points()
	assert.Equal(t, uint64(10), points[0].Timestamp)
	assert.Equal(t, uint64(20), points[1].Timestamp)
	assert.Equal(t, uint64(30), points[2].Timestamp)
}

func TestAddPointReplacesSameTimestamp(t *testing.T) {
	ts := New()
	ts.AddPoint(10, Float(1))
	ts.AddPoint(10, Float(9))

	require.Equal(t, 1, ts.Len())
	assert.Equal(t, Float(9), ts.Points()[0].Value)
}

func TestLatest(t *testing.T) {
	ts := New()
	_, ok := ts.Latest()
	assert.False(t, ok)

	ts.AddPoint(10, Int(1))
	ts.AddPoint(5, Int(0))
	latest, ok := ts.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(10), latest.Timestamp)
	assert.Equal(t, Int(1), latest.Value)
}

func TestToModel(t *testing.T) {
	ts := New()
	ts.AddPoint(10, Float(21.5))
	ts.AddPoint(20, Int(42))
	ts.AddPoint(30, Location(NewLatLong(52.5, 13.4)))

	model := ts.ToModel("dev-1", "temperature")
	assert.Equal(t, "dev-1", model.DeviceID)
	assert.Equal(t, "temperature", model.Metric)
	require.Len(t, model.Data, 3)

	assert.Equal(t, [2]interface{}{uint64(10), 21.5}, model.Data[0])
	assert.Equal(t, [2]interface{}{uint64(20), int64(42)}, model.Data[1])
	assert.Equal(t, [2]interface{}{uint64(30), map[string]interface{}{"lat": 52.5, "long": 13.4}}, model.Data[2])
}

func TestMetricValueStrings(t *testing.T) {
	assert.Equal(t, "21.5", Float(21.5).String())
	assert.Equal(t, "42", Int(42).String())
	assert.Equal(t, "(52.5, 13.4)", Location(NewLatLong(52.5, 13.4)).String())
}
