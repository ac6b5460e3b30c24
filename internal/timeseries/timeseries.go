// Package timeseries defines the metric value union and the ordered
// point container used between the store and the API.
package timeseries

import "fmt"

// LatLong is a geographic coordinate pair.
type LatLong struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewLatLong builds a coordinate pair.
func NewLatLong(latitude, longitude float64) LatLong {
	return LatLong{Latitude: latitude, Longitude: longitude}
}

// MetricValue is the tagged union Float | Int | Location.
type MetricValue interface {
	fmt.Stringer
	// JSONValue renders the value the way the API exposes it.
	JSONValue() interface{}
}

// Float is a floating-point sample.
type Float float64

// Int is an integer sample.
type Int int64

// Location is a coordinate sample.
type Location LatLong

func (f Float) String() string    { return fmt.Sprintf("%v", float64(f)) }
func (i Int) String() string      { return fmt.Sprintf("%d", int64(i)) }
func (l Location) String() string { return fmt.Sprintf("(%v, %v)", l.Latitude, l.Longitude) }

func (f Float) JSONValue() interface{} { return float64(f) }
func (i Int) JSONValue() interface{}   { return int64(i) }
func (l Location) JSONValue() interface{} {
	return map[string]interface{}{"lat": l.Latitude, "long": l.Longitude}
}

// Point is one timestamped sample.
type Point struct {
	Timestamp uint64
	Value     MetricValue
}

// TimeSeries is a sequence of points ordered by ascending timestamp.
// A point added with an existing timestamp replaces the stored value.
type TimeSeries struct {
	points []Point
}

// New creates an empty series.
func New() *TimeSeries {
	return &TimeSeries{}
}

// AddPoint inserts a sample, keeping the series ordered.
func (ts *TimeSeries) AddPoint(timestamp uint64, value MetricValue) {
	lo, hi := 0, len(ts.points)
	for lo < hi {
		mid := (lo + hi) / 2
		if ts.points[mid].Timestamp < timestamp {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(ts.points) && ts.points[lo].Timestamp == timestamp {
		ts.points[lo].Value = value
		return
	}
	ts.points = append(ts.points, Point{})
	copy(ts.points[lo+1:], ts.points[lo:])
	ts.points[lo] = Point{Timestamp: timestamp, Value: value}
}

// Len returns the number of points.
func (ts *TimeSeries) Len() int { return len(ts.points) }

// Points returns the ordered points.
func (ts *TimeSeries) Points() []Point { return ts.points }

// Latest returns the most recent point, if any.
func (ts *TimeSeries) Latest() (Point, bool) {
	if len(ts.points) == 0 {
		return Point{}, false
	}
	return ts.points[len(ts.points)-1], true
}

// Model is the API representation of a series: each data entry is a
// [timestamp, value] pair.
type Model struct {
	DeviceID string           `json:"device_id"`
	Metric   string           `json:"metric"`
	Data     [][2]interface{} `json:"data"`
}

// ToModel renders the series for the API.
func (ts *TimeSeries) ToModel(deviceID, metric string) Model {
	data := make([][2]interface{}, 0, len(ts.points))
	for _, p := range ts.points {
		data = append(data, [2]interface{}{p.Timestamp, p.Value.JSONValue()})
	}
	return Model{DeviceID: deviceID, Metric: metric, Data: data}
}
