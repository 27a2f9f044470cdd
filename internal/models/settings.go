package models

import "time"

// Field keys for the mutable settings fields. These double as the keys of
// the suppress/guard window tables.
const (
	FieldThreshold  = "threshold"
	FieldVent       = "vent"
	FieldAuto       = "auto"
	FieldAngle      = "angle"
	FieldMaxAngle   = "max_angle"
	FieldGraphRange = "graph_range"
)

// Sensor enable flags (settings table columns and sensors-topic keys).
const (
	SensorDHT11  = "dht11_enabled"
	SensorWater  = "water_enabled"
	SensorHW416B = "hw416b_enabled"
)

// SensorFlagKeys 传感器开关字段列表
var SensorFlagKeys = []string{SensorDHT11, SensorWater, SensorHW416B}

// SourceBridge 桥接端消息来源标记
const SourceBridge = "bridge"

// SourceDashboard 仪表盘端消息来源标记
const SourceDashboard = "dashboard"

var graphRanges = map[string]struct{}{
	"live": {}, "15m": {}, "30m": {}, "1h": {}, "6h": {}, "1d": {},
}

// ValidGraphRange reports whether key is one of the allowed graph ranges.
func ValidGraphRange(key string) bool {
	_, ok := graphRanges[key]
	return ok
}

// CanonicalSettings is the single logical settings record. It is owned by
// the durable store and mutated only by the bridge-side synchronizer;
// everything else holds derived copies.
//
// MaxAngle is read-only from the viewer side: viewers apply it but never
// originate it.
type CanonicalSettings struct {
	Threshold     float64   `json:"threshold"`
	Vent          bool      `json:"vent"`
	Auto          bool      `json:"auto"`
	Angle         float64   `json:"angle"`
	MaxAngle      float64   `json:"max_angle"`
	GraphRange    string    `json:"graph_range,omitempty"`
	DHT11Enabled  *bool     `json:"dht11_enabled,omitempty"`
	WaterEnabled  *bool     `json:"water_enabled,omitempty"`
	HW416BEnabled *bool     `json:"hw416b_enabled,omitempty"`
	UpdatedAt     time.Time `json:"ts"`
	Source        string    `json:"source,omitempty"`
}

// DefaultSettings returns the cold-start defaults used before any store row
// or snapshot has been seen.
func DefaultSettings() CanonicalSettings {
	return CanonicalSettings{
		Threshold:  23,
		MaxAngle:   180,
		GraphRange: "live",
	}
}

// SensorFlag returns the named sensor flag, or nil when unknown/unset.
func (s *CanonicalSettings) SensorFlag(key string) *bool {
	switch key {
	case SensorDHT11:
		return s.DHT11Enabled
	case SensorWater:
		return s.WaterEnabled
	case SensorHW416B:
		return s.HW416BEnabled
	}
	return nil
}

// SetSensorFlag sets the named sensor flag. Unknown keys are ignored.
func (s *CanonicalSettings) SetSensorFlag(key string, v bool) {
	b := v
	switch key {
	case SensorDHT11:
		s.DHT11Enabled = &b
	case SensorWater:
		s.WaterEnabled = &b
	case SensorHW416B:
		s.HW416BEnabled = &b
	}
}

// ReadingPoint is one telemetry sample (readings table row / live buffer
// entry). Nil means the sensor did not report.
type ReadingPoint struct {
	Ts          time.Time
	Temperature *float64
	Humidity    *float64
}
