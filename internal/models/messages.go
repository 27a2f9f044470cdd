package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Parsers for the per-topic payloads. Every parser fails closed: a payload
// that does not carry the fields the topic promises is rejected with an
// error and the caller discards the message without touching state.

// WindowMessage is an angle update on the window topic. Final=false marks a
// transient preview that must never be persisted.
type WindowMessage struct {
	Angle   float64
	Final   bool
	Source  string
	Clamped bool
}

// ParseWindow parses a window-topic payload. The legacy "windowAngle" field
// name is accepted alongside "angle"; an absent final flag means transient.
func ParseWindow(payload []byte) (*WindowMessage, error) {
	var raw struct {
		Angle       *float64 `json:"angle"`
		WindowAngle *float64 `json:"windowAngle"`
		Final       *bool    `json:"final"`
		Source      string   `json:"source"`
		Clamped     bool     `json:"clamped"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("invalid window payload: %w", err)
	}
	angle := raw.Angle
	if angle == nil {
		angle = raw.WindowAngle
	}
	if angle == nil {
		return nil, fmt.Errorf("window payload carries no angle")
	}
	msg := &WindowMessage{Angle: *angle, Source: raw.Source, Clamped: raw.Clamped}
	if raw.Final != nil {
		msg.Final = *raw.Final
	}
	return msg, nil
}

// ThresholdMessage is a comfort-threshold update.
type ThresholdMessage struct {
	Threshold float64
	Final     bool
}

// ParseThreshold parses a threshold-topic payload. An absent final flag is
// treated as final: only the debounce-aware controls send final explicitly.
func ParseThreshold(payload []byte) (*ThresholdMessage, error) {
	var raw struct {
		Threshold *float64 `json:"threshold"`
		Final     *bool    `json:"final"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("invalid threshold payload: %w", err)
	}
	if raw.Threshold == nil {
		return nil, fmt.Errorf("threshold payload carries no threshold")
	}
	msg := &ThresholdMessage{Threshold: *raw.Threshold, Final: true}
	if raw.Final != nil {
		msg.Final = *raw.Final
	}
	return msg, nil
}

// ParseVent parses a vent-topic payload.
func ParseVent(payload []byte) (bool, error) {
	var raw struct {
		Vent *bool `json:"vent"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return false, fmt.Errorf("invalid vent payload: %w", err)
	}
	if raw.Vent == nil {
		return false, fmt.Errorf("vent payload carries no vent flag")
	}
	return *raw.Vent, nil
}

// ParseAuto parses an auto-topic payload.
func ParseAuto(payload []byte) (bool, error) {
	var raw struct {
		Auto *bool `json:"auto"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return false, fmt.Errorf("invalid auto payload: %w", err)
	}
	if raw.Auto == nil {
		return false, fmt.Errorf("auto payload carries no auto flag")
	}
	return *raw.Auto, nil
}

// SensorsMessage carries one or more sensor enable flags.
type SensorsMessage struct {
	Flags  map[string]bool
	Source string
}

// ParseSensors extracts the known sensor flags from a sensors-topic payload.
// Unknown keys are ignored; a payload with no known flag is rejected.
func ParseSensors(payload []byte) (*SensorsMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("invalid sensors payload: %w", err)
	}
	msg := &SensorsMessage{Flags: make(map[string]bool)}
	for _, key := range SensorFlagKeys {
		if v, ok := raw[key]; ok {
			var b bool
			if err := json.Unmarshal(v, &b); err != nil {
				return nil, fmt.Errorf("invalid sensors flag %s: %w", key, err)
			}
			msg.Flags[key] = b
		}
	}
	if v, ok := raw["source"]; ok {
		_ = json.Unmarshal(v, &msg.Source)
	}
	if len(msg.Flags) == 0 {
		return nil, fmt.Errorf("sensors payload carries no known flag")
	}
	return msg, nil
}

// ParseGraphRange parses a graphRange-topic payload and validates the enum.
func ParseGraphRange(payload []byte) (string, error) {
	var raw struct {
		Range string `json:"range"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return "", fmt.Errorf("invalid graphRange payload: %w", err)
	}
	if !ValidGraphRange(raw.Range) {
		return "", fmt.Errorf("unknown graph range %q", raw.Range)
	}
	return raw.Range, nil
}

// MaxAngleMessage is the operator/bridge max-angle broadcast.
type MaxAngleMessage struct {
	MaxAngle float64
	Source   string
}

// ParseMaxAngle parses a max_angle-topic payload.
func ParseMaxAngle(payload []byte) (*MaxAngleMessage, error) {
	var raw struct {
		MaxAngle *float64 `json:"max_angle"`
		Source   string   `json:"source"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("invalid max_angle payload: %w", err)
	}
	if raw.MaxAngle == nil || *raw.MaxAngle < 1 {
		return nil, fmt.Errorf("max_angle payload carries no usable limit")
	}
	return &MaxAngleMessage{MaxAngle: *raw.MaxAngle, Source: raw.Source}, nil
}

// ParseAvailability parses a device availability token ("online"/"offline",
// with "1"/"0" accepted from older firmware).
func ParseAvailability(payload []byte) (online bool, err error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "online", "1":
		return true, nil
	case "offline", "0":
		return false, nil
	}
	return false, fmt.Errorf("unknown availability token %q", string(payload))
}

// HeartbeatMessage is a device heartbeat. Interval is the self-declared
// publish interval, 0 when the payload does not declare one.
type HeartbeatMessage struct {
	Interval time.Duration
}

// ParseHeartbeat parses a heartbeat payload. Heartbeats are liveness
// signals first: a non-JSON or empty payload still counts, so this parser
// never fails — it only extracts the optional declared interval
// (interval_ms / interval / ms).
func ParseHeartbeat(payload []byte) *HeartbeatMessage {
	msg := &HeartbeatMessage{}
	var raw struct {
		IntervalMs *float64 `json:"interval_ms"`
		Interval   *float64 `json:"interval"`
		Ms         *float64 `json:"ms"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return msg
	}
	v := raw.IntervalMs
	if v == nil {
		v = raw.Interval
	}
	if v == nil {
		v = raw.Ms
	}
	if v != nil && *v > 0 {
		msg.Interval = time.Duration(*v) * time.Millisecond
	}
	return msg
}

// ParseBridgeStatus parses the retained bridge status. Bare tokens and the
// JSON envelopes {"online":bool} / {"status":"online"} are accepted.
func ParseBridgeStatus(payload []byte) (online bool, err error) {
	status := strings.ToLower(strings.TrimSpace(string(payload)))
	var raw struct {
		Online *bool  `json:"online"`
		Status string `json:"status"`
	}
	if jsonErr := json.Unmarshal(payload, &raw); jsonErr == nil {
		if raw.Online != nil {
			if *raw.Online {
				status = "online"
			} else {
				status = "offline"
			}
		} else if raw.Status != "" {
			status = strings.ToLower(raw.Status)
		}
	}
	switch status {
	case "online", "1", "true":
		return true, nil
	case "offline", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("unknown bridge status %q", string(payload))
}

// PingMessage is a uniquely tagged bridge liveness probe.
type PingMessage struct {
	ID string
}

// ParsePing parses a bridge_ping payload.
func ParsePing(payload []byte) (*PingMessage, error) {
	var raw struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("invalid bridge_ping payload: %w", err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("bridge_ping payload carries no id")
	}
	return &PingMessage{ID: raw.ID}, nil
}

// PongMessage is the bridge's answer to a ping. Either the echoed id or a
// bare pong marker makes it valid — any pong proves the bridge is alive.
type PongMessage struct {
	ID   string
	Pong bool
}

// ParsePong parses a bridge_pong payload.
func ParsePong(payload []byte) (*PongMessage, error) {
	var raw struct {
		ID   string `json:"id"`
		Pong *bool  `json:"pong"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("invalid bridge_pong payload: %w", err)
	}
	msg := &PongMessage{ID: raw.ID}
	if raw.Pong != nil {
		msg.Pong = *raw.Pong
	}
	if msg.ID == "" && !msg.Pong {
		return nil, fmt.Errorf("bridge_pong payload carries neither id nor pong")
	}
	return msg, nil
}

// DataMessage is a telemetry sample from the device.
type DataMessage struct {
	Temperature *float64
	Humidity    *float64
	Motion      *bool
	Condition   *bool
}

// HasSample reports whether the message carries a storable reading.
// Motion/condition-only payloads are events, not samples, and must not
// produce empty rows.
func (m *DataMessage) HasSample() bool {
	return m.Temperature != nil || m.Humidity != nil
}

// ParseData parses a data-topic payload. The historical "temparature"
// misspelling is still emitted by old firmware and accepted here.
func ParseData(payload []byte) (*DataMessage, error) {
	var raw struct {
		Temperature *float64 `json:"temperature"`
		Temparature *float64 `json:"temparature"`
		Humidity    *float64 `json:"humidity"`
		Motion      *bool    `json:"motion"`
		Condition   *bool    `json:"condition"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("invalid data payload: %w", err)
	}
	msg := &DataMessage{
		Temperature: raw.Temperature,
		Humidity:    raw.Humidity,
		Motion:      raw.Motion,
		Condition:   raw.Condition,
	}
	if msg.Temperature == nil {
		msg.Temperature = raw.Temparature
	}
	if msg.Temperature == nil && msg.Humidity == nil && msg.Motion == nil && msg.Condition == nil {
		return nil, fmt.Errorf("data payload carries no known field")
	}
	return msg, nil
}

// ParseSettingsSnapshot parses a full canonical snapshot from the settings
// or settings_snapshot topic.
func ParseSettingsSnapshot(payload []byte) (*CanonicalSettings, error) {
	var s CanonicalSettings
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("invalid settings snapshot: %w", err)
	}
	return &s, nil
}
