package models

// Topics holds the full MQTT topic table for one deployment.
//
// The dashboard topics hang off a shared prefix (wire protocol, default
// "home/dashboard"). The device topics are firmware-defined and independent
// of the prefix; the legacy availability topic is kept for older firmware.
type Topics struct {
	Data             string
	Window           string
	WindowStream     string
	Threshold        string
	Vent             string
	Auto             string
	AngleSpecial     string
	Sensors          string
	GraphRange       string
	MaxAngle         string
	Settings         string
	SettingsSnapshot string
	SettingsGet      string
	BridgeStatus     string
	BridgePing       string
	BridgePong       string
	ViewerStatus     string

	DeviceAvailability string
	LegacyAvailability string
	DeviceHeartbeat    string
}

// NewTopics builds the topic table from the dashboard prefix and the three
// device-side topics.
func NewTopics(prefix, deviceAvailability, legacyAvailability, deviceHeartbeat string) Topics {
	return Topics{
		Data:             prefix + "/data",
		Window:           prefix + "/window",
		WindowStream:     prefix + "/window/stream",
		Threshold:        prefix + "/threshold",
		Vent:             prefix + "/vent",
		Auto:             prefix + "/auto",
		AngleSpecial:     prefix + "/angle_special",
		Sensors:          prefix + "/sensors",
		GraphRange:       prefix + "/graphRange",
		MaxAngle:         prefix + "/max_angle",
		Settings:         prefix + "/settings",
		SettingsSnapshot: prefix + "/settings_snapshot",
		SettingsGet:      prefix + "/settings/get",
		BridgeStatus:     prefix + "/bridge_status",
		BridgePing:       prefix + "/bridge_ping",
		BridgePong:       prefix + "/bridge_pong",
		ViewerStatus:     prefix + "/status",

		DeviceAvailability: deviceAvailability,
		LegacyAvailability: legacyAvailability,
		DeviceHeartbeat:    deviceHeartbeat,
	}
}

// RetainedTopics lists the topics that carry retained messages, for the
// clear-retained utility.
func (t Topics) RetainedTopics() []string {
	return []string{
		t.BridgeStatus,
		t.SettingsSnapshot,
		t.Settings,
		t.Sensors,
		t.GraphRange,
		t.ViewerStatus,
		t.DeviceAvailability,
		t.LegacyAvailability,
	}
}
