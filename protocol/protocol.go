/*
NAME
  protocol.go

DESCRIPTION
  protocol.go defines the SyncStream control-plane protocol: the MQTT
  topic schema, the JSON message shapes exchanged between transmitter and
  receivers, the closed device and command enumerations, and message
  validation.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>
  Alan Noble <alan@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package protocol defines topics, message schemas and validation for the
// SyncStream synchronization protocol. All payloads are UTF-8 JSON of at
// most MaxMessageSize bytes, carrying a producer timestamp in seconds
// since the Unix epoch.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol constants.
const (
	Version           = "1.0"
	MaxMessageSize    = 64 * 1024
	DefaultQoS        = 1
	KeepaliveInterval = 60 * time.Second
	HeartbeatInterval = 30 * time.Second
	DeviceTimeout     = 90 * time.Second
)

// TopicRoot is the prefix of every SyncStream topic.
const TopicRoot = "syncstream"

// MessageType identifies the kind of a SyncStream message; values double
// as the second topic level.
type MessageType string

const (
	MsgDriftReport  MessageType = "drift"
	MsgBufferOffset MessageType = "buffer_offset"
	MsgRegister     MessageType = "register"
	MsgStatus       MessageType = "status"
	MsgHeartbeat    MessageType = "heartbeat"
	MsgConfig       MessageType = "config"
	MsgCommand      MessageType = "command"
	MsgSyncStatus   MessageType = "sync_status"
)

// deviceScoped reports whether a message type's topic carries a device ID
// as its third level.
func (m MessageType) deviceScoped() bool { return m != MsgSyncStatus }

// DeviceType enumerates supported receiver output ecosystems. The set is
// closed; unknown values fail validation.
type DeviceType string

const (
	DeviceAnalog     DeviceType = "analog"
	DeviceHDMI       DeviceType = "hdmi"
	DeviceChromecast DeviceType = "chromecast"
	DeviceAirPlay    DeviceType = "airplay"
	DeviceBluetooth  DeviceType = "bluetooth"
	DeviceSnapcast   DeviceType = "snapcast"
	DevicePulse      DeviceType = "pulse"
	DeviceALSA       DeviceType = "alsa"
)

// ValidDeviceType reports whether t names a known device type.
func ValidDeviceType(t string) bool {
	switch DeviceType(t) {
	case DeviceAnalog, DeviceHDMI, DeviceChromecast, DeviceAirPlay,
		DeviceBluetooth, DeviceSnapcast, DevicePulse, DeviceALSA:
		return true
	}
	return false
}

// CommandType enumerates receiver commands. The set is closed.
type CommandType string

const (
	CmdResync       CommandType = "resync"
	CmdMute         CommandType = "mute"
	CmdUnmute       CommandType = "unmute"
	CmdSetVolume    CommandType = "set_volume"
	CmdSetDelay     CommandType = "set_delay"
	CmdRestart      CommandType = "restart"
	CmdShutdown     CommandType = "shutdown"
	CmdCalibrate    CommandType = "calibrate"
	CmdTestTone     CommandType = "test_tone"
	CmdUpdateConfig CommandType = "update_config"
)

// ValidCommand reports whether c names a known command.
func ValidCommand(c string) bool {
	switch CommandType(c) {
	case CmdResync, CmdMute, CmdUnmute, CmdSetVolume, CmdSetDelay,
		CmdRestart, CmdShutdown, CmdCalibrate, CmdTestTone, CmdUpdateConfig:
		return true
	}
	return false
}

// BroadcastID is the device ID used on config and command topics to
// address every receiver.
const BroadcastID = "all"

// Topic returns the topic for the given message type and device ID. The
// device ID is required for device-scoped types and must not contain a
// topic separator or wildcard.
func Topic(t MessageType, deviceID string) (string, error) {
	if !t.deviceScoped() {
		return TopicRoot + "/" + string(t), nil
	}
	if deviceID == "" {
		return "", fmt.Errorf("protocol: device ID required for %s topic", t)
	}
	if strings.ContainsAny(deviceID, "/+#") {
		return "", fmt.Errorf("protocol: invalid device ID %q", deviceID)
	}
	return TopicRoot + "/" + string(t) + "/" + deviceID, nil
}

// Filter returns a subscription filter matching the given message type
// for every device.
func Filter(t MessageType) string {
	if !t.deviceScoped() {
		return TopicRoot + "/" + string(t)
	}
	return TopicRoot + "/" + string(t) + "/+"
}

// ParseTopic is the inverse of Topic. The device ID is empty for
// broadcast-only types.
func ParseTopic(topic string) (MessageType, string, error) {
	parts := strings.Split(topic, "/")
	if parts[0] != TopicRoot || len(parts) < 2 {
		return "", "", fmt.Errorf("protocol: topic %q is not a syncstream topic", topic)
	}
	t := MessageType(parts[1])
	switch t {
	case MsgDriftReport, MsgBufferOffset, MsgRegister, MsgStatus,
		MsgHeartbeat, MsgConfig, MsgCommand:
		if len(parts) != 3 || parts[2] == "" {
			return "", "", fmt.Errorf("protocol: topic %q is missing a device ID", topic)
		}
		return t, parts[2], nil
	case MsgSyncStatus:
		if len(parts) != 2 {
			return "", "", fmt.Errorf("protocol: malformed topic %q", topic)
		}
		return t, "", nil
	}
	return "", "", fmt.Errorf("protocol: unknown message type in topic %q", topic)
}

// Now returns the current time as protocol seconds.
func Now() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// DriftReport is sent by a receiver after each accepted drift measurement.
type DriftReport struct {
	DeviceID         string  `json:"device_id"`
	DriftMS          float32 `json:"drift_ms"`
	Correlation      float32 `json:"correlation"`
	SignalStrength   float32 `json:"signal_strength"`
	MeasurementTime  float64 `json:"measurement_time"`
	MeasurementCount uint32  `json:"measurement_count"`
	AvgDriftMS       float32 `json:"avg_drift_ms"`
	DriftVariance    float32 `json:"drift_variance"`
}

// BufferOffset is sent by the controller to command a playback delay.
type BufferOffset struct {
	DeviceID  string  `json:"device_id"`
	OffsetMS  float32 `json:"offset_ms"`
	Timestamp float64 `json:"timestamp"`
	SyncGroup string  `json:"sync_group,omitempty"`
}

// DeviceRegister announces a receiver and its calibration to the
// controller.
type DeviceRegister struct {
	DeviceID      string     `json:"device_id"`
	DeviceName    string     `json:"device_name"`
	DeviceType    DeviceType `json:"device_type"`
	Location      string     `json:"location,omitempty"`
	BaseLatencyMS float32    `json:"base_latency_ms"`
	SyncGroup     string     `json:"sync_group"`
	Capabilities  []string   `json:"capabilities"`
	Version       string     `json:"version"`
	IPAddress     string     `json:"ip_address,omitempty"`
}

// DeviceStatus reports receiver health and playback state.
type DeviceStatus struct {
	DeviceID           string  `json:"device_id"`
	IsOnline           bool    `json:"is_online"`
	IsPlaying          bool    `json:"is_playing"`
	IsMuted            bool    `json:"is_muted"`
	Volume             float32 `json:"volume"`
	CurrentOffsetMS    float32 `json:"current_offset_ms"`
	CPUUsage           float32 `json:"cpu_usage"`
	MemoryUsage        float32 `json:"memory_usage"`
	Temperature        float32 `json:"temperature"`
	Uptime             float64 `json:"uptime"`
	LastDriftMS        float32 `json:"last_drift_ms"`
	CorrelationQuality float32 `json:"correlation_quality"`
	Timestamp          float64 `json:"timestamp"`
}

// Heartbeat is a lightweight liveness signal.
type Heartbeat struct {
	DeviceID  string  `json:"device_id"`
	Timestamp float64 `json:"timestamp"`
	Sequence  uint32  `json:"sequence"`
}

// ConfigUpdate carries new tunables to a receiver.
type ConfigUpdate struct {
	DeviceID      string                 `json:"device_id"`
	Config        map[string]interface{} `json:"config"`
	ConfigVersion string                 `json:"config_version"`
	Timestamp     float64                `json:"timestamp"`
}

// Command instructs a receiver to perform an action.
type Command struct {
	DeviceID  string                 `json:"device_id"`
	Command   CommandType            `json:"command"`
	Params    map[string]interface{} `json:"params"`
	CommandID string                 `json:"command_id"`
	Timestamp float64                `json:"timestamp"`
}

// NewCommand returns a Command with a fresh command ID and timestamp.
func NewCommand(deviceID string, cmd CommandType, params map[string]interface{}) Command {
	if params == nil {
		params = map[string]interface{}{}
	}
	return Command{
		DeviceID:  deviceID,
		Command:   cmd,
		Params:    params,
		CommandID: uuid.NewString(),
		Timestamp: Now(),
	}
}

// SyncStatus is the controller's periodic broadcast of group state.
type SyncStatus struct {
	SyncGroups    map[string][]string `json:"sync_groups"`
	DeviceCount   int                 `json:"device_count"`
	OnlineDevices int                 `json:"online_devices"`
	SyncEvents    uint64              `json:"sync_events"`
	LastSyncTime  float64             `json:"last_sync_time"`
	AvgDriftMS    float32             `json:"avg_drift_ms"`
	MaxDriftMS    float32             `json:"max_drift_ms"`
	Timestamp     float64             `json:"timestamp"`
}

// Marshal encodes a message as JSON, enforcing the protocol size limit.
func Marshal(m interface{}) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: could not marshal message: %w", err)
	}
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("protocol: message of %d bytes exceeds limit of %d", len(b), MaxMessageSize)
	}
	return b, nil
}

// Unmarshal decodes a payload of the given type into its message struct.
// The payload is validated first; validation failures are returned as a
// single error listing every problem.
func Unmarshal(t MessageType, data []byte) (interface{}, error) {
	if errs := Validate(t, data); len(errs) != 0 {
		return nil, fmt.Errorf("protocol: invalid %s message: %s", t, strings.Join(errs, "; "))
	}
	var (
		m   interface{}
		err error
	)
	switch t {
	case MsgDriftReport:
		v := DriftReport{SignalStrength: -50}
		err = json.Unmarshal(data, &v)
		m = v
	case MsgBufferOffset:
		var v BufferOffset
		err = json.Unmarshal(data, &v)
		m = v
	case MsgRegister:
		v := DeviceRegister{SyncGroup: "default", Version: Version, Capabilities: []string{}}
		err = json.Unmarshal(data, &v)
		m = v
	case MsgStatus:
		v := DeviceStatus{Volume: 1.0}
		err = json.Unmarshal(data, &v)
		m = v
	case MsgHeartbeat:
		var v Heartbeat
		err = json.Unmarshal(data, &v)
		m = v
	case MsgConfig:
		var v ConfigUpdate
		err = json.Unmarshal(data, &v)
		m = v
	case MsgCommand:
		v := Command{Params: map[string]interface{}{}}
		err = json.Unmarshal(data, &v)
		m = v
	case MsgSyncStatus:
		var v SyncStatus
		err = json.Unmarshal(data, &v)
		m = v
	default:
		return nil, fmt.Errorf("protocol: unknown message type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: could not unmarshal %s message: %w", t, err)
	}
	return m, nil
}

// requiredFields lists the fields that must be present per message type.
var requiredFields = map[MessageType][]string{
	MsgDriftReport:  {"device_id", "drift_ms", "correlation"},
	MsgBufferOffset: {"device_id", "offset_ms"},
	MsgRegister:     {"device_id", "device_name", "device_type"},
	MsgStatus:       {"device_id", "is_online", "is_playing"},
	MsgHeartbeat:    {"device_id"},
	MsgConfig:       {"device_id", "config"},
	MsgCommand:      {"device_id", "command"},
	MsgSyncStatus:   {"sync_groups", "device_count", "online_devices"},
}

// Validate checks a raw payload against the schema for the given type and
// returns a list of human-readable problems, empty when the payload is
// well formed. Messages failing validation must be dropped whole; partial
// application is never permitted.
func Validate(t MessageType, data []byte) []string {
	if len(data) > MaxMessageSize {
		return []string{fmt.Sprintf("message of %d bytes exceeds limit of %d", len(data), MaxMessageSize)}
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return []string{"payload is not a JSON object"}
	}

	var errs []string
	for _, f := range requiredFields[t] {
		if _, ok := fields[f]; !ok {
			errs = append(errs, "missing required field: "+f)
		}
	}

	number := func(name string) {
		if v, ok := fields[name]; ok {
			if _, ok := v.(float64); !ok {
				errs = append(errs, name+" must be a number")
			}
		}
	}

	switch t {
	case MsgDriftReport:
		number("drift_ms")
		number("correlation")
		number("signal_strength")
	case MsgBufferOffset:
		number("offset_ms")
	case MsgRegister:
		if v, ok := fields["device_type"]; ok {
			s, isStr := v.(string)
			if !isStr || !ValidDeviceType(s) {
				errs = append(errs, fmt.Sprintf("invalid device_type: %v", v))
			}
		}
		number("base_latency_ms")
	case MsgCommand:
		if v, ok := fields["command"]; ok {
			s, isStr := v.(string)
			if !isStr || !ValidCommand(s) {
				errs = append(errs, fmt.Sprintf("invalid command: %v", v))
			}
		}
	case MsgStatus:
		if v, ok := fields["is_online"]; ok {
			if _, isBool := v.(bool); !isBool {
				errs = append(errs, "is_online must be a boolean")
			}
		}
	}
	return errs
}
