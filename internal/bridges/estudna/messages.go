package estudna

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/mqtt"
)

// MQTT message types exchanged between Gray Logic Core and the eSTUDNA bridge.
// The address of every device message is the normalized cloud device id.

// CommandMessage is sent from Core to Bridge to switch a relay.
// Topic: graylogic/command/estudna/{device_id}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the cloud device id.
	DeviceID string `json:"device_id"`

	// Command is "on" or "off".
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Relay commands carry {"relay": "OUT1"} or {"relay": "OUT2"}.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "automation", ...).
	Source string `json:"source"`

	// UserID is the user who triggered the command (if applicable).
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the cloud accepted the relay write.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the cloud did not answer within the command timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/estudna/{device_id}
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgment was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the cloud device id.
	DeviceID string `json:"device_id"`

	// Status indicates the acknowledgment status.
	Status AckStatus `json:"status"`

	// Protocol is the protocol identifier ("estudna").
	Protocol string `json:"protocol"`

	// Address is the device address used in topics.
	Address string `json:"address"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeNotSupported      = "NOT_SUPPORTED"
	ErrCodeTimeout           = "TIMEOUT"
)

// StateMessage is sent from Bridge to Core when a device reading changes.
// Topic: graylogic/state/estudna/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	// DeviceID is the cloud device id.
	DeviceID string `json:"device_id"`

	// Timestamp is when the state was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// State is {"level": 1.23|null, "relays": {"OUT1": bool, "OUT2": bool}}.
	// Relays are omitted for devices without relay support.
	State map[string]any `json:"state"`

	// Protocol is the protocol identifier ("estudna").
	Protocol string `json:"protocol"`

	// Address is the device address used in topics.
	Address string `json:"address"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is sent from Bridge to Core to report operational status.
// Topic: graylogic/health/estudna
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// Accounts describes the session of every registered cloud account.
	Accounts []AccountHealth `json:"accounts,omitempty"`

	// Statistics contains operational counters.
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// DevicesManaged is the number of known cloud devices.
	DevicesManaged int `json:"devices_managed"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// AccountHealth is the session state of one account.
type AccountHealth struct {
	ID            string `json:"id"`
	Family        string `json:"family"`
	Authenticated bool   `json:"authenticated"`
	Devices       int    `json:"devices"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	Polls            uint64 `json:"polls"`
	PollErrors       uint64 `json:"poll_errors"`
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
}

// RequestMessage is sent from Core to Bridge for request/response operations.
// Topic: graylogic/request/estudna/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is "read_state" or "read_all".
	Action string `json:"action"`

	// DeviceID is the target device for read_state.
	DeviceID string `json:"device_id,omitempty"`

	// Parameters contains action-specific values.
	// read_all accepts {"rediscover": true} to refetch device lists.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage is sent from Bridge to Core in response to a request.
// Topic: graylogic/response/estudna/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DiscoveryMessage is sent from Bridge to Core to announce cloud devices.
// Topic: graylogic/discovery/estudna
type DiscoveryMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Bridge    string             `json:"bridge"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice represents a device found on a cloud account.
type DiscoveredDevice struct {
	Protocol      string   `json:"protocol"`
	Address       string   `json:"address"`
	Type          string   `json:"type"`
	Capabilities  []string `json:"capabilities"`
	Manufacturer  string   `json:"manufacturer,omitempty"`
	Product       string   `json:"product,omitempty"`
	SuggestedName string   `json:"suggested_name,omitempty"`
	Account       string   `json:"account"`

	// Unit is the unit of the level reading.
	Unit string `json:"unit"`
}

// Device metadata reported in discovery.
const (
	manufacturer = "SEA Praha"
	deviceType   = "water_level_sensor"
	levelUnit    = "m"
)

// MarshalJSON marshals a CommandMessage with an RFC3339 timestamp.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage from JSON.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  mqtt.Protocol,
		Address:   cmd.DeviceID,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ack := NewAckMessage(cmd, status)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(deviceID string, state DeviceState) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     state.Map(),
		Protocol:  mqtt.Protocol,
		Address:   deviceID,
	}
}

// NewLWTMessage creates the Last Will and Testament published by the
// broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// newResponseError builds a failed response.
func newResponseError(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error: &ResponseError{
			Code:    code,
			Message: message,
		},
	}
}
