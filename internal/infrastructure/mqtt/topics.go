package mqtt

import (
	"fmt"
	"net/url"
)

// Topic layout of the Gray Logic bridge protocol:
//
//	graylogic/{category}/{protocol}/{address}
//
// The eSTUDNA bridge always uses protocol "estudna" and addresses devices by
// their cloud device id.
const (
	// TopicPrefix is the base for all bridge topics.
	TopicPrefix = "graylogic"

	// Protocol is the protocol segment used by this bridge.
	Protocol = "estudna"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.State("1f0e9c30-6d8a-11ee-b1c2-000000000001")
//	// Returns: "graylogic/state/estudna/1f0e9c30-6d8a-11ee-b1c2-000000000001"
type Topics struct{}

func bridgeTopic(category, address string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, category, Protocol, url.PathEscape(address))
}

// State returns the retained state topic of a device.
func (Topics) State(deviceID string) string {
	return bridgeTopic("state", deviceID)
}

// Command returns the command topic of a device.
func (Topics) Command(deviceID string) string {
	return bridgeTopic("command", deviceID)
}

// Ack returns the command acknowledgement topic of a device.
func (Topics) Ack(deviceID string) string {
	return bridgeTopic("ack", deviceID)
}

// Request returns the topic for a request to the bridge.
func (Topics) Request(requestID string) string {
	return bridgeTopic("request", requestID)
}

// Response returns the topic for the bridge's answer to a request.
func (Topics) Response(requestID string) string {
	return bridgeTopic("response", requestID)
}

// Health returns the retained bridge health topic, also used as LWT.
//
// Example: graylogic/health/estudna
func (Topics) Health() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// Discovery returns the topic devices are announced on.
//
// Example: graylogic/discovery/estudna
func (Topics) Discovery() string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, Protocol)
}

// AllCommands matches every command to this bridge.
//
// Example: graylogic/command/estudna/#
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, Protocol)
}

// AllRequests matches every request to this bridge.
func (Topics) AllRequests() string {
	return fmt.Sprintf("%s/request/%s/#", TopicPrefix, Protocol)
}

// AllStates matches every device state published by this bridge.
//
// Example: graylogic/state/estudna/+
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/state/%s/+", TopicPrefix, Protocol)
}

// AllAcks matches every acknowledgement published by this bridge.
func (Topics) AllAcks() string {
	return fmt.Sprintf("%s/ack/%s/+", TopicPrefix, Protocol)
}
