package estudna

import "github.com/nerrad567/gray-logic-estudna/internal/thingsboard"

// DeviceState is the published state of one device.
// It is comparable so unchanged readings can be skipped.
type DeviceState struct {
	Level    float64
	HasLevel bool

	// HasRelays is false for families without relay support; Out1 and
	// Out2 are then meaningless and not published.
	HasRelays bool
	Out1      bool
	Out2      bool
}

// stateFromSnapshot extracts one device's state from a poll snapshot.
func stateFromSnapshot(snap Snapshot, deviceID string, hasRelays bool) DeviceState {
	level, ok := snap.Level(deviceID)
	s := DeviceState{
		Level:     level,
		HasLevel:  ok,
		HasRelays: hasRelays,
	}
	if hasRelays {
		s.Out1 = snap.Relay(deviceID, thingsboard.RelayOut1)
		s.Out2 = snap.Relay(deviceID, thingsboard.RelayOut2)
	}
	return s
}

// WithRelay returns a copy with one relay switched.
func (s DeviceState) WithRelay(relay thingsboard.Relay, on bool) DeviceState {
	switch relay {
	case thingsboard.RelayOut1:
		s.Out1 = on
	case thingsboard.RelayOut2:
		s.Out2 = on
	}
	return s
}

// Map renders the state in its MQTT and API form.
func (s DeviceState) Map() map[string]any {
	m := map[string]any{"level": nil}
	if s.HasLevel {
		m["level"] = s.Level
	}
	if s.HasRelays {
		m["relays"] = map[string]bool{
			string(thingsboard.RelayOut1): s.Out1,
			string(thingsboard.RelayOut2): s.Out2,
		}
	}
	return m
}
