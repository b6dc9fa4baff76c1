package thingsboard

import (
	"fmt"
	"strings"
)

// Relay names one of the two switched outputs of an eSTUDNA unit.
type Relay string

const (
	RelayOut1 Relay = "OUT1"
	RelayOut2 Relay = "OUT2"
)

// Relays lists the outputs in display order.
var Relays = []Relay{RelayOut1, RelayOut2}

// ParseRelay accepts "OUT1"/"OUT2" in any case.
func ParseRelay(s string) (Relay, error) {
	switch Relay(strings.ToUpper(strings.TrimSpace(s))) {
	case RelayOut1:
		return RelayOut1, nil
	case RelayOut2:
		return RelayOut2, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRelay, s)
	}
}

// TelemetryKey returns the telemetry key reporting the relay state.
func (r Relay) TelemetryKey() (string, error) {
	switch r {
	case RelayOut1:
		return "dout1", nil
	case RelayOut2:
		return "dout2", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRelay, string(r))
	}
}

// rpcMethod returns the RPC method that switches the relay.
func (r Relay) rpcMethod() (string, error) {
	switch r {
	case RelayOut1:
		return "setDout1", nil
	case RelayOut2:
		return "setDout2", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRelay, string(r))
	}
}

func (r Relay) String() string {
	return string(r)
}
