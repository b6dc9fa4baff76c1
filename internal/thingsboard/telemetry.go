package thingsboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// LevelKey is the telemetry key carrying the water level in metres.
const LevelKey = "ain1"

// Sample is one telemetry data point.
type Sample struct {
	Timestamp int64  `json:"ts"`
	Value     string `json:"value"`
}

// UnmarshalJSON keeps Value as text whatever JSON type the backend used.
// Object values are kept as their raw JSON so envelopes can be decoded later.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var aux struct {
		Timestamp int64           `json:"ts"`
		Value     json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Timestamp = aux.Timestamp

	raw := bytes.TrimSpace(aux.Value)
	if text, ok := scalarString(raw); ok {
		s.Value = text
		return nil
	}
	if len(raw) > 0 && raw[0] == '{' {
		s.Value = string(raw)
		return nil
	}
	s.Value = ""
	return nil
}

// Values maps telemetry keys to their samples, newest first.
type Values map[string][]Sample

// Latest returns the first sample for key.
func (v Values) Latest(key string) (Sample, bool) {
	samples := v[key]
	if len(samples) == 0 {
		return Sample{}, false
	}
	return samples[0], true
}

// ListDevices returns the devices registered to the logged-in account.
//
// Returns:
//   - []Device: Devices with normalized ids
//   - error: ErrNotFound if the account has none, ErrConnection on failure
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	owner, err := c.ownerID()
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodGet, c.api.devicesPath(owner), nil, true)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	raws, err := c.api.decodeDevices(body)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	devices := make([]Device, 0, len(raws))
	for _, r := range raws {
		d, err := r.normalize()
		if err != nil {
			c.logWarn("skipping device record", "error", err)
			continue
		}
		devices = append(devices, d)
	}

	if len(devices) == 0 {
		return nil, ErrNotFound
	}
	return devices, nil
}

// GetDeviceValues fetches telemetry for a device.
//
// FamilyV1 asks the server for the given keys only. FamilyV2 has no key
// filter and returns every latest value; callers pick what they need.
func (c *Client) GetDeviceValues(ctx context.Context, deviceID string, keys ...string) (Values, error) {
	var values Values
	if err := c.getJSON(ctx, c.api.valuesPath(deviceID, keys), &values); err != nil {
		return nil, fmt.Errorf("fetching values for %s: %w", deviceID, err)
	}
	return values, nil
}

// GetLevel returns the water level of a device in metres.
//
// A missing or malformed ain1 value is reported as ok == false with a nil
// error; gaps in telemetry are normal. Request failures are returned.
func (c *Client) GetLevel(ctx context.Context, deviceID string) (level float64, ok bool, err error) {
	values, err := c.GetDeviceValues(ctx, deviceID, LevelKey)
	if err != nil {
		return 0, false, err
	}

	sample, found := values.Latest(LevelKey)
	if !found {
		return 0, false, nil
	}

	level, ok = c.api.decodeLevel(sample.Value)
	return level, ok, nil
}

// GetRelayState reports whether a relay is switched on.
//
// FamilyV2 has no relay support and always reports false without making a
// request, whatever the relay argument.
func (c *Client) GetRelayState(ctx context.Context, deviceID string, relay Relay) (bool, error) {
	if !c.SupportsRelays() {
		return false, nil
	}
	key, err := relay.TelemetryKey()
	if err != nil {
		return false, err
	}

	values, err := c.GetDeviceValues(ctx, deviceID, key)
	if err != nil {
		return false, err
	}

	sample, found := values.Latest(key)
	if !found {
		return false, nil
	}
	return truthy(sample.Value), nil
}

// SetRelayState switches a relay on or off through the device RPC endpoint.
//
// For FamilyV2 this is a no-op and returns nil, even for an unknown relay.
func (c *Client) SetRelayState(ctx context.Context, deviceID string, relay Relay, on bool) error {
	path, ok := c.api.rpcPath(deviceID)
	if !ok {
		c.logDebug("relay control not supported, ignoring",
			"family", c.family.String(), "device_id", deviceID, "relay", relay.String())
		return nil
	}

	method, err := relay.rpcMethod()
	if err != nil {
		return err
	}

	rpc := struct {
		Method string `json:"method"`
		Params bool   `json:"params"`
	}{Method: method, Params: on}

	if _, err := c.do(ctx, http.MethodPost, path, rpc, true); err != nil {
		return fmt.Errorf("setting %s on %s: %w", relay, deviceID, err)
	}

	c.logDebug("relay set", "device_id", deviceID, "relay", relay.String(), "on", on)
	return nil
}

// truthy interprets a relay value. The value may be wrapped in the same
// {"str": ...} envelope as levels; if it is not, the raw text is compared.
func truthy(raw string) bool {
	v, ok := unwrapEnvelope(raw)
	if !ok {
		v = raw
	}
	v = strings.TrimSpace(v)
	return v == "1" || v == "true"
}

func (c *Client) logWarn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}
