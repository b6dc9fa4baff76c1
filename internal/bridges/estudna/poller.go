package estudna

import (
	"context"
	"errors"

	"github.com/nerrad567/gray-logic-estudna/internal/thingsboard"
)

// TelemetryReader reads device telemetry. *thingsboard.Client satisfies it.
type TelemetryReader interface {
	GetLevel(ctx context.Context, deviceID string) (float64, bool, error)
	GetRelayState(ctx context.Context, deviceID string, relay thingsboard.Relay) (bool, error)
}

// Snapshot is the result of one poll cycle, keyed "{id}_level" (float64 or
// nil), "{id}_OUT1" and "{id}_OUT2" (bool).
type Snapshot map[string]any

// LevelKey returns the snapshot key of a device's water level.
func LevelKey(deviceID string) string {
	return deviceID + "_level"
}

// RelayKey returns the snapshot key of a device relay.
func RelayKey(deviceID string, relay thingsboard.Relay) string {
	return deviceID + "_" + string(relay)
}

// Level returns the level of a device, or false if it was unavailable.
func (s Snapshot) Level(deviceID string) (float64, bool) {
	level, ok := s[LevelKey(deviceID)].(float64)
	return level, ok
}

// Relay returns the polled relay state of a device.
func (s Snapshot) Relay(deviceID string, relay thingsboard.Relay) bool {
	on, _ := s[RelayKey(deviceID, relay)].(bool)
	return on
}

// Poll reads the level and both relays of every device, one device after
// another.
//
// Each field is fetched on its own. A failed read is logged at warn level and
// leaves that field degraded (nil level, false relay); it never fails the
// poll. Polling stops early when ctx is cancelled.
//
// The returned error is the first read failure wrapping thingsboard.ErrAuth,
// so the caller can log in again; it is nil otherwise. The snapshot is
// filled the same way in both cases.
func Poll(ctx context.Context, reader TelemetryReader, devices []thingsboard.Device, logger Logger) (Snapshot, error) {
	snap := make(Snapshot, len(devices)*(1+len(thingsboard.Relays)))

	var authErr error
	noteAuth := func(err error) {
		if authErr == nil && errors.Is(err, thingsboard.ErrAuth) {
			authErr = err
		}
	}

	for _, d := range devices {
		if ctx.Err() != nil {
			break
		}

		level, ok, err := reader.GetLevel(ctx, d.ID)
		switch {
		case err != nil:
			logWarn(logger, "level read failed", "device_id", d.ID, "error", err)
			noteAuth(err)
			snap[LevelKey(d.ID)] = nil
		case !ok:
			snap[LevelKey(d.ID)] = nil
		default:
			snap[LevelKey(d.ID)] = level
		}

		for _, relay := range thingsboard.Relays {
			on, err := reader.GetRelayState(ctx, d.ID, relay)
			if err != nil {
				logWarn(logger, "relay read failed",
					"device_id", d.ID,
					"relay", relay.String(),
					"error", err)
				on = false
				noteAuth(err)
			}
			snap[RelayKey(d.ID, relay)] = on
		}
	}

	return snap, authErr
}

func logWarn(logger Logger, msg string, args ...any) {
	if logger != nil {
		logger.Warn(msg, args...)
	}
}
