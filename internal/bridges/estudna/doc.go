// Package estudna bridges SEA eSTUDNA water-level sensors to Gray Logic.
//
// The bridge polls each registered cloud account on a fixed interval and
// publishes device state to MQTT. Relay commands from Core are written
// back through the cloud RPC endpoint.
//
//	┌─────────────────┐          ┌─────────────────┐   HTTPS   ┌──────────────┐
//	│   Gray Logic    │   MQTT   │  eSTUDNA Bridge │◄─────────►│  SEA cloud   │
//	│      Core       │◄────────►│   (this pkg)    │           │ (ThingsBoard)│
//	└─────────────────┘          └─────────────────┘           └──────────────┘
//
// # Polling
//
// Poll reads every device of an account one after another and returns a
// flat Snapshot. Read failures degrade only the affected field. The bridge
// turns each snapshot into one retained StateMessage per device and skips
// devices whose state did not change since the last publish:
//
//	{"level": 1.23, "relays": {"OUT1": false, "OUT2": true}}
//
// Devices of the eSTUDNA2 family have no relay control; their state has
// no "relays" field and relay commands are acknowledged NOT_SUPPORTED.
//
// # Commands
//
// Core sends {"command": "on"|"off", "parameters": {"relay": "OUT1"}} on
// graylogic/command/estudna/{device_id}. After a successful cloud write the
// bridge acknowledges "accepted" and publishes the commanded state right
// away; the next poll confirms it.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package estudna
