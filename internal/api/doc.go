// Package api implements the local HTTP REST API and WebSocket server of the
// eSTUDNA bridge.
//
// This package provides:
//   - Read endpoints for bridge health, accounts, devices and device state
//   - A relay endpoint that turns a request into an MQTT command
//   - WebSocket hub relaying state publications as events
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The API never talks to the cloud directly. Reads come from the bridge's
// state cache and the account registry; relay requests are published on the
// command topic and executed by the bridge like any other command, so the
// acknowledgement arrives on the ack topic.
//
// # Graceful Degradation
//
// The server operates without MQTT. Reads keep working, relay requests fail
// with 503 and the WebSocket stream stays silent.
package api
