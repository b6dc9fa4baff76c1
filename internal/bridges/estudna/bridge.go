package estudna

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/nerrad567/gray-logic-estudna/internal/account"
	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-estudna/internal/thingsboard"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// defaultPollInterval is used when no interval is configured.
	defaultPollInterval = 60 * time.Second

	// defaultCommandTimeout bounds one relay write.
	defaultCommandTimeout = 10 * time.Second

	// readAllTimeout bounds a poll triggered by a request.
	readAllTimeout = 60 * time.Second
)

// Bridge connects the SEA cloud accounts to the Gray Logic message bus.
// It handles:
//   - Polling device telemetry and publishing changed state to MQTT
//   - Receiving relay commands from Core and writing them to the cloud
//   - Answering read requests, discovery and health reporting
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg      config.BridgeConfig
	mqtt     MQTTClient
	accounts AccountSource
	health   *HealthReporter

	// states caches the last published state per device id.
	states cmap.ConcurrentMap[string, DeviceState]

	// pollMu serialises poll cycles; cloud clients are polled one at a time.
	pollMu sync.Mutex

	polls            atomic.Uint64
	pollErrors       atomic.Uint64
	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the logging interface used by the bridge.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// AccountSource provides the cloud accounts. *account.Registry satisfies it.
type AccountSource interface {
	AccountLister

	// FindDevice returns the account owning a device.
	FindDevice(ctx context.Context, deviceID string) (*account.Entry, thingsboard.Device, error)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the bridge section of the configuration.
	Config config.BridgeConfig

	// Version is reported in health messages.
	Version string

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Accounts provides the authenticated cloud accounts.
	Accounts AccountSource

	// Logger is optional structured logger.
	Logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("%w: MQTT client", ErrMissingOption)
	}
	if opts.Accounts == nil {
		return nil, fmt.Errorf("%w: accounts", ErrMissingOption)
	}

	cfg := opts.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:       cfg,
		mqtt:      opts.MQTTClient,
		accounts:  opts.Accounts,
		states:    cmap.New[DeviceState](),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  cfg.ID,
		Version:   opts.Version,
		Interval:  cfg.HealthInterval,
		Publisher: opts.MQTTClient,
		Accounts:  opts.Accounts,
		Stats:     b.Statistics,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation.
// It announces the devices of every account, subscribes to commands and
// requests, then starts polling and health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.publishDiscovery(ctx)

	commandTopic := mqtt.Topics{}.AllCommands()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := mqtt.Topics{}.AllRequests()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	b.health.Start(ctx)

	b.wg.Add(1)
	go b.pollLoop(ctx)

	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health status", err)
	}

	b.logInfo("bridge started",
		"bridge_id", b.cfg.ID,
		"accounts", len(b.accounts.Entries()),
		"poll_interval", b.cfg.PollInterval)

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		// Cancel bridge context to abort in-flight commands and polls
		b.ctxCancel()

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// Health returns the current health status of the bridge.
func (b *Bridge) Health() HealthMessage {
	status, reason := b.health.Status()
	return b.health.Message(status, reason)
}

// Statistics returns the operational counters.
func (b *Bridge) Statistics() BridgeStatistics {
	return BridgeStatistics{
		Polls:            b.polls.Load(),
		PollErrors:       b.pollErrors.Load(),
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
	}
}

// State returns the last published state of a device.
func (b *Bridge) State(deviceID string) (DeviceState, bool) {
	return b.states.Get(deviceID)
}

// States returns the last published state of every device.
func (b *Bridge) States() map[string]DeviceState {
	return b.states.Items()
}

// pollLoop polls immediately, then on every interval.
func (b *Bridge) pollLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	b.PollNow(b.ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			b.PollNow(b.ctx)
		}
	}
}

// PollNow runs one poll cycle over every account and publishes changed
// states. It returns the number of devices polled.
func (b *Bridge) PollNow(ctx context.Context) int {
	b.pollMu.Lock()
	defer b.pollMu.Unlock()

	b.polls.Add(1)

	polled := 0
	for _, entry := range b.accounts.Entries() {
		devices, snap, err := b.pollAccount(ctx, entry)
		if ctx.Err() != nil {
			return polled
		}
		if err != nil {
			b.pollErrors.Add(1)
			if snap == nil {
				continue
			}
		}

		hasRelays := entry.Client.SupportsRelays()
		for _, d := range devices {
			b.publishState(d.ID, stateFromSnapshot(snap, d.ID, hasRelays))
		}
		polled += len(devices)
	}

	b.logDebug("poll cycle complete", "devices", polled)
	return polled
}

// pollAccount polls every device of one account. When a read reports a
// rejected session the account logs in again once and is polled afresh.
// A nil snapshot means nothing could be read.
func (b *Bridge) pollAccount(ctx context.Context, entry *account.Entry) ([]thingsboard.Device, Snapshot, error) {
	devices, err := b.accountDevices(ctx, entry)
	if err != nil {
		return nil, nil, err
	}

	snap, err := Poll(ctx, entry.Client, devices, b.getLogger())
	if err == nil || ctx.Err() != nil {
		return devices, snap, nil
	}

	b.logWarn("account session rejected during poll, logging in again", "account", entry.ID, "error", err)
	if lerr := entry.Reauthenticate(ctx); lerr != nil {
		b.logError("re-login failed", fmt.Errorf("account %s: %w", entry.ID, lerr))
		return devices, snap, lerr
	}

	devices, err = entry.Devices(ctx)
	if err != nil {
		b.logError("listing devices failed", fmt.Errorf("account %s: %w", entry.ID, err))
		return nil, nil, err
	}
	snap, err = Poll(ctx, entry.Client, devices, b.getLogger())
	return devices, snap, err
}

// accountDevices returns the device list of an account. A rejected session
// is re-established once before giving up until the next cycle.
func (b *Bridge) accountDevices(ctx context.Context, entry *account.Entry) ([]thingsboard.Device, error) {
	devices, err := entry.Devices(ctx)
	if err == nil {
		return devices, nil
	}

	switch {
	case errors.Is(err, thingsboard.ErrNotFound):
		b.logWarn("account has no devices", "account", entry.ID)
		return nil, err
	case errors.Is(err, thingsboard.ErrAuth):
		b.logWarn("account session rejected, logging in again", "account", entry.ID, "error", err)
		if lerr := entry.Reauthenticate(ctx); lerr != nil {
			b.logError("re-login failed", fmt.Errorf("account %s: %w", entry.ID, lerr))
			return nil, lerr
		}
		return entry.Devices(ctx)
	default:
		b.logError("listing devices failed", fmt.Errorf("account %s: %w", entry.ID, err))
		return nil, err
	}
}

// publishState publishes a device state if it differs from the cached one.
func (b *Bridge) publishState(deviceID string, state DeviceState) {
	if !b.recordState(deviceID, state) {
		return
	}

	payload, err := json.Marshal(NewStateMessage(deviceID, state))
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}

	if err := b.mqtt.Publish(mqtt.Topics{}.State(deviceID), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
		// Forget the state so the next cycle retries the publish.
		b.states.Remove(deviceID)
	}
}

// recordState stores the state and reports whether it changed.
func (b *Bridge) recordState(deviceID string, state DeviceState) bool {
	changed := false
	b.states.Upsert(deviceID, state, func(exist bool, old, next DeviceState) DeviceState {
		changed = !exist || old != next
		return next
	})
	return changed
}

// publishDiscovery announces every device of every account.
func (b *Bridge) publishDiscovery(ctx context.Context) {
	msg := DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    b.cfg.ID,
		Devices:   []DiscoveredDevice{},
	}

	for _, entry := range b.accounts.Entries() {
		devices, err := b.accountDevices(ctx, entry)
		if err != nil {
			continue
		}

		capabilities := []string{"water_level"}
		if entry.Client.SupportsRelays() {
			capabilities = append(capabilities, "relay_out1", "relay_out2")
		}

		for _, d := range devices {
			msg.Devices = append(msg.Devices, DiscoveredDevice{
				Protocol:      mqtt.Protocol,
				Address:       d.ID,
				Type:          deviceType,
				Capabilities:  capabilities,
				Manufacturer:  manufacturer,
				Product:       d.Model,
				SuggestedName: d.Name,
				Account:       entry.ID,
				Unit:          levelUnit,
			})
		}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal discovery", err)
		return
	}
	if err := b.mqtt.Publish(mqtt.Topics{}.Discovery(), payload, 1, false); err != nil {
		b.logError("failed to publish discovery", err)
		return
	}

	b.logInfo("devices announced", "devices", len(msg.Devices))
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch messageType := parts[1]; messageType {
	case "command":
		b.handleCommand(payload)
	case "request":
		b.handleRequest(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", messageType))
	}
}

// handleCommand processes a relay command from Core.
func (b *Bridge) handleCommand(payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}

	b.commandsReceived.Add(1)
	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	if err := b.executeCommand(cmd); err != nil {
		b.commandsFailed.Add(1)
		b.logError("command execution failed", err)
	}
}

// executeCommand writes a relay command to the cloud. Every outcome is
// acknowledged on the ack topic.
func (b *Bridge) executeCommand(cmd CommandMessage) error {
	// Derive timeout from bridge context so commands are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.CommandTimeout)
	defer cancel()

	entry, _, err := b.accounts.FindDevice(ctx, cmd.DeviceID)
	if err != nil {
		b.publishAckError(cmd, ErrCodeNotConfigured,
			fmt.Sprintf("device %s not configured", cmd.DeviceID))
		return fmt.Errorf("command %s: %w", cmd.ID, err)
	}

	var on bool
	switch cmd.Command {
	case "on":
		on = true
	case "off":
		on = false
	default:
		b.publishAckError(cmd, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", cmd.Command))
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, cmd.Command)
	}

	relay, err := relayParameter(cmd.Parameters)
	if err != nil {
		b.publishAckError(cmd, ErrCodeInvalidParameters, err.Error())
		return err
	}

	if !entry.Client.SupportsRelays() {
		b.publishAckError(cmd, ErrCodeNotSupported,
			fmt.Sprintf("%s devices have no relay control", entry.Family()))
		return fmt.Errorf("%w: device %s", ErrNotSupported, cmd.DeviceID)
	}

	if err := entry.Client.SetRelayState(ctx, cmd.DeviceID, relay, on); err != nil {
		code := ErrCodeDeviceUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			code = ErrCodeTimeout
		}
		b.publishAckError(cmd, code, fmt.Sprintf("relay write failed: %v", err))
		return err
	}

	b.publishAck(cmd, AckAccepted)

	// The device reports the new relay state only on a later poll; publish
	// the commanded state now.
	current, _ := b.states.Get(cmd.DeviceID)
	current.HasRelays = true
	b.publishState(cmd.DeviceID, current.WithRelay(relay, on))

	return nil
}

// relayParameter reads and validates parameters.relay.
func relayParameter(params map[string]any) (thingsboard.Relay, error) {
	raw, ok := params["relay"]
	if !ok {
		return "", fmt.Errorf("%w: missing 'relay' parameter", ErrInvalidCommand)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: 'relay' must be a string", ErrInvalidCommand)
	}
	relay, err := thingsboard.ParseRelay(s)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return relay, nil
}

// publishAck publishes a command acknowledgment.
func (b *Bridge) publishAck(cmd CommandMessage, status AckStatus) {
	b.publishAckMessage(NewAckMessage(cmd, status))
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, code, message string) {
	b.publishAckMessage(NewAckError(cmd, code, message))
	b.logWarn("command failed",
		"command_id", cmd.ID,
		"code", code,
		"message", message)
}

func (b *Bridge) publishAckMessage(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}

	if err := b.mqtt.Publish(mqtt.Topics{}.Ack(ack.DeviceID), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	var resp ResponseMessage

	switch req.Action {
	case "read_state":
		resp = b.handleReadState(req)
	case "read_all":
		resp = b.handleReadAll(req)
	default:
		resp = newResponseError(req.RequestID, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown action: %s", req.Action))
	}

	respPayload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}

	if err := b.mqtt.Publish(mqtt.Topics{}.Response(req.RequestID), respPayload, 1, false); err != nil {
		b.logError("failed to publish response", err)
	}
}

// handleReadState polls now and returns one device's state.
func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.DeviceID == "" {
		return newResponseError(req.RequestID, ErrCodeInvalidParameters, "device_id is required")
	}

	ctx, cancel := context.WithTimeout(b.ctx, readAllTimeout)
	defer cancel()

	if _, _, err := b.accounts.FindDevice(ctx, req.DeviceID); err != nil {
		return newResponseError(req.RequestID, ErrCodeNotConfigured,
			fmt.Sprintf("device %s not configured", req.DeviceID))
	}

	b.PollNow(ctx)
	if ctx.Err() != nil {
		return newResponseError(req.RequestID, ErrCodeTimeout, "read_state timed out")
	}

	state, ok := b.states.Get(req.DeviceID)
	if !ok {
		return newResponseError(req.RequestID, ErrCodeDeviceUnreachable,
			fmt.Sprintf("no state for device %s", req.DeviceID))
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"device_id": req.DeviceID,
			"state":     state.Map(),
		},
	}
}

// handleReadAll polls every account now. With {"rediscover": true} the
// device lists are refetched and announced again first.
func (b *Bridge) handleReadAll(req RequestMessage) ResponseMessage {
	ctx, cancel := context.WithTimeout(b.ctx, readAllTimeout)
	defer cancel()

	if rediscover, _ := req.Parameters["rediscover"].(bool); rediscover {
		for _, entry := range b.accounts.Entries() {
			entry.Invalidate()
		}
		b.publishDiscovery(ctx)
	}

	polled := b.PollNow(ctx)
	if ctx.Err() != nil {
		return newResponseError(req.RequestID, ErrCodeTimeout, "read_all timed out")
	}

	states := make(map[string]any)
	for id, s := range b.states.Items() {
		states[id] = s.Map()
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"devices": polled,
			"states":  states,
		},
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) logInfo(msg string, args ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, args...)
	}
}

func (b *Bridge) logDebug(msg string, args ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, args...)
	}
}

func (b *Bridge) logWarn(msg string, args ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, args...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
