package estudna

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-estudna/internal/account"
	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-estudna/internal/thingsboard"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []string
	connected     bool
	publishErr    error
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
}

func (m *MockMQTTClient) GetSubscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscriptions...)
}

// PublishedTo returns the messages published on a topic.
func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// PublishedWithPrefix returns the messages published below a topic prefix.
func (m *MockMQTTClient) PublishedWithPrefix(prefix string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if strings.HasPrefix(p.Topic, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage delivers a message through the handler registered for
// the subscription pattern.
func (m *MockMQTTClient) SimulateMessage(pattern, topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[pattern]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

// relayWrite records a SetRelayState call.
type relayWrite struct {
	DeviceID string
	Relay    thingsboard.Relay
	On       bool
}

// fakeCloud implements account.Client with canned telemetry.
type fakeCloud struct {
	mu         sync.Mutex
	family     thingsboard.Family
	devices    []thingsboard.Device
	listErr    error
	levels     map[string]float64
	levelErr   map[string]error
	relays     map[string]bool
	relayErr   error
	writeErr   error
	writes     []relayWrite
	listCalls  int
	loginCalls int
	authorised bool
}

func newFakeCloud(family thingsboard.Family, devices ...thingsboard.Device) *fakeCloud {
	return &fakeCloud{
		family:     family,
		devices:    devices,
		levels:     make(map[string]float64),
		levelErr:   make(map[string]error),
		relays:     make(map[string]bool),
		authorised: true,
	}
}

func (f *fakeCloud) Login(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	f.authorised = true
	f.listErr = nil
	return nil
}

func (f *fakeCloud) ListDevices(context.Context) ([]thingsboard.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.devices, nil
}

func (f *fakeCloud) GetLevel(_ context.Context, deviceID string) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.levelErr[deviceID]; err != nil {
		return 0, false, err
	}
	level, ok := f.levels[deviceID]
	return level, ok, nil
}

func (f *fakeCloud) GetRelayState(_ context.Context, deviceID string, relay thingsboard.Relay) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.family.SupportsRelays() {
		return false, nil
	}
	if f.relayErr != nil {
		return false, f.relayErr
	}
	return f.relays[RelayKey(deviceID, relay)], nil
}

func (f *fakeCloud) SetRelayState(_ context.Context, deviceID string, relay thingsboard.Relay, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, relayWrite{DeviceID: deviceID, Relay: relay, On: on})
	return nil
}

func (f *fakeCloud) SupportsRelays() bool       { return f.family.SupportsRelays() }
func (f *fakeCloud) Family() thingsboard.Family { return f.family }

func (f *fakeCloud) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorised
}

func (f *fakeCloud) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorised = false
	return nil
}

func (f *fakeCloud) setLevel(deviceID string, level float64) {
	f.mu.Lock()
	f.levels[deviceID] = level
	f.mu.Unlock()
}

func (f *fakeCloud) getWrites() []relayWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relayWrite(nil), f.writes...)
}

// testBridge wires a bridge to a mock MQTT client and a registry holding
// the given clients, registered as "acc-0", "acc-1", ...
func testBridge(t *testing.T, clients ...*fakeCloud) (*Bridge, *MockMQTTClient, *account.Registry) {
	t.Helper()

	reg := account.NewRegistry(nil, nil)
	for i, c := range clients {
		_, err := reg.Adopt("acc-"+string(rune('0'+i)), c)
		require.NoError(t, err)
	}

	mqttClient := NewMockMQTTClient()
	b, err := NewBridge(BridgeOptions{
		Config:     config.BridgeConfig{ID: "estudna-test"},
		MQTTClient: mqttClient,
		Accounts:   reg,
		Version:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(b.Stop)

	return b, mqttClient, reg
}

func decodeState(t *testing.T, p mockPublish) StateMessage {
	t.Helper()
	var msg StateMessage
	require.NoError(t, json.Unmarshal(p.Payload, &msg))
	return msg
}

func decodeAck(t *testing.T, p mockPublish) AckMessage {
	t.Helper()
	var msg AckMessage
	require.NoError(t, json.Unmarshal(p.Payload, &msg))
	return msg
}

func decodeResponse(t *testing.T, p mockPublish) ResponseMessage {
	t.Helper()
	var msg ResponseMessage
	require.NoError(t, json.Unmarshal(p.Payload, &msg))
	return msg
}
