package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// No broker is contacted; clients are built but never connected.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "estudna-test",
			TLS:      false,
		},
		Auth: config.MQTTAuthConfig{
			Username: "",
			Password: "",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// recordingLogger captures log calls.
type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+": "+msg)
}

func (l *recordingLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func (l *recordingLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e == entry {
			return true
		}
	}
	return false
}

// =============================================================================
// Options Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "bridge"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "estudna-test" {
		t.Errorf("ClientID = %q, want estudna-test", opts.ClientID)
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want bridge/secret", opts.Username, opts.Password)
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if opts.TLSConfig != nil {
		t.Error("TLSConfig set without TLS enabled")
	}
	if opts.WillEnabled {
		t.Error("WillEnabled = true without WithWill")
	}
}

func TestBuildClientOptions_TLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)

	if got := opts.Servers[0].String(); got != "ssl://127.0.0.1:8883" {
		t.Errorf("broker = %q, want ssl://127.0.0.1:8883", got)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS config missing or below minimum version")
	}
}

func TestApplyWill(t *testing.T) {
	opts := buildClientOptions(testConfig())
	payload := []byte(`{"status":"offline"}`)

	var o connectOptions
	WithWill(Topics{}.Health(), payload)(&o)
	applyWill(opts, o)

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false, want true")
	}
	if opts.WillTopic != "graylogic/health/estudna" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if string(opts.WillPayload) != string(payload) {
		t.Errorf("WillPayload = %s", opts.WillPayload)
	}
	if opts.WillQos != 1 || !opts.WillRetained {
		t.Errorf("will qos/retained = %d/%v, want 1/true", opts.WillQos, opts.WillRetained)
	}
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state", topics.State("dev-1"), "graylogic/state/estudna/dev-1"},
		{"command", topics.Command("dev-1"), "graylogic/command/estudna/dev-1"},
		{"ack", topics.Ack("dev-1"), "graylogic/ack/estudna/dev-1"},
		{"request", topics.Request("r1"), "graylogic/request/estudna/r1"},
		{"response", topics.Response("r1"), "graylogic/response/estudna/r1"},
		{"health", topics.Health(), "graylogic/health/estudna"},
		{"discovery", topics.Discovery(), "graylogic/discovery/estudna"},
		{"all commands", topics.AllCommands(), "graylogic/command/estudna/#"},
		{"all requests", topics.AllRequests(), "graylogic/request/estudna/#"},
		{"all states", topics.AllStates(), "graylogic/state/estudna/+"},
		{"all acks", topics.AllAcks(), "graylogic/ack/estudna/+"},
		{"escaped address", topics.State("a/b#c"), "graylogic/state/estudna/a%2Fb%23c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

// =============================================================================
// Publish / Subscribe Validation Tests
// =============================================================================

func TestPublish_Validation(t *testing.T) {
	c := newClient(testConfig(), connectOptions{})

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "graylogic/state/estudna/dev-1", []byte("x"), 3, ErrInvalidQoS},
		{"payload too large", "graylogic/state/estudna/dev-1", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "graylogic/state/estudna/dev-1", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := newClient(testConfig(), connectOptions{})
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 1, noop, ErrInvalidTopic},
		{"invalid qos", Topics{}.AllCommands(), 5, noop, ErrInvalidQoS},
		{"nil handler", Topics{}.AllCommands(), 1, nil, ErrSubscribeFailed},
		{"not connected", Topics{}.AllCommands(), 1, noop, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
	if c.HasSubscription(Topics{}.AllCommands()) {
		t.Error("rejected subscription was tracked")
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestHealthCheck(t *testing.T) {
	c := newClient(testConfig(), connectOptions{})

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestConnectionCallbacks(t *testing.T) {
	logger := &recordingLogger{}
	c := newClient(testConfig(), connectOptions{logger: logger})

	var connects, disconnects int
	var lastErr error
	c.SetOnConnect(func() { connects++ })
	c.SetOnDisconnect(func(err error) {
		disconnects++
		lastErr = err
	})

	c.handleConnect()
	lost := fmt.Errorf("network unreachable")
	c.handleDisconnect(lost)

	if connects != 1 || disconnects != 1 {
		t.Errorf("callbacks = %d connects, %d disconnects, want 1 each", connects, disconnects)
	}
	if lastErr != lost {
		t.Errorf("disconnect error = %v, want %v", lastErr, lost)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after connection loss")
	}
	if !logger.has("warn: MQTT connection lost") {
		t.Error("connection loss was not logged")
	}
}

func TestClose_NeverConnected(t *testing.T) {
	c := newClient(testConfig(), connectOptions{})
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

// =============================================================================
// Handler Dispatch Tests
// =============================================================================

func TestDispatch_RecoversPanic(t *testing.T) {
	logger := &recordingLogger{}
	c := newClient(testConfig(), connectOptions{})
	c.SetLogger(logger)

	c.dispatch(func(string, []byte) error {
		panic("boom")
	}, "graylogic/command/estudna/dev-1", nil)

	if !logger.has("error: MQTT handler panic recovered") {
		t.Error("panic was not logged")
	}
}

func TestDispatch_LogsHandlerError(t *testing.T) {
	logger := &recordingLogger{}
	c := newClient(testConfig(), connectOptions{logger: logger})

	var gotTopic, gotPayload string
	c.dispatch(func(topic string, payload []byte) error {
		gotTopic = topic
		gotPayload = string(payload)
		return errors.New("bad payload")
	}, "graylogic/command/estudna/dev-1", []byte(`{}`))

	if gotTopic != "graylogic/command/estudna/dev-1" || gotPayload != "{}" {
		t.Errorf("handler got %q %q", gotTopic, gotPayload)
	}
	if !logger.has("warn: MQTT handler returned error") {
		t.Error("handler error was not logged")
	}
}

func TestDispatch_NoLogger(t *testing.T) {
	c := newClient(testConfig(), connectOptions{})

	// Must not panic without a logger.
	c.dispatch(func(string, []byte) error {
		panic(strings.Repeat("x", 3))
	}, "t", nil)
}
