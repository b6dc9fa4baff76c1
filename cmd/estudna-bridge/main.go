// Gray Logic eSTUDNA Bridge
//
// This is the main entry point of the bridge between SEA eSTUDNA water level
// sensors (SEA ThingsBoard cloud) and the Gray Logic MQTT bus. It polls the
// cloud for levels and relay states, publishes them as device state and
// executes relay commands received over MQTT.
//
// Usage:
//
//	estudna-bridge          run the bridge
//	estudna-bridge -check   validate every configured account and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/gray-logic-estudna/internal/account"
	"github.com/nerrad567/gray-logic-estudna/internal/api"
	"github.com/nerrad567/gray-logic-estudna/internal/bridges/estudna"
	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-estudna/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-estudna/internal/thingsboard"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	check := flag.Bool("check", false, "validate account credentials and exit")
	only := flag.String("account", "", "with -check, validate only this account id")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	if *check {
		err = runCheck(ctx, *only)
	} else {
		err = run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and builds the configured logger.
func loadConfig() (*config.Config, *logging.Logger, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)
	return cfg, log, nil
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	logging.Default().Info("starting eSTUDNA bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Close() //nolint:errcheck // nothing left to log to

	// Connect to MQTT first so the last will covers every later failure.
	lwt, err := estudna.LWTPayload(cfg.Bridge.ID)
	if err != nil {
		return fmt.Errorf("building LWT payload: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT,
		mqtt.WithWill(mqtt.Topics{}.Health(), lwt),
		mqtt.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Log in to every account over one shared transport.
	registry := account.NewRegistry(newHTTPClient(cfg.HTTP), log)
	defer func() {
		log.Info("closing cloud accounts")
		if closeErr := registry.Close(); closeErr != nil {
			log.Error("error closing accounts", "error", closeErr)
		}
	}()
	for _, acc := range cfg.Accounts {
		if _, regErr := registry.Register(ctx, acc); regErr != nil {
			return fmt.Errorf("registering account %s: %w", acc.ID, regErr)
		}
	}

	bridge, err := estudna.NewBridge(estudna.BridgeOptions{
		Config:     cfg.Bridge,
		Version:    version,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Accounts:   registry,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()
	log.Info("bridge started", "accounts", len(cfg.Accounts))

	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Logger:   log,
			Bridge:   bridge,
			Accounts: registry,
			MQTT:     mqttClient,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr := server.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: mqtt: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server
	// 2. Bridge
	// 3. Cloud accounts
	// 4. MQTT
	return nil
}

// runCheck validates the credentials of every configured account, or of one
// account when id is set, without starting the bridge.
func runCheck(ctx context.Context, id string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Close() //nolint:errcheck // nothing left to log to

	accounts := cfg.Accounts
	if id != "" {
		acc, ok := cfg.Account(id)
		if !ok {
			return fmt.Errorf("%w: %s", account.ErrUnknownAccount, id)
		}
		accounts = []config.AccountConfig{acc}
	}

	httpClient := newHTTPClient(cfg.HTTP)
	defer httpClient.CloseIdleConnections()

	var failed []error
	for _, acc := range accounts {
		family, err := thingsboard.ParseFamily(acc.DeviceType)
		if err != nil {
			failed = append(failed, fmt.Errorf("account %s: %w", acc.ID, err))
			continue
		}

		err = account.ValidateCredentials(ctx, family, acc.Username, acc.Password,
			thingsboard.WithHTTPClient(httpClient),
			thingsboard.WithBaseURL(acc.BaseURL),
		)
		if err != nil {
			log.Error("account check failed", "account", acc.ID, "error", err)
			failed = append(failed, fmt.Errorf("account %s: %w", acc.ID, err))
			continue
		}
		log.Info("account check passed", "account", acc.ID, "family", family.String())
	}

	return errors.Join(failed...)
}

// newHTTPClient builds the transport shared by every cloud client.
func newHTTPClient(cfg config.HTTPConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // DefaultTransport is always *http.Transport
	if cfg.MaxIdleConns > 0 {
		transport.MaxIdleConns = cfg.MaxIdleConns
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConns
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = thingsboard.DefaultTimeout
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// getConfigPath returns the configuration file path.
// Uses ESTUDNA_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ESTUDNA_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements estudna.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements estudna.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements estudna.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
