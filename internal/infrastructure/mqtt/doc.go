// Package mqtt connects the eSTUDNA bridge to the Gray Logic message bus.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after reconnect
//   - Last Will and Testament so Core sees the bridge go offline
//   - Topic builders for graylogic/{category}/estudna/{device}
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT,
//	    mqtt.WithWill(mqtt.Topics{}.Health(), lwtPayload),
//	    mqtt.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
//
// Handlers run on paho's goroutines; a panic in a handler is recovered and
// logged rather than taking the connection down.
package mqtt
