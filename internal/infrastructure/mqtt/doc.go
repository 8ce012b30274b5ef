// Package mqtt provides the MQTT broker session for loxone2mqtt.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after every reconnect
//   - The connection-state topic and its last will
//
// # Topics
//
// Every topic lives below one root, the bridge name (default "loxone"):
//
//	<root>/connected          retained "0" | "1" | "2"
//	<root>/status/<path>      retained state records
//	<root>/set/<path>/cmd     inbound commands
//	<root>/meta/<sub-topic>   retained diagnostics
//
// "0" is the broker-held last will and the graceful shutdown value. "1" is
// published on every broker connect. "2" is published by the bridge when a
// Miniserver structure has been loaded.
//
// # Usage
//
//	topics := mqtt.Topics{Root: cfg.Bridge.Name}
//	client, err := mqtt.Connect(cfg.MQTT, topics)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(topics.SetWildcard(), 1,
//	    func(topic string, payload []byte) error {
//	        return nil
//	    })
package mqtt
