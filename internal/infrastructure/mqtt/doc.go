// Package mqtt provides the hub's MQTT client.
//
// It wraps github.com/eclipse/paho.mqtt.golang with:
//   - Connection management with auto-reconnect and bounded backoff
//   - Subscription tracking, restored after every reconnect
//   - Panic recovery and error logging around message handlers
//   - A default handler that logs messages no subscription claims
//   - A retained online/offline status with Last Will
//
// Drivers (Tasmota relays, blind controllers, a Z-Wave gateway) talk to
// their hardware through this client, and the state mirror publishes
// serialized device state retained under hearth/state/<id>.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetLogger(logger.Component("mqtt"))
//
//	err = client.Subscribe(mqtt.Topics{}.TasmotaPower("lamp1"), 1, handler)
//
// # Thread Safety
//
// All Client methods are safe for concurrent use. Handlers run on paho's
// router goroutine in arrival order and must not block.
package mqtt
