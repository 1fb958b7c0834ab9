// Package deconz is a client for the deCONZ Zigbee gateway.
//
// The gateway exposes lights and sensors over REST and pushes state
// changes over a WebSocket. Nodes are addressed two ways: by their stable
// Zigbee unique id, and by the (endpoint, node id) pair the gateway uses
// on the wire, where endpoint is "lights" or "sensors". Load builds the
// mapping; AddListener resolves a unique id to its pair so push messages
// reach the right driver.
//
// Usage:
//
//	client := deconz.New(deconz.ConfigFrom(cfg.Deconz))
//	client.SetLogger(log.Component("deconz"))
//	if err := client.Load(ctx); err != nil {
//	    return err
//	}
//	go client.Run(ctx)
package deconz
