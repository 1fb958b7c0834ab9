// Package api implements the hub's UI WebSocket and its REST surface.
//
// This package provides:
//   - A WebSocket Hub that is the devices' broadcast Sink and routes
//     inbound {id, m, args} messages to registry entities
//   - REST endpoints to list devices, set state, invoke actions and read
//     history
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # WebSocket protocol
//
// Outbound frames are {id, ...payload}, for example
// {"id":"lamp1","state":{"on":true,"reachable":true,"alerts":[]}}.
// Every connected session gets every frame; a session whose buffer is
// full misses frames rather than slowing the hub down.
//
// Inbound frames address an entity by id and name a method in m:
//
//	{"id":"lamp1","m":"toggle"}
//	{"id":"lamp1","args":["on",true]}           // m defaults to set_single_state
//	{"id":"living","m":"set_scene","args":["night"]}
//	{"id":0,"m":"get_devices"}                   // system recipient
//
// Methods starting with "_" are private and rejected.
//
// # REST
//
//	GET  /api/v1/health
//	GET  /api/v1/devices
//	GET  /api/v1/devices/{id}
//	PUT  /api/v1/devices/{id}/state
//	POST /api/v1/devices/{id}/actions/{name}
//	GET  /api/v1/devices/{id}/history?limit=n
package api
