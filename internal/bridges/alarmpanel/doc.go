// Package alarmpanel is a client for a cloud-hosted alarm panel.
//
// Requests are authenticated with an OAuth2 client-credentials token that
// is refreshed transparently. The panel is polled for its arm state and
// temperature sensors; when a push endpoint is configured, Listen streams
// panel events over socket.io so callers can resync immediately.
package alarmpanel
