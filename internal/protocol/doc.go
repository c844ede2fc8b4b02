// Package protocol defines the JSON frames spoken over the relay's
// WebSocket endpoints.
//
// Three vocabularies share the wire shape `{"type": ..., ...fields}`:
//   - client → relay frames (ClientFrame)
//   - relay → client frames (one struct per type, all implement ServerFrame)
//   - relay ↔ relay federation frames (PeerFrame)
//
// Payload fields are opaque strings. The relay forwards them byte for byte
// and never parses past the outer frame.
package protocol
