// Package signaling defines the boundary between the voice session core and
// the platform's gateway connection.
//
// The gateway delivers two independent notifications during voice session
// negotiation: a session assignment carrying the session ID and channel, and
// a server assignment carrying the token and the endpoint of the voice
// server. The two may arrive in either order and are both required before a
// media connection can be opened.
//
// This package intentionally knows nothing about the gateway transport
// itself (websocket framing, heartbeats, reconnects); it only describes the
// payloads the session consumes and the single outbound request it issues.
package signaling
