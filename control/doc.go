// Package control implements the per-session voice control connection.
//
// After the gateway delivers a session and server assignment, the session
// opens a websocket against the assigned endpoint and drives a short
// handshake: identify, receive the stream parameters, perform UDP IP
// discovery, select the transport protocol and encryption mode, and
// finally receive the shared secret. From then on the connection is polled
// for server events and kept alive with heartbeats whose round-trip time
// feeds the session's latency measurements.
//
// A connection that was invalidated but left resumable is reopened with a
// resume instead of a fresh identify; the media parameters from the prior
// negotiation remain valid in that case and no discovery round-trip is
// performed.
package control
