// Package transport provides the UDP media path for voice connections.
//
// The transport is deliberately thin: one unconnected UDP socket per media
// connection, replaced wholesale when the session renegotiates. Sends use
// a short write deadline so momentary back-pressure surfaces as a dropped
// packet rather than a stall; real-time audio prefers losing a frame to
// delaying every frame behind it.
//
// The package also implements the IP discovery round-trip the voice server
// requires before protocol selection: a 70-byte probe carrying the local
// SSRC, answered with the publicly visible address and port of the socket.
package transport
