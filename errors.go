package voicelink

import "errors"

var (
	// ErrNotConnected is returned by operations that need a live voice
	// connection when the session has none.
	ErrNotConnected = errors.New("voicelink: not connected to voice")

	// ErrTimeout is returned when the gateway never delivers the
	// session or server assignment within the handshake window. It is
	// terminal: the handshake is not retried.
	ErrTimeout = errors.New("voicelink: timed out waiting for voice handshake")

	// ErrAttemptsExhausted is returned when every connection attempt
	// failed with a recoverable error.
	ErrAttemptsExhausted = errors.New("voicelink: voice connection attempts exhausted")

	// ErrNilSignaler is returned by NewSession when no gateway
	// signaler is supplied.
	ErrNilSignaler = errors.New("voicelink: signaler cannot be nil")
)
