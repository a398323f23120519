package control

import (
	"errors"
	"fmt"
)

// Close codes the session's supervisor classifies on. Everything else is
// treated as a generic failure subject to the reconnect policy.
const (
	// CloseCodeNormal is a deliberate, non-recoverable shutdown.
	CloseCodeNormal = 1000

	// CloseCodeInvalidated is sent by this client to discard a control
	// connection the server has made stale, forcing full renegotiation.
	CloseCodeInvalidated = 4000

	// CloseCodeForcedDisconnect means the participant was removed from
	// the channel, possibly as part of a channel move.
	CloseCodeForcedDisconnect = 4014

	// CloseCodeResumable means the server invalidated the session but
	// left it resumable.
	CloseCodeResumable = 4015
)

// CloseError reports that the control connection closed, carrying the
// numeric close code the supervisor uses to pick between teardown, resume
// and reconnect.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("control connection closed with code %d", e.Code)
	}
	return fmt.Sprintf("control connection closed with code %d: %s", e.Code, e.Reason)
}

// CloseCode extracts the close code from err, if err carries one.
func CloseCode(err error) (int, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

// ErrHandshakeIncomplete indicates the control handshake ended before the
// shared secret was delivered.
var ErrHandshakeIncomplete = errors.New("control handshake ended before session description")
