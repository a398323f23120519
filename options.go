package voicelink

import (
	"context"
	"time"

	"github.com/voscord/voicelink/control"
	"github.com/voscord/voicelink/signaling"
)

// ControlConn is the surface of the per-negotiation control connection
// the session drives. *control.Conn satisfies it; tests substitute
// their own.
type ControlConn interface {
	Poll(ctx context.Context) error
	Speaking(ctx context.Context, on bool) error
	Latency() time.Duration
	AverageLatency() time.Duration
	Close(code int) error
}

// DialFunc opens one control connection. media is non-nil only when a
// fresh negotiation produced new transport parameters; on resume it is
// nil and the previous media path stays in service.
type DialFunc func(ctx context.Context, cfg control.DialConfig) (ControlConn, *control.Media, error)

func defaultDial(ctx context.Context, cfg control.DialConfig) (ControlConn, *control.Media, error) {
	conn, media, err := control.Dial(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return conn, media, nil
}

// Options configures a Session.
type Options struct {
	// UserID is the connecting user's ID.
	UserID signaling.ID

	// ChannelID is the voice channel to join.
	ChannelID signaling.ID

	// Timeout bounds each wait for gateway credentials and the control
	// handshake. Used when Connect is called with a zero timeout.
	Timeout time.Duration

	// MaxAttempts caps the initial connection loop.
	MaxAttempts int

	// SamplesPerFrame is the RTP timestamp increment per audio frame.
	SamplesPerFrame uint32

	// Dial opens control connections. Defaults to the real websocket
	// dialer.
	Dial DialFunc

	// OnDisconnect, when set, is invoked once the supervisor exits.
	// The error is nil for a clean teardown and the terminal failure
	// otherwise.
	OnDisconnect func(err error)
}

// NewOptions returns Options with the default timeout, attempt budget,
// and 48kHz/20ms frame sizing.
func NewOptions() *Options {
	return &Options{
		Timeout:         30 * time.Second,
		MaxAttempts:     5,
		SamplesPerFrame: 960,
		Dial:            defaultDial,
	}
}
