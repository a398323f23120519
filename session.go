package voicelink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/voscord/voicelink/control"
	"github.com/voscord/voicelink/rtp"
	"github.com/voscord/voicelink/signaling"
	"github.com/voscord/voicelink/transport"
)

// State is the session's position in the handshake lifecycle.
type State int

const (
	// StateIdle means no handshake is in progress and no connection
	// exists.
	StateIdle State = iota
	// StateNegotiating means a fresh handshake is waiting for both the
	// session and server assignments.
	StateNegotiating
	// StateReconnecting means a server-forced move is waiting for a new
	// server assignment; the session assignment is already current.
	StateReconnecting
	// StateResuming means the control connection is being reopened
	// against the same server with the resume handshake.
	StateResuming
	// StateConnected means the handshake finished and the control
	// connection is live.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateReconnecting:
		return "reconnecting"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session owns one voice connection end to end: it consumes the two
// gateway events carrying credentials, runs the connection attempts,
// and supervises the control connection until teardown. Gateway events
// may arrive on any goroutine.
type Session struct {
	opts     *Options
	signaler signaling.Signaler
	registry *SSRCRegistry

	connected  *flag // the externally visible gate
	stateDone  *flag // session assignment observed during a handshake
	serverDone *flag // server assignment observed during a handshake

	mu           sync.RWMutex
	state        State
	sessionID    string
	token        string
	endpoint     string
	serverID     signaling.ID
	channelID    signaling.ID
	attempts     int
	timeout      time.Duration
	conn         ControlConn
	media        *MediaConnection
	udp          *transport.UDPConn
	runnerCancel context.CancelFunc
}

// NewSession creates a session for the channel named in opts. A nil
// opts uses NewOptions defaults; the signaler is required.
func NewSession(opts *Options, signaler signaling.Signaler) (*Session, error) {
	if signaler == nil {
		return nil, ErrNilSignaler
	}
	if opts == nil {
		opts = NewOptions()
	}
	defaults := NewOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.SamplesPerFrame == 0 {
		opts.SamplesPerFrame = defaults.SamplesPerFrame
	}
	if opts.Dial == nil {
		opts.Dial = defaultDial
	}
	return &Session{
		opts:       opts,
		signaler:   signaler,
		registry:   NewSSRCRegistry(),
		connected:  newFlag(),
		stateDone:  newFlag(),
		serverDone: newFlag(),
		channelID:  opts.ChannelID,
		state:      StateIdle,
	}, nil
}

// OnSessionAssigned delivers the gateway's voice state for our own
// user. During a fresh handshake it completes the session condition;
// at any other time it is a live update: a new channel moves the
// session, a cleared channel means we were removed from voice and the
// session disconnects.
func (s *Session) OnSessionAssigned(ctx context.Context, ev signaling.SessionAssigned) error {
	s.mu.Lock()
	s.sessionID = ev.SessionID
	st := s.state
	if st == StateNegotiating {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"session_id": ev.SessionID,
		}).Debug("Voice session assigned")
		s.stateDone.Set()
		return nil
	}
	if ev.ChannelID == 0 {
		s.mu.Unlock()
		logrus.Info("Removed from voice channel; disconnecting")
		return s.disconnect(ctx, false)
	}
	s.channelID = ev.ChannelID
	s.mu.Unlock()
	return nil
}

// OnServerAssigned delivers the voice server credentials. The first
// complete payload of a handshake finishes the server condition; a
// second identical payload is dropped. Outside a handshake it means the
// server moved us, which invalidates the current control connection.
func (s *Session) OnServerAssigned(ctx context.Context, ev signaling.ServerAssigned) error {
	if s.serverDone.IsSet() {
		logrus.Debug("Ignoring extraneous voice server assignment")
		return nil
	}

	s.mu.Lock()
	s.token = ev.Token
	s.serverID = ev.ServerID()
	if ev.Endpoint == "" || ev.Token == "" {
		s.mu.Unlock()
		logrus.Warn("Awaiting endpoint; voice server assignment incomplete")
		return nil
	}
	endpoint := signaling.StripEndpoint(ev.Endpoint)
	s.endpoint = endpoint

	// A new server means new transport parameters; arm a fresh media
	// socket for the upcoming negotiation.
	if s.udp != nil {
		s.udp.Close()
	}
	udp, err := transport.NewUDPConn()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("opening media socket: %w", err)
	}
	s.udp = udp
	st := s.state
	conn := s.conn
	s.mu.Unlock()

	if st != StateNegotiating && st != StateReconnecting {
		// The server moved us while we were not mid-handshake; the old
		// control connection is now keyed to a dead session.
		logrus.WithFields(logrus.Fields{
			"endpoint": endpoint,
		}).Info("Voice server changed outside a handshake; closing control connection")
		if conn != nil {
			conn.Close(control.CloseCodeInvalidated)
		}
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"endpoint": endpoint,
	}).Debug("Voice server assigned")
	s.serverDone.Set()
	return nil
}

// beginHandshake arms a fresh attempt. The flags are cleared in the
// same critical section that moves the state so an event handler never
// observes cleared flags paired with the previous state.
func (s *Session) beginHandshake(reconnecting bool) {
	s.mu.Lock()
	s.stateDone.Clear()
	s.serverDone.Clear()
	if reconnecting {
		s.state = StateReconnecting
	} else {
		s.state = StateNegotiating
	}
	s.attempts++
	n := s.attempts
	s.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"attempt":      n,
		"reconnecting": reconnecting,
	}).Info("Starting voice handshake")
}

func (s *Session) finishHandshake() {
	s.mu.Lock()
	s.state = StateConnected
	s.stateDone.Clear()
	s.serverDone.Clear()
	s.mu.Unlock()
	logrus.Debug("Voice handshake conditions met")
}

// Connect joins the configured channel and negotiates the voice
// connection, retrying recoverable failures up to MaxAttempts with a
// linearly growing delay. A gateway credential timeout is terminal and
// is never retried. On success a supervisor goroutine keeps polling
// the control connection; it is started at most once per session.
func (s *Session) Connect(ctx context.Context, timeout time.Duration, reconnect bool) error {
	if timeout <= 0 {
		timeout = s.opts.Timeout
	}
	s.mu.Lock()
	s.timeout = timeout
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"channel_id": uint64(s.ChannelID()),
		"timeout":    timeout,
	}).Info("Connecting to voice")

	var lastErr error
	for i := 0; i < s.opts.MaxAttempts; i++ {
		s.beginHandshake(false)
		if err := s.signaler.ChangeVoiceChannel(ctx, s.ChannelID()); err != nil {
			return fmt.Errorf("requesting voice channel: %w", err)
		}
		if err := s.waitForConditions(ctx, timeout); err != nil {
			s.teardown(ctx, true, false)
			return err
		}
		s.finishHandshake()

		err := s.openControl(ctx, false)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !reconnect || !isRecoverable(err) {
			s.teardown(ctx, true, false)
			return err
		}
		delay := time.Duration(1+i*2) * time.Second
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
			"delay": delay,
		}).Warn("Voice handshake failed; retrying")
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		if err := s.signaler.ChangeVoiceChannel(ctx, 0); err != nil {
			logrus.WithFields(logrus.Fields{
				"error": err.Error(),
			}).Debug("Voice disconnect request before retry failed")
		}
	}
	if lastErr != nil {
		s.teardown(ctx, true, false)
		return fmt.Errorf("%w: %v", ErrAttemptsExhausted, lastErr)
	}

	s.mu.Lock()
	if s.runnerCancel == nil {
		rctx, cancel := context.WithCancel(context.Background())
		s.runnerCancel = cancel
		go s.supervise(rctx, reconnect)
	}
	s.mu.Unlock()
	return nil
}

// waitForConditions blocks until both gateway assignments of the
// current handshake have arrived.
func (s *Session) waitForConditions(ctx context.Context, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, f := range []*flag{s.stateDone, s.serverDone} {
		if err := f.Wait(wctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrTimeout
		}
	}
	return nil
}

// openControl dials the control websocket with the current
// credentials. On a fresh negotiation the returned media parameters
// replace the media path wholesale; on resume the previous path stays.
func (s *Session) openControl(ctx context.Context, resume bool) error {
	s.connected.Clear()
	s.mu.Lock()
	cfg := control.DialConfig{
		Endpoint:         s.endpoint,
		ServerID:         s.serverID,
		UserID:           s.opts.UserID,
		SessionID:        s.sessionID,
		Token:            s.token,
		Resume:           resume,
		UDP:              s.udp,
		OnSpeaking:       s.handleSpeaking,
		HandshakeTimeout: s.timeout,
	}
	udp := s.udp
	old := s.conn
	s.mu.Unlock()

	conn, media, err := s.opts.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	if old != nil {
		old.Close(control.CloseCodeNormal)
	}

	s.mu.Lock()
	s.conn = conn
	if media != nil {
		mc, merr := newMediaConnection(media, udp, s.opts.SamplesPerFrame)
		if merr != nil {
			s.mu.Unlock()
			conn.Close(control.CloseCodeNormal)
			return merr
		}
		s.media = mc
		s.mu.Unlock()
		s.registry.Assign(s.opts.UserID, media.SSRC)
	} else {
		s.mu.Unlock()
	}
	s.connected.Set()
	return nil
}

func (s *Session) handleSpeaking(userID signaling.ID, ssrc uint32, speaking bool) {
	if userID != 0 {
		s.registry.Assign(userID, ssrc)
	}
	logrus.WithFields(logrus.Fields{
		"user_id":  uint64(userID),
		"ssrc":     ssrc,
		"speaking": speaking,
	}).Debug("Speaking state observed")
}

// supervise polls the control connection for its lifetime, handling
// the documented close codes and falling back to a full reconnect with
// exponential backoff for everything else.
func (s *Session) supervise(ctx context.Context, reconnect bool) {
	logrus.Debug("Voice control supervisor started")

	var terminal error
	defer func() {
		if fn := s.opts.OnDisconnect; fn != nil {
			fn(terminal)
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		// conn is nil when a swallowed reconnect timeout tore the
		// previous connection down; that is just another disconnection
		// to recover from.
		var err error = ErrNotConnected
		if conn != nil {
			err = conn.Poll(ctx)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}

			if code, ok := control.CloseCode(err); ok {
				switch code {
				case control.CloseCodeNormal:
					logrus.Info("Voice control connection closed; tearing down")
					s.disconnect(ctx, false)
					return
				case control.CloseCodeResumable:
					logrus.Info("Voice control connection dropped; attempting resume")
					if !s.potentialResume(ctx) {
						logrus.Warn("Voice resume failed; tearing down")
						s.disconnect(ctx, false)
						return
					}
					bo.Reset()
					continue
				case control.CloseCodeForcedDisconnect:
					logrus.Info("Voice server forced a move; awaiting new assignment")
					if !s.potentialReconnect(ctx) {
						logrus.Warn("Voice reconnect failed; tearing down")
						s.disconnect(ctx, false)
						return
					}
					bo.Reset()
					continue
				}
			}
		}

		if !reconnect {
			terminal = err
			s.disconnect(ctx, false)
			return
		}

		delay := bo.NextBackOff()
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
			"delay": delay,
		}).Warn("Voice control connection lost; reconnecting")
		s.connected.Clear()
		if !sleepCtx(ctx, delay) {
			return
		}
		if err := s.Connect(ctx, s.currentTimeout(), true); err != nil {
			if errors.Is(err, ErrTimeout) {
				logrus.Warn("Voice reconnect timed out; retrying")
				continue
			}
			logrus.WithFields(logrus.Fields{
				"error": err.Error(),
			}).Error("Voice reconnect failed")
			terminal = err
			s.disconnect(ctx, true)
			return
		}
		bo.Reset()
	}
}

// potentialResume reopens the control connection with the resume
// handshake against the same server. The media path is untouched.
func (s *Session) potentialResume(ctx context.Context) bool {
	s.connected.Clear()
	s.mu.Lock()
	prev := s.state
	s.state = StateResuming
	s.mu.Unlock()

	err := s.openControl(ctx, true)

	s.mu.Lock()
	if err != nil {
		s.state = prev
	} else {
		s.state = StateConnected
	}
	s.mu.Unlock()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Debug("Voice resume attempt failed")
	}
	return err == nil
}

// potentialReconnect waits for the gateway to deliver the new server
// assignment after a forced move, then negotiates against it. The
// session assignment is already current and is not awaited again.
func (s *Session) potentialReconnect(ctx context.Context) bool {
	s.connected.Clear()
	s.beginHandshake(true)

	wctx, cancel := context.WithTimeout(ctx, s.currentTimeout())
	defer cancel()
	if err := s.serverDone.Wait(wctx); err != nil {
		logrus.Debug("No new voice server assignment arrived")
		s.disconnect(ctx, true)
		return false
	}
	s.finishHandshake()

	if err := s.openControl(ctx, false); err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Debug("Voice reconnect handshake failed")
		return false
	}
	return true
}

// Disconnect leaves the voice channel and tears the session down. It
// is a no-op when not connected.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.disconnect(ctx, false)
}

func (s *Session) disconnect(ctx context.Context, force bool) error {
	return s.teardown(ctx, force, true)
}

// teardown closes the control and media paths and leaves the voice
// channel. stopSupervisor is false only on handshake failures inside
// the supervisor's own reconnect loop, which must keep running.
func (s *Session) teardown(ctx context.Context, force, stopSupervisor bool) error {
	if !force && !s.connected.IsSet() {
		return nil
	}
	logrus.Info("Disconnecting from voice")

	s.mu.Lock()
	s.connected.Clear()
	s.stateDone.Clear()
	s.serverDone.Clear()
	conn := s.conn
	udp := s.udp
	var cancel context.CancelFunc
	if stopSupervisor {
		cancel = s.runnerCancel
		s.runnerCancel = nil
	}
	s.conn = nil
	s.udp = nil
	s.media = nil
	s.state = StateIdle
	s.mu.Unlock()

	if conn != nil {
		conn.Close(control.CloseCodeNormal)
	}
	err := s.signaler.ChangeVoiceChannel(ctx, 0)
	if udp != nil {
		udp.Close()
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// MoveTo asks the gateway to move us to a different voice channel. The
// resulting session assignment arrives like any other live update.
func (s *Session) MoveTo(ctx context.Context, channelID signaling.ID) error {
	logrus.WithFields(logrus.Fields{
		"channel_id": uint64(channelID),
	}).Info("Moving voice channel")
	return s.signaler.ChangeVoiceChannel(ctx, channelID)
}

// SendAudioPacket seals one encoded audio frame into the next RTP
// packet and transmits it. A send that would block is dropped
// silently; the RTP counters still advance so the stream stays
// monotonic.
func (s *Session) SendAudioPacket(data []byte) error {
	s.mu.RLock()
	media := s.media
	s.mu.RUnlock()
	if media == nil || !s.connected.IsSet() {
		return ErrNotConnected
	}

	packet, err := media.packetizer.Packetize(data)
	if err != nil {
		return fmt.Errorf("sealing audio packet: %w", err)
	}
	if err := media.udp.Send(packet, media.addr); err != nil {
		if errors.Is(err, transport.ErrDropped) {
			logrus.Debug("Audio packet dropped by non-blocking send")
			return nil
		}
		return fmt.Errorf("sending audio packet: %w", err)
	}
	return nil
}

// OnVoicePacket decrypts one inbound media datagram and returns the
// contained RTP payload with its header fields.
func (s *Session) OnVoicePacket(data []byte) (*rtp.Packet, error) {
	s.mu.RLock()
	media := s.media
	s.mu.RUnlock()
	if media == nil {
		return nil, ErrNotConnected
	}
	pkt, err := media.depacketizer.Depacketize(data)
	if err != nil {
		return nil, err
	}
	return pkt, nil
}

// Speaking toggles our speaking indicator on the control connection.
func (s *Session) Speaking(ctx context.Context, on bool) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Speaking(ctx, on)
}

// IsConnected reports whether the handshake finished and the control
// connection is live.
func (s *Session) IsConnected() bool { return s.connected.IsSet() }

// WaitUntilConnected blocks until the session is connected or the
// context ends.
func (s *Session) WaitUntilConnected(ctx context.Context) error {
	return s.connected.Wait(ctx)
}

// Latency is the most recent control heartbeat round trip.
func (s *Session) Latency() time.Duration {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return 0
	}
	return conn.Latency()
}

// AverageLatency is the mean of the recent heartbeat round trips.
func (s *Session) AverageLatency() time.Duration {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return 0
	}
	return conn.AverageLatency()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) currentTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeout
}

// ChannelID returns the channel the session is joined to or joining.
func (s *Session) ChannelID() signaling.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelID
}

// Registry exposes the user/SSRC mapping accumulated from speaking
// events.
func (s *Session) Registry() *SSRCRegistry { return s.registry }

// Media returns the active media path, or nil before negotiation.
func (s *Session) Media() *MediaConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.media
}

// isRecoverable reports whether a handshake failure is worth another
// attempt: server-side closes and timeouts are, local errors are not.
func isRecoverable(err error) bool {
	if _, ok := control.CloseCode(err); ok {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, control.ErrHandshakeIncomplete) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
