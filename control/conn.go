package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/voscord/voicelink/crypto"
	"github.com/voscord/voicelink/signaling"
	"github.com/voscord/voicelink/transport"
)

const (
	// pollTimeout is the longest the connection may stay silent before a
	// poll fails; heartbeat acks arrive well inside it on a live link.
	pollTimeout = 60 * time.Second

	writeTimeout = 10 * time.Second

	// maxLatencySamples bounds the heartbeat latency history used for the
	// rolling average.
	maxLatencySamples = 20

	defaultHandshakeTimeout = 30 * time.Second
)

// SpeakingFunc receives speaking notifications, which carry the mapping
// between a participant and their stream source id.
type SpeakingFunc func(userID signaling.ID, ssrc uint32, speaking bool)

// DialConfig carries everything needed to open a control connection.
type DialConfig struct {
	Endpoint  string // bare host, no scheme or port
	ServerID  signaling.ID
	UserID    signaling.ID
	SessionID string
	Token     string

	// Resume reopens a prior session instead of negotiating a new one.
	// The media parameters from the prior negotiation stay valid.
	Resume bool

	// UDP is the media socket used for the discovery round-trip.
	UDP *transport.UDPConn

	// OnSpeaking, when set, is invoked for every speaking notification.
	OnSpeaking SpeakingFunc

	HandshakeTimeout time.Duration
}

// Media holds the parameters negotiated for the media path.
type Media struct {
	SSRC      uint32
	IP        string
	Port      uint16
	Mode      crypto.Mode
	SecretKey [crypto.KeySize]byte

	// PublicIP and PublicPort are the socket's externally visible address
	// obtained via discovery.
	PublicIP   string
	PublicPort uint16
}

// UDPAddr resolves the media server address.
func (m *Media) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(m.IP, strconv.Itoa(int(m.Port))))
}

// Conn is an open control connection. It is safe for one poller plus
// concurrent senders.
type Conn struct {
	ws  *websocket.Conn
	cfg DialConfig

	writeMu sync.Mutex

	mu         sync.Mutex
	media      *Media
	mediaReady bool
	resumed    bool
	hbSentAt   time.Time
	latencies  []time.Duration

	hbOnce    sync.Once
	hbStop    chan struct{}
	closeOnce sync.Once
}

// Dial opens the control connection against the assigned endpoint and
// drives its handshake to completion: identify (or resume), ready, UDP
// discovery, protocol selection and finally the session description
// delivering the shared secret.
//
// On a fresh negotiation the returned Media carries the full set of media
// parameters. On a resume Media is nil; the caller's existing media
// connection remains valid.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, *Media, error) {
	if cfg.Endpoint == "" {
		return nil, nil, errors.New("endpoint cannot be empty")
	}
	return dialURL(ctx, cfg, "wss://"+cfg.Endpoint+"/?v=4")
}

func dialURL(ctx context.Context, cfg DialConfig, url string) (*Conn, *Media, error) {
	if !cfg.Resume && cfg.UDP == nil {
		return nil, nil, errors.New("media socket required for negotiation")
	}

	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logrus.WithFields(logrus.Fields{
		"endpoint": cfg.Endpoint,
		"resume":   cfg.Resume,
	}).Info("Opening voice control connection")

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing control connection: %w", err)
	}

	c := &Conn{ws: ws, cfg: cfg, hbStop: make(chan struct{})}

	if cfg.Resume {
		err = c.send(opResume, resumeData{
			ServerID:  cfg.ServerID,
			SessionID: cfg.SessionID,
			Token:     cfg.Token,
		})
	} else {
		err = c.send(opIdentify, identifyData{
			ServerID:  cfg.ServerID,
			UserID:    cfg.UserID,
			SessionID: cfg.SessionID,
			Token:     cfg.Token,
		})
	}
	if err != nil {
		ws.Close()
		return nil, nil, err
	}

	// Drive events until the handshake condition for this flow holds.
	for !c.handshakeDone() {
		if err := c.Poll(ctx); err != nil {
			c.Close(CloseCodeNormal)
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeIncomplete, err)
			}
			return nil, nil, err
		}
	}

	if cfg.Resume {
		logrus.WithFields(logrus.Fields{
			"endpoint": cfg.Endpoint,
		}).Info("Voice session resumed")
		return c, nil, nil
	}

	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"endpoint": cfg.Endpoint,
		"ssrc":     media.SSRC,
		"mode":     media.Mode,
	}).Info("Voice control handshake complete")
	return c, media, nil
}

func (c *Conn) handshakeDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Resume {
		return c.resumed
	}
	return c.mediaReady
}

// Poll reads and dispatches the next control message. It returns a
// *CloseError when the server closed the connection, the context error on
// cancellation, and a timeout error when the link stayed silent too long.
func (c *Conn) Poll(ctx context.Context) error {
	unblocked := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.ws.SetReadDeadline(time.Now())
		case <-unblocked:
		}
	}()

	c.ws.SetReadDeadline(time.Now().Add(pollTimeout))
	_, msg, err := c.ws.ReadMessage()
	close(unblocked)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var wce *websocket.CloseError
		if errors.As(err, &wce) {
			return &CloseError{Code: wce.Code, Reason: wce.Text}
		}
		return err
	}
	return c.handleMessage(ctx, msg)
}

func (c *Conn) handleMessage(ctx context.Context, msg []byte) error {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return fmt.Errorf("decoding control message: %w", err)
	}

	switch env.Op {
	case opHello:
		var d helloData
		if err := json.Unmarshal(env.D, &d); err != nil {
			return fmt.Errorf("decoding hello: %w", err)
		}
		// A missing or non-positive interval is a protocol violation;
		// it must not reach the ticker.
		if d.HeartbeatInterval <= 0 {
			return fmt.Errorf("hello carried invalid heartbeat interval %v", d.HeartbeatInterval)
		}
		interval := time.Duration(d.HeartbeatInterval * float64(time.Millisecond))
		c.hbOnce.Do(func() { go c.heartbeat(interval) })

	case opReady:
		var d readyData
		if err := json.Unmarshal(env.D, &d); err != nil {
			return fmt.Errorf("decoding ready: %w", err)
		}
		return c.handleReady(ctx, d)

	case opSessionDescription:
		var d sessionDescriptionData
		if err := json.Unmarshal(env.D, &d); err != nil {
			return fmt.Errorf("decoding session description: %w", err)
		}
		return c.handleSessionDescription(d)

	case opHeartbeatACK:
		c.mu.Lock()
		if !c.hbSentAt.IsZero() {
			c.latencies = append(c.latencies, time.Since(c.hbSentAt))
			if len(c.latencies) > maxLatencySamples {
				c.latencies = c.latencies[1:]
			}
		}
		c.mu.Unlock()

	case opSpeaking:
		var d speakingData
		if err := json.Unmarshal(env.D, &d); err != nil {
			return fmt.Errorf("decoding speaking event: %w", err)
		}
		if c.cfg.OnSpeaking != nil {
			c.cfg.OnSpeaking(d.UserID, d.SSRC, d.Speaking != 0)
		}

	case opResumed:
		c.mu.Lock()
		c.resumed = true
		c.mu.Unlock()

	default:
		logrus.WithFields(logrus.Fields{
			"op": env.Op,
		}).Debug("Ignoring unhandled control opcode")
	}
	return nil
}

// handleReady performs the discovery round-trip and selects the transport
// protocol and encryption mode.
func (c *Conn) handleReady(ctx context.Context, d readyData) error {
	serverAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.IP, strconv.Itoa(int(d.Port))))
	if err != nil {
		return fmt.Errorf("resolving media address: %w", err)
	}

	publicIP, publicPort, err := transport.DiscoverIP(ctx, c.cfg.UDP, serverAddr, d.SSRC)
	if err != nil {
		return fmt.Errorf("IP discovery: %w", err)
	}

	mode, err := crypto.SelectMode(d.Modes)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.media = &Media{
		SSRC:       d.SSRC,
		IP:         d.IP,
		Port:       d.Port,
		PublicIP:   publicIP,
		PublicPort: publicPort,
	}
	c.mu.Unlock()

	return c.send(opSelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data: selectProtocolInfo{
			Address: publicIP,
			Port:    publicPort,
			Mode:    string(mode),
		},
	})
}

func (c *Conn) handleSessionDescription(d sessionDescriptionData) error {
	if len(d.SecretKey) != crypto.KeySize {
		return fmt.Errorf("session description secret key has %d bytes, want %d",
			len(d.SecretKey), crypto.KeySize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.media == nil {
		return errors.New("session description received before ready")
	}
	c.media.Mode = crypto.Mode(d.Mode)
	copy(c.media.SecretKey[:], d.SecretKey)
	c.mediaReady = true
	return nil
}

// heartbeat keeps the connection alive and timestamps each beat so the
// matching ack yields a round-trip measurement.
func (c *Conn) heartbeat(interval time.Duration) {
	logrus.WithFields(logrus.Fields{
		"interval": interval,
	}).Debug("Starting control connection heartbeat")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.hbStop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.hbSentAt = time.Now()
			c.mu.Unlock()
			if err := c.send(opHeartbeat, time.Now().UnixMilli()); err != nil {
				logrus.WithFields(logrus.Fields{
					"error": err.Error(),
				}).Debug("Heartbeat send failed; poller will observe the closure")
				return
			}
		}
	}
}

// Speaking notifies the server of the local speaking state. Servers
// require it before media packets are accepted.
func (c *Conn) Speaking(ctx context.Context, on bool) error {
	c.mu.Lock()
	var ssrc uint32
	if c.media != nil {
		ssrc = c.media.SSRC
	}
	c.mu.Unlock()

	speaking := 0
	if on {
		speaking = 1
	}
	return c.send(opSpeaking, speakingData{SSRC: ssrc, Speaking: speaking})
}

// Latency returns the most recent heartbeat round-trip time, or zero when
// no ack has been observed yet.
func (c *Conn) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latencies) == 0 {
		return 0
	}
	return c.latencies[len(c.latencies)-1]
}

// AverageLatency returns the mean of the most recent heartbeat round-trip
// times, or zero when no ack has been observed yet.
func (c *Conn) AverageLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range c.latencies {
		total += l
	}
	return total / time.Duration(len(c.latencies))
}

// Close sends a close frame with the given code and tears the connection
// down. Close is idempotent.
func (c *Conn) Close(code int) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.hbStop)
		msg := websocket.FormatCloseMessage(code, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) send(op int, d interface{}) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding control payload: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(envelope{Op: op, D: payload})
}
