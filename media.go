package voicelink

import (
	"fmt"
	"net"

	"github.com/voscord/voicelink/control"
	"github.com/voscord/voicelink/crypto"
	"github.com/voscord/voicelink/rtp"
	"github.com/voscord/voicelink/transport"
)

// MediaConnection bundles everything needed to move packets over one
// negotiated media path: the socket, the destination, the crypto
// suite, and the RTP counters. The session swaps the whole bundle on
// renegotiation so senders never observe a half-updated path.
type MediaConnection struct {
	udp          *transport.UDPConn
	addr         net.Addr
	ssrc         uint32
	mode         crypto.Mode
	packetizer   *rtp.Packetizer
	depacketizer *rtp.Depacketizer
}

func newMediaConnection(media *control.Media, udp *transport.UDPConn, samplesPerFrame uint32) (*MediaConnection, error) {
	suite, err := crypto.NewSuite(media.Mode, media.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("building crypto suite: %w", err)
	}
	addr, err := media.UDPAddr()
	if err != nil {
		return nil, fmt.Errorf("resolving media address: %w", err)
	}
	packetizer, err := rtp.NewPacketizer(media.SSRC, samplesPerFrame, suite)
	if err != nil {
		return nil, err
	}
	depacketizer, err := rtp.NewDepacketizer(suite)
	if err != nil {
		return nil, err
	}
	return &MediaConnection{
		udp:          udp,
		addr:         addr,
		ssrc:         media.SSRC,
		mode:         media.Mode,
		packetizer:   packetizer,
		depacketizer: depacketizer,
	}, nil
}

// SSRC returns the synchronization source this path transmits under.
func (m *MediaConnection) SSRC() uint32 { return m.ssrc }

// Mode returns the negotiated encryption mode.
func (m *MediaConnection) Mode() crypto.Mode { return m.mode }

// RemoteAddr returns the media server address packets are sent to.
func (m *MediaConnection) RemoteAddr() net.Addr { return m.addr }
