package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/voscord/voicelink/crypto"
)

// HeaderSize is the fixed RTP header length used on the voice media path;
// the platform never sends CSRC entries in the header proper.
const HeaderSize = 12

const (
	rtpVersion  = 2
	payloadType = 0x78
)

// Extension header constants: a two-byte magic marker at the front of the
// decrypted payload followed by a big-endian length counted in 4-byte
// words.
const (
	extensionMagic0 = 0xbe
	extensionMagic1 = 0xde
)

// ErrPacketTooShort indicates an inbound datagram smaller than the RTP
// header.
var ErrPacketTooShort = errors.New("packet shorter than RTP header")

// Packetizer frames and seals outbound audio packets for one media
// connection. It owns the sequence and timestamp counters; both advance
// with deterministic wraparound and are replaced together with the
// connection on renegotiation.
type Packetizer struct {
	mu              sync.Mutex
	ssrc            uint32
	samplesPerFrame uint32
	sequence        uint16
	timestamp       uint32
	suite           *crypto.Suite
}

// NewPacketizer creates a packetizer for the given stream source and frame
// size in samples.
func NewPacketizer(ssrc, samplesPerFrame uint32, suite *crypto.Suite) (*Packetizer, error) {
	if samplesPerFrame == 0 {
		return nil, fmt.Errorf("samples per frame cannot be zero")
	}
	if suite == nil {
		return nil, fmt.Errorf("crypto suite cannot be nil")
	}
	return &Packetizer{
		ssrc:            ssrc,
		samplesPerFrame: samplesPerFrame,
		suite:           suite,
	}, nil
}

// Packetize frames payload with the next RTP header, seals it with the
// connection's crypto suite, and returns the complete wire packet.
//
// Sequence advances by one per call wrapping at 2^16; timestamp advances
// by the frame size wrapping at 2^32. Both reset to zero at rollover and
// advance even when sealing fails, preserving stream continuity across a
// dropped packet.
func (p *Packetizer) Packetize(payload []byte) ([]byte, error) {
	p.mu.Lock()
	p.sequence++ // wraps to 0 at 2^16

	header := rtp.Header{
		Version:        rtpVersion,
		PayloadType:    payloadType,
		SequenceNumber: p.sequence,
		Timestamp:      p.timestamp,
		SSRC:           p.ssrc,
	}

	p.timestamp += p.samplesPerFrame // wraps to 0 at 2^32
	p.mu.Unlock()

	raw, err := header.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling RTP header: %w", err)
	}

	packet, err := p.suite.Seal(raw, payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"sequence":  header.SequenceNumber,
			"timestamp": header.Timestamp,
			"error":     err.Error(),
		}).Warn("Failed to seal outbound voice packet")
		return nil, err
	}
	return packet, nil
}

// Sequence returns the current sequence counter.
func (p *Packetizer) Sequence() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequence
}

// Timestamp returns the current timestamp counter.
func (p *Packetizer) Timestamp() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timestamp
}

// Packet is a decoded inbound voice packet.
type Packet struct {
	SSRC      uint32
	Sequence  uint16
	Timestamp uint32
	Payload   []byte
}

// Depacketizer opens inbound packets for one media connection.
type Depacketizer struct {
	suite *crypto.Suite
}

// NewDepacketizer creates a depacketizer bound to the connection's crypto
// suite.
func NewDepacketizer(suite *crypto.Suite) (*Depacketizer, error) {
	if suite == nil {
		return nil, fmt.Errorf("crypto suite cannot be nil")
	}
	return &Depacketizer{suite: suite}, nil
}

// Depacketize splits the 12-byte header from an inbound datagram, opens
// the remainder with the crypto suite, and strips any extension header
// from the decrypted payload. A failed open is local to the packet.
func (d *Depacketizer) Depacketize(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, ErrPacketTooShort
	}

	// The extension flag may be set in the header while the extension
	// words themselves sit inside the encrypted body, so the header is
	// split at the fixed boundary rather than parsed structurally.
	header := data[:HeaderSize]
	payload, err := d.suite.Open(header, data[HeaderSize:])
	if err != nil {
		return nil, err
	}

	return &Packet{
		SSRC:      binary.BigEndian.Uint32(header[8:12]),
		Sequence:  binary.BigEndian.Uint16(header[2:4]),
		Timestamp: binary.BigEndian.Uint32(header[4:8]),
		Payload:   stripExtension(payload),
	}, nil
}

// stripExtension removes the RTP header extension from a decrypted
// payload. The extension is detected by its magic marker; the length field
// counts 4-byte words following the 4-byte extension preamble. A payload
// without the marker is returned as-is.
func stripExtension(payload []byte) []byte {
	if len(payload) <= 4 || payload[0] != extensionMagic0 || payload[1] != extensionMagic1 {
		return payload
	}
	words := binary.BigEndian.Uint16(payload[2:4])
	offset := 4 + int(words)*4
	if offset > len(payload) {
		// Truncated extension; treat the remainder as empty audio.
		return payload[len(payload):]
	}
	return payload[offset:]
}
