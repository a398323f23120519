package rtp

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/voscord/voicelink/crypto"
)

func testSuite(t *testing.T, mode crypto.Mode) *crypto.Suite {
	t.Helper()
	var key [crypto.KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	suite, err := crypto.NewSuite(mode, key)
	if err != nil {
		t.Fatalf("Failed to create crypto suite: %v", err)
	}
	return suite
}

// TestCounterProgression verifies that after N packets the sequence equals
// N mod 2^16 and the timestamp equals N*frameSize mod 2^32.
func TestCounterProgression(t *testing.T) {
	const frameSize = 960
	p, err := NewPacketizer(1, frameSize, testSuite(t, crypto.ModeNormal))
	if err != nil {
		t.Fatalf("Failed to create packetizer: %v", err)
	}

	const n = 300
	for i := 0; i < n; i++ {
		if _, err := p.Packetize([]byte("frame")); err != nil {
			t.Fatalf("Packetize failed at %d: %v", i, err)
		}
	}

	if p.Sequence() != n {
		t.Errorf("Expected sequence %d, got %d", n, p.Sequence())
	}
	if p.Timestamp() != n*frameSize {
		t.Errorf("Expected timestamp %d, got %d", n*frameSize, p.Timestamp())
	}
}

// TestCounterWraparound verifies both counters reset to zero at rollover
// instead of going negative or skipping.
func TestCounterWraparound(t *testing.T) {
	p, err := NewPacketizer(1, 960, testSuite(t, crypto.ModeNormal))
	if err != nil {
		t.Fatalf("Failed to create packetizer: %v", err)
	}
	p.sequence = 0xFFFF
	p.timestamp = 0xFFFFFFFF - 500

	if _, err := p.Packetize([]byte("frame")); err != nil {
		t.Fatalf("Packetize failed: %v", err)
	}

	if p.Sequence() != 0 {
		t.Errorf("Expected sequence to wrap to 0, got %d", p.Sequence())
	}
	start := uint32(0xFFFFFFFF - 500)
	want := start + 960 // wraps modulo 2^32
	if p.Timestamp() != want {
		t.Errorf("Expected timestamp %d after wraparound, got %d", want, p.Timestamp())
	}
}

// TestRoundTrip verifies parse(build(p)) == p for every encryption mode and
// payload lengths 0, 1 and multi-frame.
func TestRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":      {},
		"single":     {0x42},
		"multiframe": bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 1024),
	}

	for _, mode := range crypto.SupportedModes {
		for name, payload := range payloads {
			t.Run(string(mode)+"/"+name, func(t *testing.T) {
				suite := testSuite(t, mode)
				p, err := NewPacketizer(0xcafe, 960, suite)
				if err != nil {
					t.Fatalf("Failed to create packetizer: %v", err)
				}
				d, err := NewDepacketizer(suite)
				if err != nil {
					t.Fatalf("Failed to create depacketizer: %v", err)
				}

				wire, err := p.Packetize(payload)
				if err != nil {
					t.Fatalf("Packetize failed: %v", err)
				}

				got, err := d.Depacketize(wire)
				if err != nil {
					t.Fatalf("Depacketize failed: %v", err)
				}
				if !bytes.Equal(got.Payload, payload) {
					t.Errorf("Payload mismatch: sent %d bytes, got %d bytes", len(payload), len(got.Payload))
				}
				if got.SSRC != 0xcafe {
					t.Errorf("Expected SSRC 0xcafe, got %#x", got.SSRC)
				}
				if got.Sequence != 1 {
					t.Errorf("Expected sequence 1 on first packet, got %d", got.Sequence)
				}
			})
		}
	}
}

// TestHeaderLayout verifies the fixed header bytes on the wire.
func TestHeaderLayout(t *testing.T) {
	suite := testSuite(t, crypto.ModeNormal)
	p, err := NewPacketizer(0x11223344, 960, suite)
	if err != nil {
		t.Fatalf("Failed to create packetizer: %v", err)
	}

	wire, err := p.Packetize([]byte("x"))
	if err != nil {
		t.Fatalf("Packetize failed: %v", err)
	}

	if wire[0] != 0x80 {
		t.Errorf("Expected version/flags byte 0x80, got %#x", wire[0])
	}
	if wire[1] != 0x78 {
		t.Errorf("Expected payload type byte 0x78, got %#x", wire[1])
	}
	if seq := binary.BigEndian.Uint16(wire[2:4]); seq != 1 {
		t.Errorf("Expected sequence 1, got %d", seq)
	}
	if ts := binary.BigEndian.Uint32(wire[4:8]); ts != 0 {
		t.Errorf("Expected timestamp 0 on first packet, got %d", ts)
	}
	if ssrc := binary.BigEndian.Uint32(wire[8:12]); ssrc != 0x11223344 {
		t.Errorf("Expected SSRC 0x11223344, got %#x", ssrc)
	}
}

func TestStripExtension(t *testing.T) {
	audio := []byte{0xaa, 0xbb, 0xcc}

	tests := []struct {
		name    string
		payload []byte
		want    []byte
	}{
		{
			name:    "no extension",
			payload: audio,
			want:    audio,
		},
		{
			name: "one word extension",
			payload: append([]byte{
				0xbe, 0xde, 0x00, 0x01, // magic + length
				0x10, 0x20, 0x30, 0x40, // one 4-byte word
			}, audio...),
			want: audio,
		},
		{
			name: "three word extension",
			payload: append(append([]byte{0xbe, 0xde, 0x00, 0x03},
				bytes.Repeat([]byte{0x00}, 12)...), audio...),
			want: audio,
		},
		{
			name:    "magic but too short",
			payload: []byte{0xbe, 0xde, 0x00},
			want:    []byte{0xbe, 0xde, 0x00},
		},
		{
			name:    "truncated extension",
			payload: []byte{0xbe, 0xde, 0x00, 0x08, 0x01},
			want:    []byte{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stripExtension(tt.payload)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("stripExtension(%v) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}

// TestDepacketizeRejectsRunts verifies datagrams shorter than a header are
// rejected before touching the crypto suite.
func TestDepacketizeRejectsRunts(t *testing.T) {
	d, err := NewDepacketizer(testSuite(t, crypto.ModeNormal))
	if err != nil {
		t.Fatalf("Failed to create depacketizer: %v", err)
	}

	if _, err := d.Depacketize([]byte{0x80, 0x78}); err != ErrPacketTooShort {
		t.Errorf("Expected ErrPacketTooShort, got %v", err)
	}
}
