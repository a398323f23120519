package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the length of the shared secret negotiated with the voice
// server.
const KeySize = 32

// NonceSize is the secretbox nonce width.
const NonceSize = 24

// Overhead is the Poly1305 authenticator length added to every sealed
// payload.
const Overhead = secretbox.Overhead

// Mode identifies a nonce-construction scheme negotiated with the voice
// server.
type Mode string

const (
	// ModeLite appends a 4-byte incrementing counter after the ciphertext.
	ModeLite Mode = "xsalsa20_poly1305_lite"
	// ModeSuffix appends a random full-width nonce after the ciphertext.
	ModeSuffix Mode = "xsalsa20_poly1305_suffix"
	// ModeNormal derives the nonce from the packet header itself.
	ModeNormal Mode = "xsalsa20_poly1305"
)

// SupportedModes lists the modes this client can negotiate, in preference
// order.
var SupportedModes = []Mode{ModeLite, ModeSuffix, ModeNormal}

var (
	// ErrUnsupportedMode indicates the server selected a mode this client
	// does not implement.
	ErrUnsupportedMode = errors.New("unsupported encryption mode")

	// ErrDecryptFailed indicates a packet failed authentication. The
	// packet is dropped; the error never affects connection state.
	ErrDecryptFailed = errors.New("packet decryption failed")

	// ErrPacketTooShort indicates a packet is too small to carry its
	// mode's trailer and authenticator.
	ErrPacketTooShort = errors.New("packet too short for encryption mode")
)

// Suite holds the sealing state for one media connection. A Suite is
// created once at negotiation time and fixed for the connection's
// lifetime; the lite-mode counter lives here so a replacement connection
// always starts from a fresh counter.
type Suite struct {
	mode Mode
	key  [KeySize]byte

	mu          sync.Mutex
	liteCounter uint32
}

// NewSuite creates a sealing suite for the negotiated mode and shared
// secret.
func NewSuite(mode Mode, key [KeySize]byte) (*Suite, error) {
	switch mode {
	case ModeLite, ModeSuffix, ModeNormal:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
	return &Suite{mode: mode, key: key}, nil
}

// Mode returns the negotiated mode.
func (s *Suite) Mode() Mode {
	return s.mode
}

// Seal encrypts payload bound to the given packet header and returns the
// complete wire packet: header, ciphertext, and any mode-specific trailer.
// A seal failure is local to the single packet.
func (s *Suite) Seal(header, payload []byte) ([]byte, error) {
	var nonce [NonceSize]byte

	switch s.mode {
	case ModeNormal:
		copy(nonce[:], header)
		out := make([]byte, 0, len(header)+len(payload)+Overhead)
		out = append(out, header...)
		return secretbox.Seal(out, payload, &nonce, &s.key), nil

	case ModeSuffix:
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("generating packet nonce: %w", err)
		}
		out := make([]byte, 0, len(header)+len(payload)+Overhead+NonceSize)
		out = append(out, header...)
		out = secretbox.Seal(out, payload, &nonce, &s.key)
		return append(out, nonce[:]...), nil

	case ModeLite:
		s.mu.Lock()
		binary.BigEndian.PutUint32(nonce[:4], s.liteCounter)
		s.liteCounter++ // wraps to 0 at 2^32
		s.mu.Unlock()
		out := make([]byte, 0, len(header)+len(payload)+Overhead+4)
		out = append(out, header...)
		out = secretbox.Seal(out, payload, &nonce, &s.key)
		return append(out, nonce[:4]...), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, s.mode)
}

// Open authenticates and decrypts the body of an inbound packet given its
// header. The body must still carry the mode's trailer. A failed open is
// local to the single packet and never corrupts suite state.
func (s *Suite) Open(header, body []byte) ([]byte, error) {
	var nonce [NonceSize]byte

	switch s.mode {
	case ModeNormal:
		copy(nonce[:], header)

	case ModeSuffix:
		if len(body) < NonceSize {
			return nil, ErrPacketTooShort
		}
		copy(nonce[:], body[len(body)-NonceSize:])
		body = body[:len(body)-NonceSize]

	case ModeLite:
		if len(body) < 4 {
			return nil, ErrPacketTooShort
		}
		copy(nonce[:4], body[len(body)-4:])
		body = body[:len(body)-4]

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, s.mode)
	}

	plain, ok := secretbox.Open(nil, body, &nonce, &s.key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// SelectMode returns the first server-advertised mode this client
// supports, preserving the server's preference order.
func SelectMode(advertised []string) (Mode, error) {
	for _, m := range advertised {
		switch Mode(m) {
		case ModeLite, ModeSuffix, ModeNormal:
			return Mode(m), nil
		}
	}
	return "", fmt.Errorf("%w: server advertised %v", ErrUnsupportedMode, advertised)
}
