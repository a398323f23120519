package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// sendTimeout bounds a single datagram write. Writes that cannot complete
// within it are dropped, not retried, to preserve real-time ordering.
const sendTimeout = 20 * time.Millisecond

// ErrDropped indicates a packet was discarded because the socket could not
// accept it in time. Callers log and move on; the next frame matters more
// than the lost one.
var ErrDropped = errors.New("packet dropped: socket not writable")

// UDPConn is the media-path socket for one voice connection. It is owned
// by the session's media connection and replaced, never rebound, on
// renegotiation.
type UDPConn struct {
	mu   sync.Mutex
	conn net.PacketConn
}

// NewUDPConn opens an unbound UDP socket for media traffic.
func NewUDPConn() (*UDPConn, error) {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("opening media socket: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"local_addr": conn.LocalAddr().String(),
	}).Debug("Opened UDP media socket")
	return &UDPConn{conn: conn}, nil
}

// Send transmits one datagram to addr. A write that cannot complete within
// the send timeout returns ErrDropped; any other failure is returned as-is.
func (u *UDPConn) Send(data []byte, addr net.Addr) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}

	if err := conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	if _, err := conn.WriteTo(data, addr); err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return ErrDropped
		}
		return err
	}
	return nil
}

// Receive blocks until the next inbound datagram or the deadline set via
// SetReadDeadline, filling buf and returning the datagram length.
func (u *UDPConn) Receive(buf []byte) (int, net.Addr, error) {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return 0, nil, net.ErrClosed
	}
	return conn.ReadFrom(buf)
}

// SetReadDeadline bounds the next Receive call.
func (u *UDPConn) SetReadDeadline(t time.Time) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	return conn.SetReadDeadline(t)
}

// LocalAddr returns the socket's local address.
func (u *UDPConn) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Close releases the socket. Close is idempotent.
func (u *UDPConn) Close() error {
	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
