package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// discoveryPacketSize is the fixed size of both the probe and the
// response.
const discoveryPacketSize = 70

// DiscoverIP performs the IP discovery round-trip against the voice
// server's media address. The probe carries the local SSRC big-endian at
// offset 0; the response carries the socket's publicly visible IP as a
// NUL-terminated string from offset 4 and the port little-endian in the
// final two bytes.
func DiscoverIP(ctx context.Context, conn *UDPConn, server net.Addr, ssrc uint32) (string, uint16, error) {
	probe := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint32(probe[0:4], ssrc)

	if err := conn.Send(probe, server); err != nil {
		return "", 0, fmt.Errorf("sending discovery probe: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", 0, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, discoveryPacketSize)
	n, _, err := conn.Receive(buf)
	if err != nil {
		return "", 0, fmt.Errorf("reading discovery response: %w", err)
	}
	if n < discoveryPacketSize {
		return "", 0, fmt.Errorf("discovery response too short: %d bytes", n)
	}

	end := bytes.IndexByte(buf[4:], 0)
	if end < 0 {
		end = len(buf) - 4
	}
	ip := string(buf[4 : 4+end])
	port := binary.LittleEndian.Uint16(buf[discoveryPacketSize-2:])

	logrus.WithFields(logrus.Fields{
		"public_ip":   ip,
		"public_port": port,
	}).Debug("Discovered public media address")

	return ip, port, nil
}
