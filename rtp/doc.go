// Package rtp implements the media packet codec for the voice transport.
//
// Outbound audio frames are framed with a fixed 12-byte RTP header (built
// with the pion/rtp library), sealed by the connection's crypto suite, and
// handed to the UDP transport. The packetizer owns the sequence and
// timestamp counters: sequence advances by one per packet and wraps at
// 2^16, timestamp advances by the frame size in samples and wraps at 2^32.
//
// Inbound packets are split at the header boundary, opened by the crypto
// suite, and stripped of the optional RTP header extension some senders
// place at the front of the decrypted payload.
package rtp
