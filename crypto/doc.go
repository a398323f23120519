// Package crypto implements packet encryption for the voice media path.
//
// Voice packets are sealed with NaCl secretbox (XSalsa20-Poly1305) under a
// shared secret delivered by the voice server during session negotiation.
// The server and client agree on one of three nonce-construction modes at
// negotiation time; the mode is fixed for the lifetime of the connection:
//
//   - xsalsa20_poly1305: the nonce is the 12-byte RTP header padded with
//     zeros. Nothing extra is carried on the wire.
//   - xsalsa20_poly1305_suffix: a random 24-byte nonce is generated per
//     packet and appended after the ciphertext.
//   - xsalsa20_poly1305_lite: a 4-byte incrementing counter, independent of
//     the RTP sequence number, is zero-padded to nonce width and its 4 raw
//     bytes are appended after the ciphertext.
//
// The negotiated mode is resolved once into a Suite value that holds the
// seal and open logic for that mode; packets are never dispatched by mode
// name at runtime.
package crypto
