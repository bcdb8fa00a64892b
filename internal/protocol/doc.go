// Package protocol implements the encrypted audio datagram format.
// A packet is a 16-byte header followed by AES-128-CTR ciphertext; the header
// carries the type tag, ciphertext length and sequence number, and is itself
// the counter block used to encrypt the payload.
package protocol
