package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol constants for the encrypted audio datagram
const (
	// TypeAudio is the type tag carried in byte 0 of every audio packet.
	// Both directions use the same tag; packets carrying anything else are rejected.
	TypeAudio = 0x01

	// Packet structure sizes
	HeaderSize = 16 // also the AES-CTR IV size
	KeySize    = 16 // AES-128

	// Header field offsets
	typeOffset     = 0
	lengthOffset   = 2
	sequenceOffset = 12
)

// Errors returned by Decrypt. All of them wrap ErrProtocol.
var (
	ErrProtocol         = errors.New("protocol error")
	ErrPacketTooShort   = fmt.Errorf("%w: packet too short", ErrProtocol)
	ErrPacketType       = fmt.Errorf("%w: unexpected packet type", ErrProtocol)
	ErrLengthMismatch   = fmt.Errorf("%w: ciphertext length mismatch", ErrProtocol)
	ErrSequenceMismatch = fmt.Errorf("%w: sequence mismatch", ErrProtocol)
)

// Header represents the 16-byte packet header.
// Layout: [Type:1][Reserved:1][Length:2][Filler:8][Sequence:4]
// The raw header bytes are the AES-CTR initial counter block for the payload.
type Header struct {
	Type     uint8
	Length   uint16  // ciphertext length in bytes
	Filler   [8]byte // carried over from the session nonce template
	Sequence uint32
	Raw      [HeaderSize]byte
}

// BuildHeader derives the header of an outgoing packet from the session's nonce
// template: byte 0 becomes TypeAudio, bytes 2-3 the ciphertext length and
// bytes 12-15 the sequence number. Every other byte is copied from the template.
func BuildHeader(nonce [HeaderSize]byte, length int, sequence uint32) [HeaderSize]byte {
	header := nonce
	header[typeOffset] = TypeAudio
	binary.BigEndian.PutUint16(header[lengthOffset:lengthOffset+2], uint16(length))
	binary.BigEndian.PutUint32(header[sequenceOffset:sequenceOffset+4], sequence)
	return header
}

// ParseHeader parses the 16-byte packet header without validating it
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrPacketTooShort, HeaderSize, len(data))
	}

	header := &Header{
		Type:     data[typeOffset],
		Length:   binary.BigEndian.Uint16(data[lengthOffset : lengthOffset+2]),
		Sequence: binary.BigEndian.Uint32(data[sequenceOffset : sequenceOffset+4]),
	}
	copy(header.Filler[:], data[4:12])
	copy(header.Raw[:], data[:HeaderSize])

	return header, nil
}

// Encrypt builds a complete packet for plaintext. The sequence written into the
// header is currentSeq+1, and the derived header is used as the CTR IV so that
// the receiver can decrypt with nothing but the key and the packet itself.
func Encrypt(key, nonce [HeaderSize]byte, plaintext []byte, currentSeq uint32) ([]byte, error) {
	if len(plaintext) > 0xFFFF {
		return nil, fmt.Errorf("plaintext too large: %d bytes (max %d)", len(plaintext), 0xFFFF)
	}

	header := BuildHeader(nonce, len(plaintext), currentSeq+1)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	packet := make([]byte, HeaderSize+len(plaintext))
	copy(packet, header[:])
	cipher.NewCTR(block, header[:]).XORKeyStream(packet[HeaderSize:], plaintext)

	return packet, nil
}

// Decrypt validates and decrypts a packet. expectedSeq is the last sequence
// accepted for this direction; only expectedSeq+1 is accepted. Any rejection
// leaves the caller's state untouched.
func Decrypt(key [HeaderSize]byte, packet []byte, expectedSeq uint32) ([]byte, uint32, error) {
	header, err := ParseHeader(packet)
	if err != nil {
		return nil, 0, err
	}

	if header.Type != TypeAudio {
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrPacketType, header.Type)
	}

	ciphertext := packet[HeaderSize:]
	if int(header.Length) != len(ciphertext) {
		return nil, 0, fmt.Errorf("%w: header says %d bytes, got %d", ErrLengthMismatch, header.Length, len(ciphertext))
	}

	if header.Sequence != expectedSeq+1 {
		return nil, 0, fmt.Errorf("%w: expected %d, got %d", ErrSequenceMismatch, expectedSeq+1, header.Sequence)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, header.Raw[:]).XORKeyStream(plaintext, ciphertext)

	return plaintext, header.Sequence, nil
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	packetType := "Audio"
	if h.Type != TypeAudio {
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.Type)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, Seq:%d}", packetType, h.Length, h.Sequence)
}
