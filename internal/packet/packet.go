// Package packet frames and seals voice datagrams.
//
// A datagram is a 12 byte header followed by the payload sealed with
// xsalsa20_poly1305. The nonce is the header zero-padded to 24 bytes.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	HeaderSize = 12
	KeySize    = 32
	nonceSize  = 24

	versionByte = 0x80
	payloadType = 0x78
)

var (
	// ErrEncryption reports a missing or malformed key.
	ErrEncryption = errors.New("packet: invalid encryption key")
	// ErrAuthentication reports a payload whose tag does not verify.
	ErrAuthentication = errors.New("packet: authentication failed")
	// ErrMalformedPacket reports a datagram too short to carry a header.
	ErrMalformedPacket = errors.New("packet: malformed packet")
)

// extensionProfile marks a one-byte header extension block at the start of
// the decrypted payload.
var extensionProfile = [2]byte{0xBE, 0xDE}

// Header is the fixed datagram header.
type Header struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
}

func (h Header) marshal() [HeaderSize]byte {
	var b [HeaderSize]byte
	b[0] = versionByte
	b[1] = payloadType
	binary.BigEndian.PutUint16(b[2:4], h.Sequence)
	binary.BigEndian.PutUint32(b[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(b[8:12], h.SSRC)
	return b
}

func parseHeader(b []byte) Header {
	return Header{
		Sequence:  binary.BigEndian.Uint16(b[2:4]),
		Timestamp: binary.BigEndian.Uint32(b[4:8]),
		SSRC:      binary.BigEndian.Uint32(b[8:12]),
	}
}

func keyOf(key []byte) (*[KeySize]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEncryption, len(key))
	}
	var k [KeySize]byte
	copy(k[:], key)
	return &k, nil
}

func nonceOf(header []byte) *[nonceSize]byte {
	var n [nonceSize]byte
	copy(n[:], header[:HeaderSize])
	return &n
}

// Encode returns header || seal(payload).
func Encode(h Header, key, payload []byte) ([]byte, error) {
	k, err := keyOf(key)
	if err != nil {
		return nil, err
	}
	hdr := h.marshal()
	out := make([]byte, HeaderSize, HeaderSize+len(payload)+secretbox.Overhead)
	copy(out, hdr[:])
	return secretbox.Seal(out, payload, nonceOf(hdr[:]), k), nil
}

// Decode verifies and opens a datagram produced by Encode, stripping a
// leading header extension block from the payload if present.
func Decode(datagram, key []byte) (Header, []byte, error) {
	if len(datagram) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(datagram))
	}
	k, err := keyOf(key)
	if err != nil {
		return Header{}, nil, err
	}
	if len(datagram) < HeaderSize+secretbox.Overhead {
		return Header{}, nil, ErrAuthentication
	}
	payload, ok := secretbox.Open(nil, datagram[HeaderSize:], nonceOf(datagram), k)
	if !ok {
		return Header{}, nil, ErrAuthentication
	}
	payload, err = stripExtension(payload)
	if err != nil {
		return Header{}, nil, err
	}
	return parseHeader(datagram), payload, nil
}

func stripExtension(p []byte) ([]byte, error) {
	if len(p) < 4 || p[0] != extensionProfile[0] || p[1] != extensionProfile[1] {
		return p, nil
	}
	words := int(binary.BigEndian.Uint16(p[2:4]))
	end := 4 + words*4
	if end > len(p) {
		return nil, fmt.Errorf("%w: extension of %d words exceeds payload", ErrMalformedPacket, words)
	}
	return p[end:], nil
}

// SequenceDelta returns the signed distance from a to b modulo 2^16, so
// 65535 followed by 0 is +1.
func SequenceDelta(a, b uint16) int {
	return int(int16(b - a))
}
