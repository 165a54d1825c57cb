package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/nacl/secretbox"
	"pgregory.net/rapid"
)

var testKey = bytes.Repeat([]byte{7}, KeySize)

func TestHeaderLayout(t *testing.T) {
	pkt, err := Encode(Header{Sequence: 0x0102, Timestamp: 0x03040506, SSRC: 0x0708090a}, testKey, []byte("x"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x80, 0x78, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a}
	if diff := cmp.Diff(want, pkt[:HeaderSize]); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	if len(pkt) != HeaderSize+1+secretbox.Overhead {
		t.Fatalf("unexpected length %d", len(pkt))
	}
}

func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := Header{
			Sequence:  rapid.Uint16().Draw(t, "seq"),
			Timestamp: rapid.Uint32().Draw(t, "ts"),
			SSRC:      rapid.Uint32().Draw(t, "ssrc"),
		}
		key := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(t, "key")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 400).Draw(t, "payload")
		// A payload that itself begins with the extension profile is
		// indistinguishable from an extended one.
		if len(payload) >= 2 && payload[0] == 0xBE && payload[1] == 0xDE {
			payload[0] = 0
		}

		pkt, err := Encode(h, key, payload)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		gotH, gotP, err := Decode(pkt, key)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if gotH != h {
			t.Fatalf("header %+v, want %+v", gotH, h)
		}
		if !bytes.Equal(gotP, payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

func TestEncodeRejectsBadKey(t *testing.T) {
	for _, key := range [][]byte{nil, make([]byte, 16), make([]byte, 33)} {
		if _, err := Encode(Header{}, key, nil); !errors.Is(err, ErrEncryption) {
			t.Errorf("key len %d: got %v, want ErrEncryption", len(key), err)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, _, err := Decode(make([]byte, HeaderSize-1), testKey); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("short packet: got %v", err)
	}

	pkt, _ := Encode(Header{Sequence: 1}, testKey, []byte("hello"))
	tampered := append([]byte(nil), pkt...)
	tampered[len(tampered)-1] ^= 0xff
	if _, _, err := Decode(tampered, testKey); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("tampered: got %v", err)
	}

	other := bytes.Repeat([]byte{9}, KeySize)
	if _, _, err := Decode(pkt, other); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("wrong key: got %v", err)
	}

	if _, _, err := Decode(pkt[:HeaderSize+3], testKey); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("truncated body: got %v", err)
	}
}

func TestDecodeStripsExtension(t *testing.T) {
	ext := []byte{0xBE, 0xDE, 0, 2, 1, 2, 3, 4, 5, 6, 7, 8}
	body := append(ext, []byte("opus")...)
	pkt, _ := Encode(Header{Sequence: 3}, testKey, body)
	_, got, err := Decode(pkt, testKey)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got) != "opus" {
		t.Fatalf("got %q", got)
	}

	bad := []byte{0xBE, 0xDE, 0, 9, 1}
	pkt, _ = Encode(Header{}, testKey, bad)
	if _, _, err := Decode(pkt, testKey); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("oversized extension: got %v", err)
	}
}

func TestNonceIsPaddedHeader(t *testing.T) {
	h := Header{Sequence: 9, Timestamp: 10, SSRC: 11}
	pkt, _ := Encode(h, testKey, []byte("abc"))

	var nonce [24]byte
	copy(nonce[:], pkt[:HeaderSize])
	var k [KeySize]byte
	copy(k[:], testKey)
	out, ok := secretbox.Open(nil, pkt[HeaderSize:], &nonce, &k)
	if !ok || string(out) != "abc" {
		t.Fatalf("payload not sealed with header nonce")
	}
	if binary.BigEndian.Uint16(nonce[2:4]) != 9 {
		t.Fatalf("nonce does not embed sequence")
	}
}

func TestSequenceDeltaWraps(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Uint16().Draw(t, "a")
		d := rapid.IntRange(-32768, 32767).Draw(t, "d")
		b := uint16(int(a) + d)
		if got := SequenceDelta(a, b); got != d {
			t.Fatalf("SequenceDelta(%d, %d) = %d, want %d", a, b, got, d)
		}
	})
	if SequenceDelta(65535, 0) != 1 {
		t.Fatalf("65535 -> 0 must be +1")
	}
}
