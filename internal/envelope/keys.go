package envelope

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.ScalarSize

// PublicKey is an X25519 public key issued by the identity directory.
type PublicKey [KeySize]byte

// PrivateKey is the holder's X25519 private key. It only ever lives in the
// holder's session.
type PrivateKey [KeySize]byte

func (k PublicKey) Encode() string { return base64.StdEncoding.EncodeToString(k[:]) }

func (k PrivateKey) Encode() string { return base64.StdEncoding.EncodeToString(k[:]) }

// String keeps private keys out of formatted logs and error messages.
func (k PrivateKey) String() string { return "envelope.PrivateKey(redacted)" }

// Public derives the public half of k.
func (k PrivateKey) Public() (PublicKey, error) {
	var pub PublicKey
	out, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	copy(pub[:], out)
	return pub, nil
}

// Wipe zeroes the key in place.
func (k *PrivateKey) Wipe() { clear(k[:]) }

func decodeKey(serialized string) ([KeySize]byte, error) {
	var out [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(serialized))
	if err != nil {
		return out, fmt.Errorf("%w: not base64", ErrKeyFormat)
	}
	defer clear(raw)
	if len(raw) != KeySize {
		return out, fmt.Errorf("%w: want %d bytes, got %d", ErrKeyFormat, KeySize, len(raw))
	}
	if bytes.Equal(raw, make([]byte, KeySize)) {
		return out, fmt.Errorf("%w: zero key", ErrKeyFormat)
	}
	copy(out[:], raw)
	return out, nil
}
