// Package envelope implements per-message envelope encryption: every message
// body is sealed with a one-time ChaCha20-Poly1305 key, and that key is
// wrapped for the recipient with an ephemeral X25519 exchange.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	IVSize = chacha20poly1305.NonceSize

	// ephemeral public key || sealed content key
	WrappedKeySize = KeySize + KeySize + chacha20poly1305.Overhead

	hkdfInfoWrap = "e2ee-messages/key-wrap/v1"
)

// The wrapping key is derived from a fresh ephemeral exchange per message, so
// a fixed nonce never repeats under the same key.
var wrapNonce [chacha20poly1305.NonceSize]byte

// Sealed is what gets persisted for a message.
type Sealed struct {
	Content []byte
	Key     []byte
	IV      []byte
}

// Crypto is stateless apart from its randomness source.
type Crypto struct {
	rand io.Reader
}

func New() *Crypto {
	return &Crypto{rand: rand.Reader}
}

// NewWithRandom swaps the randomness source, for deterministic tests.
func NewWithRandom(r io.Reader) *Crypto {
	return &Crypto{rand: r}
}

func (c *Crypto) ImportPublicKey(serialized string) (PublicKey, error) {
	k, err := decodeKey(serialized)
	return PublicKey(k), err
}

func (c *Crypto) ImportPrivateKey(serialized string) (PrivateKey, error) {
	k, err := decodeKey(serialized)
	return PrivateKey(k), err
}

// GenerateKeyPair is a client-side helper; the service itself never issues keys.
func (c *Crypto) GenerateKeyPair() (PublicKey, PrivateKey, error) {
	var priv PrivateKey
	if _, err := io.ReadFull(c.rand, priv[:]); err != nil {
		return PublicKey{}, PrivateKey{}, fmt.Errorf("envelope: read private key: %w", err)
	}
	pub, err := priv.Public()
	if err != nil {
		priv.Wipe()
		return PublicKey{}, PrivateKey{}, err
	}
	return pub, priv, nil
}

// EncryptMessage seals plaintext under a fresh content key and wraps that key
// for recipient. The content key is wiped before returning.
func (c *Crypto) EncryptMessage(plaintext string, recipient PublicKey) (Sealed, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return Sealed{}, fmt.Errorf("envelope: read iv: %w", err)
	}

	var sealed Sealed
	err := withKeyBuffer(func(key []byte) error {
		if _, err := io.ReadFull(c.rand, key); err != nil {
			return fmt.Errorf("envelope: read content key: %w", err)
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return err
		}
		content := aead.Seal(nil, iv, []byte(plaintext), nil)
		wrapped, err := c.wrapKey(key, recipient)
		if err != nil {
			return err
		}
		sealed = Sealed{Content: content, Key: wrapped, IV: iv}
		return nil
	})
	if err != nil {
		return Sealed{}, err
	}
	return sealed, nil
}

// DecryptMessage unwraps the content key with holder and opens the content.
// Any mismatch or corruption yields ErrDecryption.
func (c *Crypto) DecryptMessage(s Sealed, holder PrivateKey) (string, error) {
	if len(s.IV) != IVSize || len(s.Content) < chacha20poly1305.Overhead {
		return "", ErrDecryption
	}
	var plaintext []byte
	err := withKeyBuffer(func(key []byte) error {
		if err := unwrapKey(s.Key, holder, key); err != nil {
			return err
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return ErrDecryption
		}
		out, err := aead.Open(nil, s.IV, s.Content, nil)
		if err != nil {
			return ErrDecryption
		}
		plaintext = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (c *Crypto) wrapKey(key []byte, recipient PublicKey) ([]byte, error) {
	var wrapped []byte
	err := withKeyBuffer(func(ephPriv []byte) error {
		if _, err := io.ReadFull(c.rand, ephPriv); err != nil {
			return fmt.Errorf("envelope: read ephemeral key: %w", err)
		}
		ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
		if err != nil {
			return err
		}
		shared, err := curve25519.X25519(ephPriv, recipient[:])
		if err != nil {
			return fmt.Errorf("%w: recipient key rejected: %v", ErrKeyFormat, err)
		}
		defer clear(shared)

		return withKeyBuffer(func(kek []byte) error {
			if err := deriveWrapKey(kek, shared, ephPub, recipient[:]); err != nil {
				return err
			}
			aead, err := chacha20poly1305.New(kek)
			if err != nil {
				return err
			}
			out := make([]byte, 0, WrappedKeySize)
			out = append(out, ephPub...)
			wrapped = aead.Seal(out, wrapNonce[:], key, ephPub)
			return nil
		})
	})
	return wrapped, err
}

func unwrapKey(wrapped []byte, holder PrivateKey, key []byte) error {
	if len(wrapped) != WrappedKeySize {
		return ErrDecryption
	}
	ephPub := wrapped[:KeySize]
	holderPub, err := curve25519.X25519(holder[:], curve25519.Basepoint)
	if err != nil {
		return ErrDecryption
	}
	shared, err := curve25519.X25519(holder[:], ephPub)
	if err != nil {
		return ErrDecryption
	}
	defer clear(shared)

	return withKeyBuffer(func(kek []byte) error {
		if err := deriveWrapKey(kek, shared, ephPub, holderPub); err != nil {
			return ErrDecryption
		}
		aead, err := chacha20poly1305.New(kek)
		if err != nil {
			return ErrDecryption
		}
		if _, err := aead.Open(key[:0], wrapNonce[:], wrapped[KeySize:], ephPub); err != nil {
			return ErrDecryption
		}
		return nil
	})
}

func deriveWrapKey(dst, shared, ephPub, recipientPub []byte) error {
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfoWrap))
	if _, err := io.ReadFull(kdf, dst); err != nil {
		return fmt.Errorf("envelope: derive wrap key: %w", err)
	}
	return nil
}

// withKeyBuffer hands fn a KeySize scratch buffer that is zeroed on every
// return path, including panics and failed decryption.
func withKeyBuffer(fn func(buf []byte) error) error {
	buf := make([]byte, KeySize)
	defer clear(buf)
	return fn(buf)
}
