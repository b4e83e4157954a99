package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

const (
	// NonceSize is the AEAD nonce length prepended to every ciphertext.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the Poly1305 tag length appended to every ciphertext.
	TagSize = chacha20poly1305.Overhead
)

// LegacyAEAD is the original sosistab framing: ChaCha20-Poly1305 with a
// random prepended nonce, plus a padded variant used for handshake packets.
type LegacyAEAD struct {
	aead cipher.AEAD
}

// NewLegacyAEAD builds a LegacyAEAD from a 32-byte key.
func NewLegacyAEAD(key [KeySize]byte) *LegacyAEAD {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		// chacha20poly1305.New only fails on a wrong key length, which the
		// fixed-size parameter rules out.
		panic(err)
	}
	return &LegacyAEAD{aead: aead}
}

// Encrypt seals pt under a fresh random nonce. Output: nonce || ct || tag.
func (c *LegacyAEAD) Encrypt(pt []byte) []byte {
	out := make([]byte, NonceSize, NonceSize+len(pt)+TagSize)
	if _, err := rand.Read(out[:NonceSize]); err != nil {
		panic(err)
	}
	return c.aead.Seal(out, out[:NonceSize], pt, nil)
}

// Decrypt opens nonce || ct || tag. Returns nil on any failure.
func (c *LegacyAEAD) Decrypt(b []byte) []byte {
	if len(b) < NonceSize+TagSize {
		return nil
	}
	pt, err := c.aead.Open(nil, b[:NonceSize], b[NonceSize:], nil)
	if err != nil {
		return nil
	}
	return pt
}

// PadEncryptV1 seals body after padding it with a length-prefixed random
// tail so the ciphertext plaintext is exactly padTo bytes (handshake packets
// are indistinguishable by size). Bodies that do not fit padTo are sealed
// unpadded.
func (c *LegacyAEAD) PadEncryptV1(body []byte, padTo int) []byte {
	inner := make([]byte, 2+len(body))
	binary.LittleEndian.PutUint16(inner, uint16(len(body)))
	copy(inner[2:], body)
	if len(inner) < padTo {
		tail := make([]byte, padTo-len(inner))
		if _, err := rand.Read(tail); err != nil {
			panic(err)
		}
		inner = append(inner, tail...)
	}
	return c.Encrypt(inner)
}

// PadDecryptV1 reverses PadEncryptV1. Returns nil on any failure.
func (c *LegacyAEAD) PadDecryptV1(b []byte) []byte {
	inner := c.Decrypt(b)
	if len(inner) < 2 {
		return nil
	}
	n := int(binary.LittleEndian.Uint16(inner))
	if 2+n > len(inner) {
		return nil
	}
	return inner[2 : 2+n]
}

// NgAEAD is the compact framing spoken by newer peers: nonce || ct || tag
// with no padding. Its key is domain-separated from the legacy key so a
// session can tell the two framings apart by trial decryption.
type NgAEAD struct {
	aead cipher.AEAD
}

var ngKeyTag = blake3.Sum256([]byte("sosistab-ng-aead"))

// NewNgAEAD builds an NgAEAD from a 32-byte directional key.
func NewNgAEAD(key [KeySize]byte) *NgAEAD {
	sub := keyedHash(ngKeyTag, key[:])
	aead, err := chacha20poly1305.New(sub[:])
	if err != nil {
		panic(err)
	}
	return &NgAEAD{aead: aead}
}

// Encrypt seals pt under a fresh random nonce. Output: nonce || ct || tag.
func (c *NgAEAD) Encrypt(pt []byte) []byte {
	out := make([]byte, NonceSize, NonceSize+len(pt)+TagSize)
	if _, err := rand.Read(out[:NonceSize]); err != nil {
		panic(err)
	}
	return c.aead.Seal(out, out[:NonceSize], pt, nil)
}

// Decrypt opens nonce || ct || tag. Returns nil on any failure.
func (c *NgAEAD) Decrypt(b []byte) []byte {
	if len(b) < NonceSize+TagSize {
		return nil
	}
	pt, err := c.aead.Open(nil, b[:NonceSize], b[NonceSize:], nil)
	if err != nil {
		return nil
	}
	return pt
}
