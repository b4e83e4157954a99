package crypt

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

// KeySize is the byte length of X25519 keys and derived symmetric keys.
const KeySize = 32

var (
	// ErrBadKeyLength indicates a key that is not exactly KeySize bytes.
	ErrBadKeyLength = errors.New("bad key length")
	// ErrLowOrderPoint indicates an ECDH result of all zeros.
	ErrLowOrderPoint = errors.New("low-order curve point")
)

// PubKey is an X25519 public key.
type PubKey [KeySize]byte

// SecKey is an X25519 secret key.
type SecKey [KeySize]byte

// PubKeyFromBytes copies b into a PubKey, rejecting wrong lengths.
func PubKeyFromBytes(b []byte) (PubKey, error) {
	var pk PubKey
	if len(b) != KeySize {
		return pk, ErrBadKeyLength
	}
	copy(pk[:], b)
	return pk, nil
}

// GenerateKeypair creates a fresh X25519 keypair from crypto/rand.
func GenerateKeypair() (SecKey, PubKey, error) {
	var sk SecKey
	if _, err := rand.Read(sk[:]); err != nil {
		return SecKey{}, PubKey{}, fmt.Errorf("generate secret key: %w", err)
	}
	pk, err := sk.Public()
	if err != nil {
		return SecKey{}, PubKey{}, err
	}
	return sk, pk, nil
}

// SecKeyFromSeed derives a deterministic secret key from arbitrary seed bytes.
// Intended for tests and the bench harness, never for production identities.
func SecKeyFromSeed(seed []byte) SecKey {
	var sk SecKey
	sum := blake3.Sum256(seed)
	copy(sk[:], sum[:])
	return sk
}

// Public computes the public key for sk.
func (sk SecKey) Public() (PubKey, error) {
	out, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return PubKey{}, fmt.Errorf("compute public key: %w", err)
	}
	var pk PubKey
	copy(pk[:], out)
	return pk, nil
}

func dh(sk SecKey, pk PubKey) ([]byte, error) {
	out, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	allZero := true
	for _, b := range out {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, ErrLowOrderPoint
	}
	return out, nil
}

// TripleECDH computes the session key from the three Diffie-Hellman products
// between {my long, my ephemeral} and {their long, their ephemeral}.
//
// The products are hashed in a role-independent order (long x eph, eph x long,
// eph x eph), so the server calling TripleECDH(serverLong, serverEph,
// clientLongPK, clientEphPK) and the client calling TripleECDH(clientLong,
// clientEph, serverLongPK, serverEphPK) arrive at the same 32 bytes.
func TripleECDH(myLong SecKey, myEph SecKey, theirLong PubKey, theirEph PubKey) ([KeySize]byte, error) {
	var zero [KeySize]byte
	p1, err := dh(myLong, theirEph)
	if err != nil {
		return zero, err
	}
	p2, err := dh(myEph, theirLong)
	if err != nil {
		return zero, err
	}
	p3, err := dh(myEph, theirEph)
	if err != nil {
		return zero, err
	}
	// Both roles see the same three shared points; only the order in which
	// p1 and p2 were computed differs, so sort them into a canonical order.
	a, b := p1, p2
	if lexLess(p2, p1) {
		a, b = p2, p1
	}
	h := blake3.New(KeySize, nil)
	_, _ = h.Write(a)
	_, _ = h.Write(b)
	_, _ = h.Write(p3)
	var out [KeySize]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

func lexLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

var (
	upKeyTag = blake3.Sum256([]byte("sosistab-subkey-up"))
	dnKeyTag = blake3.Sum256([]byte("sosistab-subkey-dn"))
)

// UpSubKey derives the client-to-server directional key from a session key.
func UpSubKey(sessKey [KeySize]byte) [KeySize]byte {
	return keyedHash(upKeyTag, sessKey[:])
}

// DnSubKey derives the server-to-client directional key from a session key.
func DnSubKey(sessKey [KeySize]byte) [KeySize]byte {
	return keyedHash(dnKeyTag, sessKey[:])
}

func keyedHash(key [KeySize]byte, msg []byte) [KeySize]byte {
	h := blake3.New(KeySize, key[:])
	_, _ = h.Write(msg)
	var out [KeySize]byte
	copy(out[:], h.Sum(nil))
	return out
}
