package listener

import (
	"crypto/rand"
	"testing"

	"github.com/orinsid/sosistab/crypt"
)

func randomKey(t *testing.T) [crypt.KeySize]byte {
	t.Helper()
	var k [crypt.KeySize]byte
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return k
}

func TestTokenRoundTrip(t *testing.T) {
	key := randomKey(t)
	in := tokenInfo{
		sessKey:    randomKey(t),
		initTimeMS: 1700000000123,
		version:    3,
	}
	out, ok := decryptToken(key, in.encrypt(key))
	if !ok {
		t.Fatalf("token did not decrypt")
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestTokenWrongKeyRejected(t *testing.T) {
	enc := tokenInfo{version: 3}.encrypt(randomKey(t))
	if _, ok := decryptToken(randomKey(t), enc); ok {
		t.Fatalf("token decrypted under a different key")
	}
}

func TestTokenGarbageRejected(t *testing.T) {
	key := randomKey(t)
	if _, ok := decryptToken(key, []byte("nonsense")); ok {
		t.Fatalf("garbage token accepted")
	}
	if _, ok := decryptToken(key, nil); ok {
		t.Fatalf("nil token accepted")
	}
}

func TestTokenOpaqueSize(t *testing.T) {
	enc := tokenInfo{version: 3}.encrypt(randomKey(t))
	// nonce + body + tag: small and fixed, roughly 76 bytes on the wire.
	want := crypt.NonceSize + tokenInfoLen + crypt.TagSize
	if len(enc) != want {
		t.Fatalf("token is %d bytes, want %d", len(enc), want)
	}
}
