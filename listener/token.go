package listener

import (
	"encoding/binary"

	"github.com/orinsid/sosistab/crypt"
)

// tokenInfo is everything the server needs to reconstruct a session from a
// ClientResume. It travels to the client AEAD-encrypted under a process-local
// key, so the server keeps no per-handshake state: the resume token IS the
// state.
type tokenInfo struct {
	sessKey    [crypt.KeySize]byte
	initTimeMS uint64
	version    uint64
}

const tokenInfoLen = crypt.KeySize + 8 + 8

func (t tokenInfo) encrypt(key [crypt.KeySize]byte) []byte {
	buf := make([]byte, 0, tokenInfoLen)
	buf = append(buf, t.sessKey[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, t.initTimeMS)
	buf = binary.LittleEndian.AppendUint64(buf, t.version)
	return crypt.NewLegacyAEAD(key).Encrypt(buf)
}

func decryptToken(key [crypt.KeySize]byte, b []byte) (tokenInfo, bool) {
	pt := crypt.NewLegacyAEAD(key).Decrypt(b)
	if len(pt) != tokenInfoLen {
		return tokenInfo{}, false
	}
	var t tokenInfo
	copy(t.sessKey[:], pt[:crypt.KeySize])
	t.initTimeMS = binary.LittleEndian.Uint64(pt[crypt.KeySize:])
	t.version = binary.LittleEndian.Uint64(pt[crypt.KeySize+8:])
	return t, true
}
