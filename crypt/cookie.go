package crypt

import (
	"encoding/binary"
	"time"

	"lukechampine.com/blake3"
)

// EpochPeriod is how long each cookie key epoch lasts.
const EpochPeriod = time.Hour

// Cookie derives the rotating symmetric keys used to frame handshake
// packets. The keys are a pure function of the server's long-term public key
// and wall-clock time, so client and server agree without shared state, and
// a packet in flight across an epoch boundary still decrypts.
type Cookie struct {
	longPK PubKey
	now    func() time.Time
}

// NewCookie builds a Cookie for the given server public key.
func NewCookie(longPK PubKey) *Cookie {
	return &Cookie{longPK: longPK, now: time.Now}
}

// NewCookieAt builds a Cookie with an explicit clock, for tests.
func NewCookieAt(longPK PubKey, now func() time.Time) *Cookie {
	return &Cookie{longPK: longPK, now: now}
}

// GenerateC2S returns the client-to-server keys for the current and adjacent
// epochs, current epoch first.
func (c *Cookie) GenerateC2S() [][KeySize]byte {
	return c.generate("sosistab-cookie-c2s")
}

// GenerateS2C returns the server-to-client keys for the current and adjacent
// epochs, current epoch first.
func (c *Cookie) GenerateS2C() [][KeySize]byte {
	return c.generate("sosistab-cookie-s2c")
}

func (c *Cookie) generate(tag string) [][KeySize]byte {
	epoch := uint64(c.now().Unix()) / uint64(EpochPeriod/time.Second)
	out := make([][KeySize]byte, 0, 3)
	// Current epoch first so the common case succeeds on the first try.
	for _, e := range []uint64{epoch, epoch - 1, epoch + 1} {
		out = append(out, epochKey(tag, e, c.longPK))
	}
	return out
}

func epochKey(tag string, epoch uint64, longPK PubKey) [KeySize]byte {
	buf := make([]byte, 0, len(tag)+8)
	buf = append(buf, tag...)
	buf = binary.LittleEndian.AppendUint64(buf, epoch)
	return keyedHash(blake3.Sum256(buf), longPK[:])
}
