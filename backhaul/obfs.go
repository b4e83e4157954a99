package backhaul

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"

	"github.com/orinsid/sosistab/crypt"
)

// The TCP surrogate wraps each connection in a cheap obfuscation layer gated
// by the server's long-term public key: both sides exchange an ephemeral
// X25519 key authenticated by a keyed hash only holders of the public key can
// compute, then encrypt every subsequent byte (length prefixes included) with
// per-direction ChaCha20 streams. A passive observer sees uniform noise; an
// active prober that does not know the public key gets a silent close.

const (
	obfsHelloSize   = 64 // eph_pk(32) || mac(32)
	obfsMaxFrame    = 1 << 16
	obfsHandshakeTO = 10 * time.Second
)

var errObfsGate = errors.New("obfs gate mismatch")

func obfsGateKey(serverPK crypt.PubKey) [32]byte {
	buf := make([]byte, 0, len("sosistab-obfs-gate")+crypt.KeySize)
	buf = append(buf, "sosistab-obfs-gate"...)
	buf = append(buf, serverPK[:]...)
	return blake3.Sum256(buf)
}

func obfsMAC(gate [32]byte, ephPK []byte) [32]byte {
	h := blake3.New(32, gate[:])
	_, _ = h.Write(ephPK)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func obfsDirKey(tag string, shared []byte) []byte {
	h := blake3.New(chacha20.KeySize, nil)
	_, _ = h.Write([]byte(tag))
	_, _ = h.Write(shared)
	return h.Sum(nil)
}

// obfsConn frames datagrams over an obfuscated byte stream.
type obfsConn struct {
	c   net.Conn
	enc *chacha20.Cipher
	dec *chacha20.Cipher
	rmu sync.Mutex
	wmu sync.Mutex
}

func obfsHello(gate [32]byte) (sk [32]byte, hello [obfsHelloSize]byte, err error) {
	if _, err = rand.Read(sk[:]); err != nil {
		return
	}
	pk, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	mac := obfsMAC(gate, pk)
	copy(hello[:32], pk)
	copy(hello[32:], mac[:])
	return
}

func obfsCheckHello(gate [32]byte, hello []byte) ([]byte, error) {
	mac := obfsMAC(gate, hello[:32])
	if subtle.ConstantTimeCompare(mac[:], hello[32:]) != 1 {
		return nil, errObfsGate
	}
	return hello[:32], nil
}

// newObfsConn runs the gate handshake on c. The client sends first; the
// server stays silent until it has verified the gate, so probes learn
// nothing.
func newObfsConn(c net.Conn, serverPK crypt.PubKey, isClient bool) (*obfsConn, error) {
	gate := obfsGateKey(serverPK)
	_ = c.SetDeadline(time.Now().Add(obfsHandshakeTO))
	defer c.SetDeadline(time.Time{})

	sk, myHello, err := obfsHello(gate)
	if err != nil {
		return nil, err
	}
	var theirHello [obfsHelloSize]byte
	if isClient {
		if _, err := c.Write(myHello[:]); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(c, theirHello[:]); err != nil {
			return nil, err
		}
	} else {
		if _, err := io.ReadFull(c, theirHello[:]); err != nil {
			return nil, err
		}
		if _, err := obfsCheckHello(gate, theirHello[:]); err != nil {
			return nil, err
		}
		if _, err := c.Write(myHello[:]); err != nil {
			return nil, err
		}
	}
	theirPK, err := obfsCheckHello(gate, theirHello[:])
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(sk[:], theirPK)
	if err != nil {
		return nil, err
	}

	c2s := obfsDirKey("sosistab-obfs-c2s", shared)
	s2c := obfsDirKey("sosistab-obfs-s2c", shared)
	nonce := make([]byte, chacha20.NonceSize)
	c2sCipher, err := chacha20.NewUnauthenticatedCipher(c2s, nonce)
	if err != nil {
		return nil, err
	}
	s2cCipher, err := chacha20.NewUnauthenticatedCipher(s2c, nonce)
	if err != nil {
		return nil, err
	}
	oc := &obfsConn{c: c}
	if isClient {
		oc.enc, oc.dec = c2sCipher, s2cCipher
	} else {
		oc.enc, oc.dec = s2cCipher, c2sCipher
	}
	return oc, nil
}

// writeFrame sends one length-prefixed, stream-encrypted datagram.
func (o *obfsConn) writeFrame(payload []byte) error {
	if len(payload) > obfsMaxFrame {
		return fmt.Errorf("frame too large: %d", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	o.wmu.Lock()
	defer o.wmu.Unlock()
	o.enc.XORKeyStream(buf, buf)
	_, err := o.c.Write(buf)
	return err
}

// readFrame receives one datagram.
func (o *obfsConn) readFrame() ([]byte, error) {
	o.rmu.Lock()
	defer o.rmu.Unlock()
	var hdr [4]byte
	if _, err := io.ReadFull(o.c, hdr[:]); err != nil {
		return nil, err
	}
	o.dec.XORKeyStream(hdr[:], hdr[:])
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > obfsMaxFrame {
		return nil, fmt.Errorf("frame too large: %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(o.c, payload); err != nil {
		return nil, err
	}
	o.dec.XORKeyStream(payload, payload)
	return payload, nil
}

func (o *obfsConn) close() error { return o.c.Close() }
