// Package protocol defines the handshake wire frames exchanged before a
// session exists. Integers are little-endian; byte strings are
// length-prefixed. Frame variants belonging to the stream multiplex are
// carried opaquely and ignored by the listener.
package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/orinsid/sosistab/crypt"
)

// Frame tags.
const (
	TagClientHello  uint8 = 1
	TagServerHello  uint8 = 2
	TagClientResume uint8 = 3
)

var (
	// ErrShortFrame indicates a truncated frame body.
	ErrShortFrame = errors.New("short frame")
	// ErrTooManyFrames indicates a handshake packet carrying more than one frame.
	ErrTooManyFrames = errors.New("too many frames in handshake packet")
	// ErrEmptyPacket indicates a handshake packet carrying no frames.
	ErrEmptyPacket = errors.New("empty handshake packet")
)

const maxTokenLen = 1 << 12

// Frame is one handshake wire frame. Exactly one of the variant pointers is
// set; unknown tags keep Tag and Raw populated so multiplex frames survive a
// decode/encode round trip.
type Frame struct {
	Tag uint8

	ClientHello  *ClientHello
	ServerHello  *ServerHello
	ClientResume *ClientResume

	Raw []byte // Body bytes for unknown tags.
}

// ClientHello opens a handshake. It creates no server state.
type ClientHello struct {
	LongPK  crypt.PubKey
	EphPK   crypt.PubKey
	Version uint64
}

// ServerHello answers a ClientHello with the server keys and a resume token.
type ServerHello struct {
	LongPK      crypt.PubKey
	EphPK       crypt.PubKey
	ResumeToken []byte
}

// ClientResume redeems a resume token on one shard, creating or rebinding a
// session.
type ClientResume struct {
	ResumeToken []byte
	ShardID     uint8
}

// Encode serializes the frame as tag || body.
func (f Frame) Encode() []byte {
	switch f.Tag {
	case TagClientHello:
		h := f.ClientHello
		out := make([]byte, 0, 1+crypt.KeySize*2+8)
		out = append(out, TagClientHello)
		out = append(out, h.LongPK[:]...)
		out = append(out, h.EphPK[:]...)
		out = binary.LittleEndian.AppendUint64(out, h.Version)
		return out
	case TagServerHello:
		h := f.ServerHello
		out := make([]byte, 0, 1+crypt.KeySize*2+2+len(h.ResumeToken))
		out = append(out, TagServerHello)
		out = append(out, h.LongPK[:]...)
		out = append(out, h.EphPK[:]...)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(h.ResumeToken)))
		out = append(out, h.ResumeToken...)
		return out
	case TagClientResume:
		r := f.ClientResume
		out := make([]byte, 0, 1+2+len(r.ResumeToken)+1)
		out = append(out, TagClientResume)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(r.ResumeToken)))
		out = append(out, r.ResumeToken...)
		out = append(out, r.ShardID)
		return out
	default:
		out := make([]byte, 0, 1+len(f.Raw))
		out = append(out, f.Tag)
		out = append(out, f.Raw...)
		return out
	}
}

// Decode parses tag || body into a Frame.
func Decode(b []byte) (Frame, error) {
	if len(b) < 1 {
		return Frame{}, ErrShortFrame
	}
	tag, body := b[0], b[1:]
	switch tag {
	case TagClientHello:
		if len(body) != crypt.KeySize*2+8 {
			return Frame{}, ErrShortFrame
		}
		var h ClientHello
		copy(h.LongPK[:], body[:crypt.KeySize])
		copy(h.EphPK[:], body[crypt.KeySize:crypt.KeySize*2])
		h.Version = binary.LittleEndian.Uint64(body[crypt.KeySize*2:])
		return Frame{Tag: tag, ClientHello: &h}, nil
	case TagServerHello:
		if len(body) < crypt.KeySize*2+2 {
			return Frame{}, ErrShortFrame
		}
		var h ServerHello
		copy(h.LongPK[:], body[:crypt.KeySize])
		copy(h.EphPK[:], body[crypt.KeySize:crypt.KeySize*2])
		n := int(binary.LittleEndian.Uint16(body[crypt.KeySize*2:]))
		rest := body[crypt.KeySize*2+2:]
		if n > maxTokenLen || len(rest) != n {
			return Frame{}, ErrShortFrame
		}
		h.ResumeToken = append([]byte(nil), rest...)
		return Frame{Tag: tag, ServerHello: &h}, nil
	case TagClientResume:
		if len(body) < 3 {
			return Frame{}, ErrShortFrame
		}
		n := int(binary.LittleEndian.Uint16(body))
		if n > maxTokenLen || len(body) != 2+n+1 {
			return Frame{}, ErrShortFrame
		}
		var r ClientResume
		r.ResumeToken = append([]byte(nil), body[2:2+n]...)
		r.ShardID = body[2+n]
		return Frame{Tag: tag, ClientResume: &r}, nil
	default:
		return Frame{Tag: tag, Raw: append([]byte(nil), body...)}, nil
	}
}

// EncodePacket serializes a handshake packet body: count || (len || frame)*.
func EncodePacket(frames []Frame) []byte {
	out := []byte{uint8(len(frames))}
	for _, f := range frames {
		enc := f.Encode()
		out = binary.LittleEndian.AppendUint16(out, uint16(len(enc)))
		out = append(out, enc...)
	}
	return out
}

// DecodePacket parses a handshake packet body into frames.
func DecodePacket(b []byte) ([]Frame, error) {
	if len(b) < 1 {
		return nil, ErrEmptyPacket
	}
	count := int(b[0])
	if count == 0 {
		return nil, ErrEmptyPacket
	}
	rest := b[1:]
	frames := make([]Frame, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < 2 {
			return nil, ErrShortFrame
		}
		n := int(binary.LittleEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < n {
			return nil, ErrShortFrame
		}
		f, err := Decode(rest[:n])
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, ErrShortFrame
	}
	return frames, nil
}

// DecodeHandshakePacket parses a handshake packet and enforces the
// single-frame rule for pre-session traffic.
func DecodeHandshakePacket(b []byte) (Frame, error) {
	frames, err := DecodePacket(b)
	if err != nil {
		return Frame{}, err
	}
	if len(frames) != 1 {
		return Frame{}, ErrTooManyFrames
	}
	return frames[0], nil
}
