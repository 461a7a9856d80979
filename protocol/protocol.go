// Package protocol implements the framing used between the engine client and server.
//
// Every frame is a fixed 14-byte header followed by a body of the length the
// header announces:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ prp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic identifies a frame; peers speaking anything else (an HTTP client on
// the wrong port) are rejected on the first header.
var Magic = [3]byte{'p', 'r', 'p'}

const (
	Version    byte = 0x01
	HeaderSize int  = 14

	// MaxBodyLen bounds the allocation made for a single frame body.
	MaxBodyLen uint32 = 16 << 20
)

// ErrBadFrame is wrapped by every header validation error. A connection that
// produced one is out of sync and must be closed.
var ErrBadFrame = errors.New("protocol: bad frame")

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // no body
)

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON    byte = 0
	CodecTypeBinary  byte = 1
	CodecTypeCompact byte = 2
)

// Header is the fixed frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // matches a response to its request
	BodyLen   uint32
}

func (h *Header) put(buf []byte) {
	copy(buf[0:3], Magic[:])
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
}

func parseHeader(buf []byte) (*Header, error) {
	switch {
	case [3]byte(buf[0:3]) != Magic:
		return nil, fmt.Errorf("%w: invalid magic number %x", ErrBadFrame, buf[0:3])
	case buf[3] != Version:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, buf[3])
	case buf[4] > CodecTypeCompact:
		return nil, fmt.Errorf("%w: unsupported codec type %d", ErrBadFrame, buf[4])
	case buf[5] > byte(MsgTypeHeartbeat):
		return nil, fmt.Errorf("%w: unsupported message type %d", ErrBadFrame, buf[5])
	}
	h := &Header{
		CodecType: buf[4],
		MsgType:   MsgType(buf[5]),
		Seq:       binary.BigEndian.Uint32(buf[6:10]),
		BodyLen:   binary.BigEndian.Uint32(buf[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, fmt.Errorf("%w: frame body too large: %d bytes", ErrBadFrame, h.BodyLen)
	}
	return h, nil
}

// Encode writes header and body to w as one Write, so concurrent writers
// only need to serialize calls. h.BodyLen is ignored and set from body.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return fmt.Errorf("%w: frame body too large: %d bytes", ErrBadFrame, len(body))
	}
	hdr := *h
	hdr.BodyLen = uint32(len(body))
	buf := make([]byte, HeaderSize+len(body))
	hdr.put(buf)
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r. Read errors are returned unchanged; header
// validation errors wrap ErrBadFrame.
func Decode(r io.Reader) (*Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}
	h, err := parseHeader(hdr[:])
	if err != nil {
		return nil, nil, err
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
