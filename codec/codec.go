// Package codec serializes message.RPCMessage envelopes for the wire.
//
// Three formats are available, selected per connection by the frame header:
//   - Compact: protobuf wire format (varint tags and lengths), the default
//   - Binary:  fixed-width big-endian length prefixes
//   - JSON:    human-readable, easy to debug
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeBinary  CodecType = 1
	CodecTypeCompact CodecType = 2
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType. Unknown types fall back to Binary.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeCompact:
		return &CompactCodec{}
	}
	return &BinaryCodec{}
}

// Valid reports whether t names a known codec.
func (t CodecType) Valid() bool {
	return t <= CodecTypeCompact
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeCompact:
		return "compact"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// ParseCodecType maps a protocol name ("compact", "binary", "json") to its CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "compact":
		return CodecTypeCompact, nil
	case "binary":
		return CodecTypeBinary, nil
	case "json":
		return CodecTypeJSON, nil
	}
	return 0, fmt.Errorf("codec: unknown protocol %q", name)
}
