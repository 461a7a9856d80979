package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"poolrpc/message"
)

// Field numbers of the compact envelope.
const (
	fieldServiceMethod protowire.Number = 1
	fieldError         protowire.Number = 2
	fieldPayload       protowire.Number = 3
)

// CompactCodec writes the envelope in protobuf wire format: every field is a
// varint tag followed by a varint length and the raw bytes. Empty fields are
// omitted and unknown fields are skipped on decode.
type CompactCodec struct{}

func (c *CompactCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("CompactCodec: v must be *RPCMessage")
	}
	var buf []byte
	if msg.ServiceMethod != "" {
		buf = protowire.AppendTag(buf, fieldServiceMethod, protowire.BytesType)
		buf = protowire.AppendString(buf, msg.ServiceMethod)
	}
	if msg.Error != "" {
		buf = protowire.AppendTag(buf, fieldError, protowire.BytesType)
		buf = protowire.AppendString(buf, msg.Error)
	}
	if len(msg.Payload) > 0 {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg.Payload)
	}
	return buf, nil
}

func (c *CompactCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("CompactCodec: v must be *RPCMessage")
	}
	*msg = message.RPCMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("CompactCodec: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("CompactCodec: bad field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		b, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("CompactCodec: bad field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldServiceMethod:
			msg.ServiceMethod = string(b)
		case fieldError:
			msg.Error = string(b)
		case fieldPayload:
			msg.Payload = append([]byte(nil), b...)
		}
	}
	return nil
}

func (c *CompactCodec) Type() CodecType {
	return CodecTypeCompact
}
