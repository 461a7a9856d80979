package codec

import (
	"encoding/binary"
	"errors"
	"poolrpc/message"
)

var errShortBuffer = errors.New("BinaryCodec: short buffer")

type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.ServiceMethod) > 0xffff || len(msg.Error) > 0xffff {
		return nil, errors.New("BinaryCodec: string field too long")
	}
	total := 2 + len(msg.ServiceMethod) + 4 + len(msg.Payload) + 2 + len(msg.Error)
	buf := make([]byte, 0, total)

	// ServiceMethod: 2-byte length + bytes
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)

	// Payload: 4-byte length + bytes
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)

	// Error: 2-byte length + bytes
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	offset := 0
	next := func(n int) ([]byte, error) {
		if n < 0 || offset+n > len(data) {
			return nil, errShortBuffer
		}
		b := data[offset : offset+n]
		offset += n
		return b, nil
	}

	b, err := next(2)
	if err != nil {
		return err
	}
	if b, err = next(int(binary.BigEndian.Uint16(b))); err != nil {
		return err
	}
	msg.ServiceMethod = string(b)

	if b, err = next(4); err != nil {
		return err
	}
	if b, err = next(int(binary.BigEndian.Uint32(b))); err != nil {
		return err
	}
	msg.Payload = append([]byte(nil), b...)

	if b, err = next(2); err != nil {
		return err
	}
	if b, err = next(int(binary.BigEndian.Uint16(b))); err != nil {
		return err
	}
	msg.Error = string(b)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
