package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeCompact,
		MsgType:   MsgTypeRequest,
		Seq:       12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("frame size = %d, want %d", buf.Len(), HeaderSize+len(body))
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := Header{CodecType: CodecTypeCompact, MsgType: MsgTypeRequest, Seq: 12345, BodyLen: 11}
	if *decodedHeader != want {
		t.Errorf("header mismatch: got %+v, want %+v", *decodedHeader, want)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", decodedBody, body)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeRequest), 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}
	if !errors.Is(err, ErrBadFrame) || !strings.Contains(err.Error(), "invalid magic number") {
		t.Errorf("Decode error = %v, want ErrBadFrame about the magic number", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{
		MsgType: MsgTypeHeartbeat,
		Seq:     12345,
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeHeartbeat)
	}
	if decodedHeader.BodyLen != 0 || len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeRejectsHeader(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		frame []byte
		want  string
	}{
		{
			desc:  "version",
			frame: []byte{Magic[0], Magic[1], Magic[2], 0xFF, CodecTypeJSON, byte(MsgTypeRequest), 0, 0, 0, 1, 0, 0, 0, 0},
			want:  "unsupported version",
		},
		{
			desc:  "codec",
			frame: []byte{Magic[0], Magic[1], Magic[2], Version, 7, byte(MsgTypeRequest), 0, 0, 0, 1, 0, 0, 0, 0},
			want:  "unsupported codec type",
		},
		{
			desc:  "message type",
			frame: []byte{Magic[0], Magic[1], Magic[2], Version, CodecTypeBinary, 9, 0, 0, 0, 1, 0, 0, 0, 0},
			want:  "unsupported message type",
		},
		{
			desc:  "body length",
			frame: []byte{Magic[0], Magic[1], Magic[2], Version, CodecTypeBinary, byte(MsgTypeRequest), 0, 0, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF},
			want:  "frame body too large",
		},
	} {
		_, _, err := Decode(bytes.NewReader(tc.frame))
		if !errors.Is(err, ErrBadFrame) || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: Decode error = %v, want containing %q", tc.desc, err, tc.want)
		}
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeBinary,
		MsgType:   MsgTypeRequest,
		Seq:       999,
	}
	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeResponse, Seq: 1}, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	frame := buf.Bytes()[:buf.Len()-4]
	if _, _, err := Decode(bytes.NewReader(frame)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Decode of truncated body = %v, want io.ErrUnexpectedEOF", err)
	}
}
