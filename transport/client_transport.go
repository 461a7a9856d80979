// Package transport implements the engine client: a multiplexed framed
// connection (ClientTransport) and a bounded object pool (Pool) used to
// keep such connections for reuse.
//
// ClientTransport allows concurrent calls over a single TCP connection. Each
// request gets a sequence number and recvLoop routes every response to the
// caller waiting on that number.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"poolrpc/codec"
	"poolrpc/message"
	"poolrpc/protocol"
)

// DefaultHeartbeat is the heartbeat interval used when none is configured.
const DefaultHeartbeat = 30 * time.Second

// ErrTransportClosed is returned by Close on an already closed transport and
// by Send after Close.
var ErrTransportClosed = errors.New("transport: closed")

// RemoteError is a failure reported by the remote handler. The connection
// that carried it is still framed correctly.
type RemoteError struct {
	ServiceMethod string
	Message       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.ServiceMethod, e.Message)
}

// Result is what a pending caller receives: a response, or the error that
// broke the connection.
type Result struct {
	Msg *message.RPCMessage
	Err error
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32 // guarded by sending
	pending sync.Map
	sending sync.Mutex // serializes frame writes

	readClosed  atomic.Bool
	writeClosed atomic.Bool
	closed      atomic.Bool
	done        chan struct{}
}

// Option configures a ClientTransport.
type Option func(*options)

type options struct {
	heartbeat time.Duration
}

// WithHeartbeat sets the heartbeat interval. Zero or negative disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// NewClientTransport wraps conn and starts two background goroutines:
//   - recvLoop: reads responses and dispatches them to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames so a dead peer is noticed on write
func NewClientTransport(conn net.Conn, codecType codec.CodecType, opts ...Option) *ClientTransport {
	o := options{heartbeat: DefaultHeartbeat}
	for _, opt := range opts {
		opt(&o)
	}
	t := &ClientTransport{
		conn:  conn,
		codec: codecType,
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	if o.heartbeat > 0 {
		go t.heartbeatLoop(o.heartbeat)
	}
	return t
}

// Send serializes and sends an RPC request over the connection.
// It returns the sequence number and a channel that will receive the outcome.
func (t *ClientTransport) Send(serviceMethod string, args any) (uint32, <-chan Result, error) {
	if t.closed.Load() {
		return 0, nil, ErrTransportClosed
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, err
	}
	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
	})
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}

	// Register before writing so recvLoop cannot miss a fast response.
	respChan := make(chan Result, 1)
	t.pending.Store(seq, respChan)
	// recvLoop marks the read side before failing pending callers.
	if t.readClosed.Load() {
		t.pending.Delete(seq)
		return 0, nil, ErrTransportClosed
	}

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		t.writeClosed.Store(true)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// Call sends a request and waits for its response. The reply payload is
// decoded into reply.
//
// A handler failure is returned as *RemoteError. Transport and context errors
// are returned as they are.
func (t *ClientTransport) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	seq, ch, err := t.Send(serviceMethod, args)
	if err != nil {
		return err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		if res.Msg.Failed() {
			return &RemoteError{ServiceMethod: serviceMethod, Message: res.Msg.Error}
		}
		if reply == nil {
			return nil
		}
		return json.Unmarshal(res.Msg.Payload, reply)
	case <-ctx.Done():
		t.pending.Delete(seq)
		return ctx.Err()
	}
}

// recvLoop is the only reader of the connection. Frames must be read
// sequentially to keep frame boundaries.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.readClosed.Store(true)
			t.closeAllPending(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = &message.RPCMessage{Error: fmt.Sprintf("decode response: %v", err)}
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan Result) <- Result{Msg: resp}
		}
	}
}

// closeAllPending fails every waiting caller with the error that broke the connection.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		if ch, ok := t.pending.LoadAndDelete(key); ok {
			ch.(chan Result) <- Result{Err: err}
		}
		return true
	})
}

// heartbeatLoop writes an empty heartbeat frame every interval. A failed
// write marks the write side closed.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-t.done:
			return
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.writeClosed.Store(true)
			return
		}
	}
}

// IsOpen reports whether both the read and the write side are usable.
func (t *ClientTransport) IsOpen() bool {
	return !t.closed.Load() && !t.readClosed.Load() && !t.writeClosed.Load()
}

// RemoteAddr returns the peer address.
func (t *ClientTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// Close closes both directions of the connection. Calls after the first
// return ErrTransportClosed.
func (t *ClientTransport) Close() error {
	if t.closed.Swap(true) {
		return ErrTransportClosed
	}
	close(t.done)
	t.readClosed.Store(true)
	t.writeClosed.Store(true)
	return t.conn.Close()
}
