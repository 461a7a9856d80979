// Package server implements the provider side: the RPC engine that serves
// registered handlers, the registration guard that keeps the instance
// advertised in the registry, and the lifecycle that ties both together.
//
// Request processing pipeline:
//
//	Accept conn → I/O goroutine queue → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing, optional worker bound)
//	    → Codec.Decode → Middleware Chain → businessHandler (Handler.Call) → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"poolrpc/codec"
	"poolrpc/log"
	"poolrpc/message"
	"poolrpc/middleware"
	"poolrpc/protocol"
)

// ErrEngineStopped is returned by Serve after Stop.
var ErrEngineStopped = errors.New("rpc: engine stopped")

// EngineConfig tunes the engine. Start from DefaultEngineConfig: the zero
// Protocol is JSON.
type EngineConfig struct {
	// Protocol is the codec the engine speaks. Requests in another codec are
	// answered with an error.
	Protocol codec.CodecType
	// IOThreads is the number of goroutines accepted connections are handed to.
	IOThreads int
	// Workers bounds concurrently running requests. Zero is unbounded.
	Workers int
	// AcceptQueue is the depth of each I/O goroutine's handoff queue.
	AcceptQueue int
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Protocol:    codec.CodecTypeCompact,
		IOThreads:   2,
		Workers:     0,
		AcceptQueue: 4,
	}
}

func (c EngineConfig) normalize() EngineConfig {
	d := DefaultEngineConfig()
	if !c.Protocol.Valid() {
		c.Protocol = d.Protocol
	}
	if c.IOThreads <= 0 {
		c.IOThreads = d.IOThreads
	}
	if c.Workers < 0 {
		c.Workers = 0
	}
	if c.AcceptQueue <= 0 {
		c.AcceptQueue = d.AcceptQueue
	}
	return c
}

// Engine serves handlers over the framed protocol.
type Engine struct {
	cfg         EngineConfig
	services    map[string]Handler      // "Echo" → Handler
	middlewares []middleware.Middleware // applied in the order they were added
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))
	workers     *semaphore.Weighted     // nil when unbounded
	logger      log.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopping bool
	inflight sync.WaitGroup // in-flight requests; Add only under mu while !stopping

	serving  atomic.Bool
	stopOnce sync.Once
}

// NewEngine creates an engine serving handlers, keyed by service name.
func NewEngine(cfg EngineConfig, handlers map[string]Handler) *Engine {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		services: make(map[string]Handler, len(handlers)),
		logger:   log.FromContext(ctx),
		baseCtx:  ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
	for name, h := range handlers {
		e.services[name] = h
	}
	if cfg.Workers > 0 {
		e.workers = semaphore.NewWeighted(int64(cfg.Workers))
	}
	return e
}

// Register adds a handler for service. It must be called before Serve.
func (e *Engine) Register(service string, h Handler) error {
	if e.serving.Load() {
		return fmt.Errorf("rpc: register %s: engine already serving", service)
	}
	if _, dup := e.services[service]; dup {
		return fmt.Errorf("rpc: service already defined: %s", service)
	}
	e.services[service] = h
	return nil
}

// Services returns the registered service names.
func (e *Engine) Services() []string {
	names := make([]string, 0, len(e.services))
	for name := range e.services {
		names = append(names, name)
	}
	return names
}

// Use registers a middleware. It must be called before Serve.
func (e *Engine) Use(mw middleware.Middleware) {
	e.middlewares = append(e.middlewares, mw)
}

// Config returns the normalized configuration.
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// Serve accepts connections on ln until Stop. It returns nil after Stop and
// the accept error otherwise.
func (e *Engine) Serve(ln net.Listener) error {
	if e.serving.Swap(true) {
		return errors.New("rpc: engine already serving")
	}
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		ln.Close()
		return ErrEngineStopped
	}
	e.listener = ln
	e.mu.Unlock()

	// Chain(A, B, C)(handler) → A(B(C(handler)))
	e.handler = middleware.Chain(e.middlewares...)(e.businessHandler)

	queues := make([]chan net.Conn, e.cfg.IOThreads)
	var io sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan net.Conn, e.cfg.AcceptQueue)
		io.Add(1)
		go func(q <-chan net.Conn) {
			defer io.Done()
			for conn := range q {
				go e.handleConn(conn)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		io.Wait()
	}()

	e.logger.Infof("engine serving on %s (%s, %d io threads)", ln.Addr(), e.cfg.Protocol, e.cfg.IOThreads)
	for i := 0; ; i++ {
		conn, err := ln.Accept()
		if err != nil {
			if e.isStopping() {
				return nil
			}
			return err
		}
		queues[i%len(queues)] <- conn
	}
}

// Addr returns the listener address, or nil before Serve.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Engine) isStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

func (e *Engine) trackConn(conn net.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return false
	}
	e.conns[conn] = struct{}{}
	return true
}

func (e *Engine) untrackConn(conn net.Conn) {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
}

// beginRequest registers an in-flight request unless the engine is stopping.
func (e *Engine) beginRequest() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return false
	}
	e.inflight.Add(1)
	return true
}

// handleConn processes a single TCP connection.
// Frames are read by this goroutine only, so frame boundaries are kept, and
// each request is served on its own goroutine. The per-connection writeMu
// keeps concurrent responses from interleaving.
func (e *Engine) handleConn(conn net.Conn) {
	if !e.trackConn(conn) {
		conn.Close()
		return
	}
	defer func() {
		e.untrackConn(conn)
		conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrBadFrame) {
				e.logger.Warnf("rpc: closing %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if header.MsgType != protocol.MsgTypeRequest {
			e.logger.Warnf("rpc: %s sent unexpected frame type %d", conn.RemoteAddr(), header.MsgType)
			continue
		}
		// Requests arriving during Stop are dropped; the connection is
		// closed once in-flight requests are answered.
		if !e.beginRequest() {
			continue
		}
		go e.handleRequest(header, body, conn, writeMu)
	}
}

// handleRequest runs decode → middleware → business logic → encode → write.
func (e *Engine) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer e.inflight.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := &message.RPCMessage{}
	var resp *message.RPCMessage
	switch {
	case codec.CodecType(header.CodecType) != e.cfg.Protocol:
		resp = &message.RPCMessage{
			Error: fmt.Sprintf("rpc: unsupported protocol %s, server speaks %s", codec.CodecType(header.CodecType), e.cfg.Protocol),
		}
	default:
		if err := c.Decode(body, req); err != nil {
			resp = &message.RPCMessage{Error: fmt.Sprintf("rpc: decode request: %v", err)}
			break
		}
		resp = e.serve(req)
	}

	result, err := c.Encode(resp)
	if err != nil {
		e.logger.Errorf("rpc: encode response for %s: %v", req.ServiceMethod, err)
		return
	}
	// The response keeps the request's Seq so the client can match it.
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		e.logger.Warnf("rpc: write response for %s to %s: %v", req.ServiceMethod, conn.RemoteAddr(), err)
	}
}

func (e *Engine) serve(req *message.RPCMessage) *message.RPCMessage {
	ctx := e.baseCtx
	if e.workers != nil {
		if err := e.workers.Acquire(ctx, 1); err != nil {
			return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: fmt.Sprintf("rpc: %v", err)}
		}
		defer e.workers.Release(1)
	}
	return e.handler(ctx, req)
}

// businessHandler dispatches "Service.Method" to the registered Handler.
func (e *Engine) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	resp := &message.RPCMessage{ServiceMethod: req.ServiceMethod}
	service, method, ok := req.Split()
	if !ok {
		resp.Error = fmt.Sprintf("rpc: service/method request ill-formed: %q", req.ServiceMethod)
		return resp
	}
	h, ok := e.services[service]
	if !ok {
		resp.Error = fmt.Sprintf("rpc: can't find service %q", service)
		return resp
	}
	payload, err := h.Call(ctx, method, req.Payload)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Payload = payload
	return resp
}

// Stop shuts the engine down:
//  1. stop accepting connections
//  2. wait for in-flight requests, bounded by ctx
//  3. close open connections
//
// Only the first call does work; later calls return nil.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		err = e.stop(ctx)
	})
	return err
}

func (e *Engine) stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopping = true
	ln := e.listener
	e.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("rpc: waiting for in-flight requests: %w", ctx.Err())
	}
	e.cancel()

	e.mu.Lock()
	for conn := range e.conns {
		conn.Close()
	}
	e.mu.Unlock()
	return err
}
