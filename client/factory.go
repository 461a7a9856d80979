package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"poolrpc/codec"
	"poolrpc/log"
	"poolrpc/registry"
	"poolrpc/transport"
)

// ErrNoProviderAvailable is returned when no instance of the service is known.
// It wraps the discovery error that caused it.
var ErrNoProviderAvailable = errors.New("client: no provider available")

// DefaultDialTimeout bounds connecting to a provider.
const DefaultDialTimeout = 3 * time.Second

// ConnectError reports a failed connection to a selected provider.
type ConnectError struct {
	Endpoint registry.Endpoint
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("client: connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Selector picks a provider endpoint. *discovery.Cache is a Selector.
type Selector interface {
	Select() (registry.Endpoint, error)
}

// ConnFactory creates pooled connections to the providers chosen by a Selector.
type ConnFactory struct {
	selector    Selector
	protocol    codec.CodecType
	dialTimeout time.Duration
	heartbeat   time.Duration
	logger      log.Logger
}

var _ transport.Factory[*transport.ClientTransport] = (*ConnFactory)(nil)

// FactoryOption configures a ConnFactory.
type FactoryOption func(*ConnFactory)

// WithFactoryLogger sets the logger.
func WithFactoryLogger(l log.Logger) FactoryOption {
	return func(f *ConnFactory) { f.logger = l }
}

// NewConnFactory returns a factory dialing endpoints from sel and speaking
// protocol. A zero dialTimeout uses DefaultDialTimeout; a zero heartbeat
// uses transport.DefaultHeartbeat.
func NewConnFactory(sel Selector, protocol codec.CodecType, dialTimeout, heartbeat time.Duration, opts ...FactoryOption) *ConnFactory {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if heartbeat == 0 {
		heartbeat = transport.DefaultHeartbeat
	}
	f := &ConnFactory{
		selector:    sel,
		protocol:    protocol,
		dialTimeout: dialTimeout,
		heartbeat:   heartbeat,
		logger:      log.FromContext(context.Background()),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Create selects a provider and connects to it.
func (f *ConnFactory) Create(ctx context.Context) (*transport.ClientTransport, error) {
	ep, err := f.selector.Select()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoProviderAvailable, err)
	}
	d := net.Dialer{Timeout: f.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, &ConnectError{Endpoint: ep, Err: err}
	}
	log.FromContext(ctx).Debugf("client: connected to %s", ep)
	return transport.NewClientTransport(conn, f.protocol, transport.WithHeartbeat(f.heartbeat)), nil
}

// Validate reports whether t can carry another call.
func (f *ConnFactory) Validate(t *transport.ClientTransport) bool {
	return t.IsOpen()
}

// Destroy closes t. Closing an already closed transport is logged and
// is not an error.
func (f *ConnFactory) Destroy(t *transport.ClientTransport) error {
	err := t.Close()
	if errors.Is(err, transport.ErrTransportClosed) {
		f.logger.Warnf("client: connection to %s already closed", t.RemoteAddr())
		return nil
	}
	return err
}
