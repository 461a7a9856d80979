package echo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"poolrpc/client"
	"poolrpc/log"
	"poolrpc/middleware"
	"poolrpc/registry"
	"poolrpc/retry"
	"poolrpc/server"
	"poolrpc/transport"
)

func TestMain(m *testing.M) {
	log.SetZapLogger(zap.NewNop())
	m.Run()
}

// countingImpl counts the calls it serves.
type countingImpl struct {
	Impl
	served atomic.Int32
}

func (c *countingImpl) Upper(ctx context.Context, msg string) (string, error) {
	c.served.Add(1)
	return c.Impl.Upper(ctx, msg)
}

func startEcho(t *testing.T, reg registry.Registry, svc Service) *server.Lifecycle {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Port = 0
	cfg.AdvertiseHost = "127.0.0.1"
	l := server.New(cfg, reg, map[string]server.Handler{ServiceName: NewHandler(svc)})
	l.Use(middleware.LoggingMiddleware())
	l.Use(middleware.RecoveryMiddleware())
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Stop(context.Background()) })
	return l
}

func newEchoClient(t *testing.T, reg registry.Registry, pool transport.PoolConfig) (*Client, *client.Client) {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.Pool = pool
	c := client.New(reg, cfg)
	t.Cleanup(func() { c.Close() })
	p, err := c.Proxy(context.Background(), ServiceName)
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(p), c
}

// call retries temporary failures the way a caller is expected to.
func call(ctx context.Context, fn func() error) error {
	policy := retry.Policy{MaxRetry: 50, BaseDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	return policy.Do(ctx, func() error {
		err := fn()
		if client.Temporary(err) {
			return retry.Retriable(err)
		}
		return err
	})
}

func TestEchoEndToEnd(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startEcho(t, reg, Impl{})
	ec, _ := newEchoClient(t, reg, transport.DefaultPoolConfig())
	ctx := context.Background()

	var got string
	if err := call(ctx, func() (err error) {
		got, err = ec.Upper(ctx, "hello")
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if got != "HELLO" {
		t.Fatalf("Upper = %q, want HELLO", got)
	}
	got, err := ec.Echo(ctx, "Hello, World")
	if err != nil || got != "Hello, World" {
		t.Fatalf("Echo = %q, %v", got, err)
	}
}

func TestEchoFailover(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	a, b := &countingImpl{}, &countingImpl{}
	la := startEcho(t, reg, a)
	startEcho(t, reg, b)
	ec, c := newEchoClient(t, reg, transport.PoolConfig{MaxTotal: 4})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := call(ctx, func() error {
			_, err := ec.Upper(ctx, fmt.Sprint(i))
			return err
		}); err != nil {
			t.Fatal(err)
		}
	}

	// one provider leaves; callers retrying temporary errors never see it
	if err := la.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	before := b.served.Load()
	for i := 0; i < 20; i++ {
		if err := call(ctx, func() error {
			_, err := ec.Upper(ctx, "after")
			return err
		}); err != nil {
			t.Fatalf("call %d after provider left: %v", i, err)
		}
	}
	if got := b.served.Load() - before; got != 20 {
		t.Fatalf("remaining provider served %d calls, want 20", got)
	}
	if n := c.Pool(ServiceName).NumTotal(); n > 4 {
		t.Fatalf("pool holds %d connections, MaxTotal is 4", n)
	}
}

func TestEchoNoProvider(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ec, _ := newEchoClient(t, reg, transport.DefaultPoolConfig())
	_, err := ec.Upper(context.Background(), "x")
	if !errors.Is(err, client.ErrNoProviderAvailable) {
		t.Fatalf("Upper = %v, want ErrNoProviderAvailable", err)
	}
}

// TestEchoSessionExpiry drops every record, as an expired registry session
// would. The provider's guard writes its record again and the client keeps
// calling it.
func TestEchoSessionExpiry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	l := startEcho(t, reg, Impl{})
	ec, _ := newEchoClient(t, reg, transport.DefaultPoolConfig())
	ctx := context.Background()
	path := registry.InstancePath(registry.DefaultRoot, ServiceName, l.Endpoint())

	reg.Expire()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := reg.Get(path); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("record not restored after expiry")
		}
		time.Sleep(time.Millisecond)
	}
	if err := call(ctx, func() error {
		_, err := ec.Echo(ctx, "still here")
		return err
	}); err != nil {
		t.Fatal(err)
	}
}

func ExampleClient() {
	log.SetZapLogger(zap.NewNop())
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	defer reg.Shutdown()

	cfg := server.DefaultConfig()
	cfg.Port = 0
	cfg.AdvertiseHost = "127.0.0.1"
	srv := server.New(cfg, reg, map[string]server.Handler{ServiceName: NewHandler(Impl{})})
	if err := srv.Start(ctx); err != nil {
		fmt.Println(err)
		return
	}
	defer srv.Stop(ctx)

	c := client.New(reg, client.DefaultConfig())
	defer c.Close()
	p, err := c.Proxy(ctx, ServiceName)
	if err != nil {
		fmt.Println(err)
		return
	}
	echo := NewClient(p)

	var out string
	err = retry.Policy{MaxRetry: 20, BaseDelay: 10 * time.Millisecond}.Do(ctx, func() error {
		out, err = echo.Upper(ctx, "hello")
		if client.Temporary(err) {
			return retry.Retriable(err)
		}
		return err
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(out)
	// Output: HELLO
}
