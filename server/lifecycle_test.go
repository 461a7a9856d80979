package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"poolrpc/codec"
	"poolrpc/registry"
	"poolrpc/transport"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.AdvertiseHost = "127.0.0.1"
	cfg.RetryPolicy = fastRetry
	return cfg
}

func TestLifecycle(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	l := New(testConfig(), reg, arith())
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}

	ep := l.Endpoint()
	if ep.Host != "127.0.0.1" || ep.Port != l.Addr().(*net.TCPAddr).Port {
		t.Fatalf("endpoint %v does not match listener %v", ep, l.Addr())
	}
	path := registry.InstancePath(registry.DefaultRoot, "Arith", ep)
	if _, ok := reg.Get(path); !ok {
		t.Fatalf("%s not registered", path)
	}

	conn, err := net.Dial("tcp", ep.String())
	if err != nil {
		t.Fatal(err)
	}
	tr := transport.NewClientTransport(conn, codec.CodecTypeCompact)
	defer tr.Close()
	var reply Reply
	if err := tr.Call(context.Background(), "Arith.Add", &Args{A: 2, B: 3}, &reply); err != nil || reply.Result != 5 {
		t.Fatalf("Arith.Add = %d, %v", reply.Result, err)
	}

	if err := l.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get(path); ok {
		t.Fatal("record left after Stop")
	}
	if _, err := net.DialTimeout("tcp", ep.String(), time.Second); err == nil {
		t.Fatal("still accepting after Stop")
	}
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestLifecycleStopBeforeStart(t *testing.T) {
	l := New(testConfig(), registry.NewMemoryRegistry(), arith())
	if err := l.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestLifecycleStartAfterStop(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	l := New(testConfig(), reg, arith())
	if err := l.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); !errors.Is(err, ErrLifecycleStopped) {
		t.Fatalf("Start after Stop = %v, want ErrLifecycleStopped", err)
	}
	if err := l.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l.Addr() != nil {
		t.Fatalf("listening on %v after Start was refused", l.Addr())
	}
	if g := l.Guard(); g != nil && len(g.Records()) != 0 {
		t.Fatalf("guard holds records %v", g.Records())
	}
}

func TestLifecycleStartFailsWhenRegistryClosed(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	reg.Shutdown()
	l := New(testConfig(), reg, arith())
	if err := l.Start(context.Background()); err == nil {
		t.Fatal("expect Start to fail")
	}
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after failed Start: %v", err)
	}
}

func TestLifecycleRun(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	l := New(testConfig(), reg, arith())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, "registration", func() bool {
		ep := l.Endpoint()
		if ep.Port == 0 {
			return false
		}
		_, ok := reg.Get(registry.InstancePath(registry.DefaultRoot, "Arith", ep))
		return ok
	})
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, ok := reg.Get(registry.InstancePath(registry.DefaultRoot, "Arith", l.Endpoint())); ok {
		t.Fatal("record left after Run returned")
	}
}
