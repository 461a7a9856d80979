package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"poolrpc/registry"
	"poolrpc/retry"
)

// flakyRegistry counts Register calls and fails the first failN of them.
type flakyRegistry struct {
	*registry.MemoryRegistry
	calls atomic.Int32
	failN int32
}

func (r *flakyRegistry) Register(ctx context.Context, path string, payload []byte) error {
	n := r.calls.Add(1)
	if n <= r.failN {
		return errors.New("connection loss")
	}
	return r.MemoryRegistry.Register(ctx, path, payload)
}

// hangingRegistry blocks the hangOn-th Register call until its context is done.
type hangingRegistry struct {
	*registry.MemoryRegistry
	calls  atomic.Int32
	hangOn int32
}

func (r *hangingRegistry) Register(ctx context.Context, path string, payload []byte) error {
	if r.calls.Add(1) == r.hangOn {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.MemoryRegistry.Register(ctx, path, payload)
}

var testEndpoint = registry.Endpoint{Host: "10.0.0.7", Port: 9000}

var fastRetry = retry.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}

func startGuard(t *testing.T, reg registry.Registry, services ...string) *Guard {
	t.Helper()
	g := NewGuard(reg, "poolrpc", services, testEndpoint, fastRetry)
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { g.Stop(context.Background()) })
	return g
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestGuardRegisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	g := startGuard(t, reg, "Echo", "Calc")

	for _, svc := range []string{"Echo", "Calc"} {
		data, ok := reg.Get("/poolrpc/" + svc + "/10.0.0.7:9000")
		if !ok {
			t.Fatalf("%s not registered", svc)
		}
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			t.Fatal(err)
		}
		if p.Instance != g.Instance() || p.TS == 0 {
			t.Fatalf("unexpected payload %s", data)
		}
	}
	// our own ADDED is recorded
	waitFor(t, "own ADDED recorded", func() bool {
		for _, r := range g.Records() {
			if r.LastEvent != registry.EventAdded || r.Pending {
				return false
			}
		}
		return true
	})
}

func TestGuardReRegistersAfterExpire(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startGuard(t, reg, "Echo")
	path := "/poolrpc/Echo/10.0.0.7:9000"
	before, _ := reg.Get(path)

	reg.Expire()
	waitFor(t, "record restored", func() bool {
		_, ok := reg.Get(path)
		return ok
	})
	after, _ := reg.Get(path)
	if diff := cmp.Diff(string(before), string(after)); diff != "" {
		t.Fatalf("payload changed after re-register (-before +after):\n%s", diff)
	}
}

func TestGuardReRegistersAfterOverwrite(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startGuard(t, reg, "Echo")
	path := "/poolrpc/Echo/10.0.0.7:9000"
	own, _ := reg.Get(path)

	if err := reg.Register(context.Background(), path, []byte(`{"ts":1,"instance":"other"}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "own payload restored", func() bool {
		data, _ := reg.Get(path)
		return string(data) == string(own)
	})
}

func TestGuardIgnoresOwnEcho(t *testing.T) {
	reg := &flakyRegistry{MemoryRegistry: registry.NewMemoryRegistry()}
	g := startGuard(t, reg, "Echo")

	waitFor(t, "own ADDED recorded", func() bool {
		rs := g.Records()
		return len(rs) == 1 && rs[0].LastEvent == registry.EventAdded
	})
	time.Sleep(50 * time.Millisecond)
	if n := reg.calls.Load(); n != 1 {
		t.Fatalf("Register called %d times, want 1", n)
	}
}

func TestGuardRetriesFailedRegistration(t *testing.T) {
	reg := &flakyRegistry{MemoryRegistry: registry.NewMemoryRegistry(), failN: 3}
	g := startGuard(t, reg, "Echo")

	waitFor(t, "registration after retries", func() bool {
		_, ok := reg.Get("/poolrpc/Echo/10.0.0.7:9000")
		return ok
	})
	if n := reg.calls.Load(); n != 4 {
		t.Fatalf("Register called %d times, want 4", n)
	}
	waitFor(t, "pending cleared", func() bool {
		return !g.Records()[0].Pending
	})
}

func TestGuardRegisterAttemptTimesOut(t *testing.T) {
	reg := &hangingRegistry{MemoryRegistry: registry.NewMemoryRegistry(), hangOn: 2}
	g := NewGuard(reg, "poolrpc", []string{"Echo"}, testEndpoint, fastRetry)
	g.attemptTimeout = 20 * time.Millisecond
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { g.Stop(context.Background()) })
	path := "/poolrpc/Echo/10.0.0.7:9000"

	// the re-assert after expiry hangs once and must be abandoned
	reg.Expire()
	waitFor(t, "record restored after a hung attempt", func() bool {
		_, ok := reg.Get(path)
		return ok
	})
	if n := reg.calls.Load(); n < 3 {
		t.Fatalf("Register called %d times, want at least 3", n)
	}
}

func TestGuardStop(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	g := NewGuard(reg, "poolrpc", []string{"Echo"}, testEndpoint, fastRetry)
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}

	g = NewGuard(reg, "poolrpc", []string{"Echo"}, testEndpoint, fastRetry)
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := g.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("/poolrpc/Echo/10.0.0.7:9000"); ok {
		t.Fatal("record left after Stop")
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	// nothing re-registers once stopped
	reg.Register(context.Background(), "/poolrpc/Echo/10.0.0.7:9000", []byte("x"))
	reg.Unregister(context.Background(), "/poolrpc/Echo/10.0.0.7:9000")
	time.Sleep(30 * time.Millisecond)
	if _, ok := reg.Get("/poolrpc/Echo/10.0.0.7:9000"); ok {
		t.Fatal("stopped guard registered again")
	}
}

func TestGuardStopReportsUnregisterFailure(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	g := NewGuard(reg, "poolrpc", []string{"Echo", "Calc"}, testEndpoint, fastRetry)
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	reg.Shutdown()
	err := g.Stop(context.Background())
	if !errors.Is(err, registry.ErrClosed) {
		t.Fatalf("Stop = %v, want ErrClosed", err)
	}
}

func TestGuardStartWatchFailure(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	reg.Shutdown()
	g := NewGuard(reg, "poolrpc", []string{"Echo"}, testEndpoint, fastRetry)
	err := g.Start(context.Background())
	var rerr *RegistrationError
	if !errors.As(err, &rerr) || !errors.Is(err, registry.ErrClosed) {
		t.Fatalf("Start = %v, want *RegistrationError wrapping ErrClosed", err)
	}
}

func TestRegistrationError(t *testing.T) {
	cause := errors.New("timeout")
	err := error(&RegistrationError{Path: "/poolrpc/Echo/h:1", Err: cause})
	if !errors.Is(err, cause) {
		t.Fatal("RegistrationError does not unwrap")
	}
	if got, want := err.Error(), "register /poolrpc/Echo/h:1: timeout"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
