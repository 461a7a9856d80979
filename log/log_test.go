package log

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContextFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	orig := Zap()
	SetZapLogger(zap.New(core))
	defer SetZapLogger(orig)

	ctx := WithFields(context.Background(), zap.String("service", "Echo"))
	ctx = WithFields(ctx, zap.String("endpoint", "10.0.0.1:9000"))
	FromContext(ctx).Infof("selected %d", 1)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expect 1 entry, got %d", len(entries))
	}
	got := entries[0].ContextMap()
	if got["service"] != "Echo" || got["endpoint"] != "10.0.0.1:9000" {
		t.Fatalf("unexpected context fields: %v", got)
	}
	if entries[0].Message != "selected 1" {
		t.Fatalf("unexpected message %q", entries[0].Message)
	}
}

func TestFromContextNoFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	orig := Zap()
	SetZapLogger(zap.New(core))
	defer SetZapLogger(orig)

	FromContext(context.Background()).Warn("plain")
	if logs.Len() != 1 {
		t.Fatalf("expect 1 entry, got %d", logs.Len())
	}
	if n := len(logs.All()[0].Context); n != 0 {
		t.Fatalf("expect no context fields, got %d", n)
	}
}
