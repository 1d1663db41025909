package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"prod", "local", "dev", "docker"} {
		if _, err := NewLogger(env, ""); err != nil {
			t.Errorf("NewLogger(%q): %v", env, err)
		}
	}
}

func TestNewLogger_UnknownEnv(t *testing.T) {
	if _, err := NewLogger("staging", ""); err == nil {
		t.Fatal("expected error for unknown env")
	}
}

func TestNewLogger_LevelOverride(t *testing.T) {
	l, err := NewLogger("prod", "warn")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if l.Core().Enabled(zap.InfoLevel) {
		t.Error("info should be disabled with level=warn")
	}

	if _, err := NewLogger("prod", "loud"); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestContextLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := zap.New(core)

	ctx := ContextWithLogger(context.Background(), l)
	FromContext(ctx).Info("from context")
	if logs.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", logs.Len())
	}

	// No logger in context: must not panic.
	FromContext(context.Background()).Info("dropped")
}

func TestOr(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	fallback := zap.New(core)

	Or(context.Background(), fallback).Info("fallback")
	if logs.Len() != 1 {
		t.Fatalf("expected fallback logger to be used, got %d entries", logs.Len())
	}

	reqCore, reqLogs := observer.New(zap.InfoLevel)
	ctx := ContextWithLogger(context.Background(), zap.New(reqCore))
	Or(ctx, fallback).Info("request")
	if reqLogs.Len() != 1 || logs.Len() != 1 {
		t.Error("expected request logger to take precedence")
	}

	Or(context.Background(), nil).Info("nop")
}
