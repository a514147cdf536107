package tracing

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/avitobridge/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, "test")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupRejectsUnknownProtocol(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true, Protocol: "udp"}, "test")
	if err == nil {
		t.Fatal("expected error for unknown protocol")
	}
	if shutdown == nil {
		t.Fatal("shutdown must never be nil")
	}
}

func TestProtocolOf(t *testing.T) {
	if got := protocolOf(config.TelemetryConfig{}); got != "grpc" {
		t.Fatalf("default protocol = %q", got)
	}
	if got := protocolOf(config.TelemetryConfig{Protocol: "HTTP"}); got != "http" {
		t.Fatalf("protocol = %q", got)
	}
}
