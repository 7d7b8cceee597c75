package telemetry

import (
	"context"
	"testing"
)

func TestDefaultConfigEnvOverrides(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "hub-under-test")
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "staging")
	t.Setenv("OTEL_ENABLED", "false")

	cfg := DefaultConfig()
	if cfg.OTLPEndpoint != "collector:4318" {
		t.Fatalf("endpoint = %q", cfg.OTLPEndpoint)
	}
	if cfg.ServiceName != "hub-under-test" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}
	if cfg.Environment != "staging" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.Enabled {
		t.Fatal("expected telemetry disabled")
	}
}

func TestDisabledProviderShutdownIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "Prod"

	provider, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if got := Environment(); got != "prod" {
		t.Fatalf("environment label = %q, want lowered", got)
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStripScheme(t *testing.T) {
	if got := stripScheme("http://localhost:4318"); got != "localhost:4318" {
		t.Fatalf("stripScheme = %q", got)
	}
	if got := stripScheme("localhost:4318"); got != "localhost:4318" {
		t.Fatalf("stripScheme without scheme = %q", got)
	}
}

func TestAttributeHelpers(t *testing.T) {
	attrs := EventAttributes("dev", "mission.completed", "missions")
	if len(attrs) != 3 {
		t.Fatalf("event attrs = %d", len(attrs))
	}
	if attrs[1].Key != AttrEventType || attrs[1].Value.AsString() != "mission.completed" {
		t.Fatalf("unexpected event type attr: %v", attrs[1])
	}
	drops := DropAttributes("dev", "capacity")
	if drops[1].Key != AttrReason || drops[1].Value.AsString() != "capacity" {
		t.Fatalf("unexpected drop attr: %v", drops[1])
	}
	sweeps := SweepAttributes("dev", StoreQueue)
	if sweeps[1].Key != AttrStore || sweeps[1].Value.AsString() != "queue" {
		t.Fatalf("unexpected sweep attr: %v", sweeps[1])
	}
}
