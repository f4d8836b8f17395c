package telemetry

import (
	"context"
	"testing"
)

func TestSetupDisabled(t *testing.T) {
	p, err := Setup(false, nil)
	if err != nil {
		t.Fatalf("Setup(false) error: %v", err)
	}

	// A disabled provider still hands out a usable tracer and shuts
	// down cleanly.
	_, span := p.Tracer("test").Start(context.Background(), "noop")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
}

func TestSetupEnabled(t *testing.T) {
	p, err := Setup(true, nil)
	if err != nil {
		t.Fatalf("Setup(true) error: %v", err)
	}
	_, span := p.Tracer("test").Start(context.Background(), "op")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
}
