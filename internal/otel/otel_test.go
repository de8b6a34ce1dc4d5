package otel

import (
	"context"
	"errors"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", SampleRate: 0.5})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.TracerProvider == nil || p.Tracer == nil {
		t.Fatal("expected tracer provider and tracer")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "job.handle",
		AttrJobID.String("job-1"),
		AttrJobType.String("TICK"),
		AttrAttempt.Int(1),
	)
	EndSpan(span, errors.New("boom"))

	_, span = StartSpan(context.Background(), nil, "guard.preflight")
	EndSpan(span, nil)
}

func TestShutdownNilProvider(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestResourceAttrs(t *testing.T) {
	cfg := Config{
		ServiceVersion:     "v1.2.3",
		Chain:              "base",
		ResourceAttributes: map[string]string{"z.key": "z", "deployment.environment": "staging"},
	}
	var got []string
	for _, kv := range cfg.resourceAttrs() {
		got = append(got, string(kv.Key)+"="+kv.Value.Emit())
	}
	want := []string{
		"service.name=steward",
		"service.version=v1.2.3",
		"steward.chain=base",
		"deployment.environment=staging",
		"z.key=z",
	}
	if len(got) != len(want) {
		t.Fatalf("attrs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attrs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
