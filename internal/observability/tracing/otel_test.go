package tracing

import (
	"context"
	"slices"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitWithoutEndpoint(t *testing.T) {
	p, err := Init(context.Background(), Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	fields := otel.GetTextMapPropagator().Fields()
	for _, want := range []string{"traceparent", "baggage"} {
		if !slices.Contains(fields, want) {
			t.Errorf("propagator fields %v missing %s", fields, want)
		}
	}
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		1:   "AlwaysOnSampler",
		0:   "AlwaysOffSampler",
		0.1: "TraceIDRatioBased",
	}
	for rate, want := range cases {
		if got := Sampler(rate).Description(); !strings.Contains(got, want) {
			t.Errorf("rate %v: description %q should mention %s", rate, got, want)
		}
	}
}

func TestNewResource(t *testing.T) {
	res, err := newResource(context.Background(), Config{
		ServiceName:    "normalizer-worker",
		ServiceVersion: "1.2.3",
		Environment:    "staging",
	})
	if err != nil {
		t.Fatalf("newResource failed: %v", err)
	}

	want := map[string]string{
		"service.name":           "normalizer-worker",
		"service.namespace":      "rxintake",
		"service.version":        "1.2.3",
		"deployment.environment": "staging",
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestExporterOptions(t *testing.T) {
	if n := len(exporterOptions("collector:4317")); n != 2 {
		t.Errorf("host:port should add an insecure option, got %d options", n)
	}
	if n := len(exporterOptions("https://collector.example:4317")); n != 1 {
		t.Errorf("URL endpoint should be a single option, got %d", n)
	}
}

func TestProviderEnabled(t *testing.T) {
	if (&Provider{}).Enabled() {
		t.Error("provider without exporter should report disabled")
	}
}
