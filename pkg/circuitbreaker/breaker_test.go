package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream 503")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("ocr")
	cfg.Timeout = time.Hour
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < int(cfg.FailureThreshold); i++ {
		if _, err := cb.Execute(ctx, func(context.Context) (any, error) { return nil, errUpstream }); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected open circuit, got %s", cb.State())
	}

	called := false
	_, err = cb.Execute(ctx, func(context.Context) (any, error) {
		called = true
		return "ok", nil
	})
	if !IsOpenError(err) {
		t.Errorf("expected open-state error, got %v", err)
	}
	if called {
		t.Error("open circuit must not invoke the call")
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	errBadImage := errors.New("bad image")
	cfg := DefaultConfig("ocr")
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errBadImage) }
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		_, _ = cb.Execute(context.Background(), func(context.Context) (any, error) { return nil, errBadImage })
	}
	if cb.State() != StateClosed {
		t.Errorf("client errors must not trip the circuit, state %s", cb.State())
	}
}

func TestExecuteReturnsResult(t *testing.T) {
	cb, err := New(DefaultConfig("ocr"), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	got, err := cb.Execute(context.Background(), func(context.Context) (any, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Errorf("expected 42, got %v (%v)", got, err)
	}
	if c := cb.Counts(); c.TotalSuccesses != 1 {
		t.Errorf("expected one success, got %+v", c)
	}
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(nil)
	a, err := m.GetOrCreate("ocr", DefaultConfig(""))
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	b, _ := m.GetOrCreate("ocr", DefaultConfig(""))
	if a != b {
		t.Error("expected the same breaker for the same name")
	}
	if a.Name() != "ocr" {
		t.Errorf("expected name to be set, got %q", a.Name())
	}
	_, _ = m.GetOrCreate("ocr-health", DefaultConfig(""))

	statuses := m.HealthStatus()
	if len(statuses) != 2 || statuses[0].Name != "ocr" || statuses[1].Name != "ocr-health" {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if !statuses[0].Healthy {
		t.Error("fresh breaker should be healthy")
	}
}
