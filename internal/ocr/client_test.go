package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/drfirst/go-rxintake/pkg/circuitbreaker"
)

var pngImage = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *circuitbreaker.Manager) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	breakers := circuitbreaker.NewManager(nil)
	c, err := NewClient(Config{BaseURL: srv.URL + "/"}, breakers, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c, breakers
}

func TestValidateImage(t *testing.T) {
	cases := []struct {
		name    string
		image   []byte
		max     int64
		want    string
		wantErr error
	}{
		{"png", pngImage, 1 << 20, "image/png", nil},
		{"jpeg", append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 32)...), 1 << 20, "image/jpeg", nil},
		{"text", []byte("patient_name: sachin"), 1 << 20, "", ErrUnsupportedImage},
		{"empty", nil, 1 << 20, "", ErrEmptyImage},
		{"too large", pngImage, 8, "", ErrImageTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateImage(tc.image, tc.max)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("expected %s, got %q (%v)", tc.want, got, err)
			}
		})
	}
}

func TestExtractUploadsImage(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/extract-prescription" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("expected image field: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if len(data) != len(pngImage) {
			t.Errorf("expected %d bytes, got %d", len(pngImage), len(data))
		}
		if header.Filename != "rx.png" || header.Header.Get("Content-Type") != "image/png" {
			t.Errorf("unexpected part header %v %q", header.Header, header.Filename)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":            true,
			"extracted_data":     map[string]any{"patient_name": "sachin", "medications": []any{}},
			"confidence_scores":  map[string]any{},
			"overall_confidence": 0.82,
			"needs_review":       false,
			"raw_output":         `{"patient_name":"sachin"}`,
		})
	})

	res, err := c.Extract(context.Background(), pngImage, "rx.png")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !res.Success || res.OverallConfidence != 0.82 {
		t.Errorf("unexpected result %+v", res)
	}
	var data map[string]any
	if err := json.Unmarshal(res.ExtractedData, &data); err != nil || data["patient_name"] != "sachin" {
		t.Errorf("unexpected extracted data %s", res.ExtractedData)
	}
}

func TestExtractRejectsBeforeCalling(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	if _, err := c.Extract(context.Background(), []byte("%PDF-1.7"), "rx.pdf"); !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("expected ErrUnsupportedImage, got %v", err)
	}
	if calls != 0 {
		t.Error("invalid uploads must not reach the service")
	}
}

func TestExtractServiceFailure(t *testing.T) {
	c, breakers := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model quota exceeded"}`))
	})

	for i := 0; i < 3; i++ {
		_, err := c.Extract(context.Background(), pngImage, "rx.png")
		var se *ServiceError
		if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError || se.Message != "model quota exceeded" {
			t.Fatalf("call %d: expected ServiceError, got %v", i, err)
		}
	}

	if _, err := c.Extract(context.Background(), pngImage, "rx.png"); !circuitbreaker.IsOpenError(err) {
		t.Errorf("expected open circuit after repeated 5xx, got %v", err)
	}
	statuses := breakers.HealthStatus()
	if len(statuses) != 1 || statuses[0].Name != BreakerName || statuses[0].Healthy {
		t.Errorf("unexpected breaker status %+v", statuses)
	}
}

func TestExtractUnsuccessfulDoesNotTrip(t *testing.T) {
	c, breakers := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"no text found"}`))
	})

	for i := 0; i < 5; i++ {
		if _, err := c.Extract(context.Background(), pngImage, ""); !errors.Is(err, ErrExtractionFailed) {
			t.Fatalf("expected ErrExtractionFailed, got %v", err)
		}
	}
	if !breakers.HealthStatus()[0].Healthy {
		t.Error("unreadable images must not open the circuit")
	}
}

func TestHealth(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"healthy","model":"gemini-2.5-flash","detail":"ok"}`))
	})

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if h.Model != "gemini-2.5-flash" {
		t.Errorf("unexpected health %+v", h)
	}
}
