package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetricsRegistersWithoutPanicking(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestHandlerServesPulseMetrics(t *testing.T) {
	m := NewMetrics()
	m.DrivePressure.WithLabelValues("goals").Set(4.5)
	m.TicksTotal.Add(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "pulse_drive_pressure") {
		t.Fatalf("expected pulse_drive_pressure in output, got: %s", body)
	}
	if !strings.Contains(body, "pulse_drive_ticks_total") {
		t.Fatalf("expected pulse_drive_ticks_total in output, got: %s", body)
	}
}

func TestServeReturnsErrorOnBindFailure(t *testing.T) {
	m := NewMetrics()
	busy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer busy.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := m.Serve(ctx, busy.Listener.Addr().String())
	if err == nil {
		t.Fatal("expected bind error when the address is already in use")
	}
}

func TestBuildLoggerRejectsInvalidLevel(t *testing.T) {
	if _, err := BuildLogger("not-a-level", "json"); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestBuildLoggerAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := BuildLogger(level, "console"); err != nil {
			t.Fatalf("level %q: %v", level, err)
		}
	}
}
