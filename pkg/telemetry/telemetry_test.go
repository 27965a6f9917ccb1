package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_CounterIsIdempotentByName(t *testing.T) {
	reg := New()
	a := reg.Counter("deskcoach_test_total", "test counter")
	b := reg.Counter("deskcoach_test_total", "test counter")
	if a != b {
		t.Error("expected repeated Counter calls for the same name to return the same collector")
	}
}

func TestRegistry_GaugeIsIdempotentByName(t *testing.T) {
	reg := New()
	a := reg.Gauge("deskcoach_test_gauge", "test gauge")
	b := reg.Gauge("deskcoach_test_gauge", "test gauge")
	if a != b {
		t.Error("expected repeated Gauge calls for the same name to return the same collector")
	}
}

func TestRegistry_HandlerServesRegisteredMetrics(t *testing.T) {
	reg := New()
	counter := reg.Counter("deskcoach_requests_total", "requests handled")
	counter.WithLabelValues().Add(3)

	server := httptest.NewServer(reg.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "deskcoach_requests_total 3") {
		t.Errorf("expected exported metric in body, got:\n%s", body)
	}
}

func TestNewPipelineMetrics_RegistersAllSeries(t *testing.T) {
	reg := New()
	m := NewPipelineMetrics(reg)

	m.SamplesTotal.WithLabelValues("ok").Inc()
	m.TransitionsTotal.WithLabelValues("SLOUCH", "majority").Inc()
	m.NudgesTotal.WithLabelValues("SLOUCH").Inc()
	m.SuppressedTotal.WithLabelValues("cooldown").Inc()
	m.CurrentFPS.WithLabelValues().Set(6)
	m.CameraFailureCount.WithLabelValues().Set(0)

	server := httptest.NewServer(reg.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"deskcoach_samples_total", "deskcoach_transitions_total", "deskcoach_current_fps"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestServeDiagnostics_BindsLoopbackAndServesMetrics(t *testing.T) {
	reg := New()
	reg.Counter("deskcoach_diag_total", "diagnostics smoke counter").WithLabelValues().Inc()

	addr, closeFn, err := ServeDiagnostics("127.0.0.1:0", reg)
	if err != nil {
		t.Fatalf("ServeDiagnostics: %v", err)
	}
	defer closeFn()

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "deskcoach_diag_total") {
		t.Errorf("expected diagnostics counter in output, got:\n%s", body)
	}
}
