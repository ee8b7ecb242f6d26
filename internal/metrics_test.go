package internal

import (
	"net/http/httptest"
	"testing"
)

func TestMetricsDisabledByDefault(t *testing.T) {
	metricsMu.Lock()
	metrics = telemetry{}
	metricsMu.Unlock()

	observeFrameDropped() // must not panic and must not allocate the maps

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	metricsHandler(rec, req)
	if rec.Code != 503 {
		t.Fatalf("want 503 when disabled, got %d", rec.Code)
	}
}

func TestMetricsExposition(t *testing.T) {
	EnablePrometheusMetrics()
	observeFrameDropped()
	observeFrameDropped()
	observeConnAccepted()
	observeConnClosed("aborted")
	observeUDPFlowEvicted()
	observeUDPFlowCount(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	metricsHandler(rec, req)
	if rec.Code != 200 {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"tunstack_outbound_frames_dropped_total 2",
		"tunstack_tcp_connections_accepted_total 1",
		`tunstack_tcp_connections_closed_total{reason="aborted"} 1`,
		"tunstack_udp_flows_evicted_total 1",
		"tunstack_udp_flows_active 3",
	} {
		if !containsLine(body, want) {
			t.Fatalf("body missing %q, got:\n%s", want, body)
		}
	}
}

func containsLine(body, want string) bool {
	for i := 0; i+len(want) <= len(body); i++ {
		if body[i:i+len(want)] == want {
			return true
		}
	}
	return false
}
