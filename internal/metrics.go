package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// telemetry mirrors the teacher's upstream-selection counters, retargeted
// at this package's own components: dropped outbound frames, accepted and
// closed/aborted connections, and UDP flow churn.
type telemetry struct {
	enabled bool
	mu      sync.RWMutex

	framesDropped    uint64
	connsAccepted    map[string]uint64 // key: "" (no labels today, kept as a map for symmetry with the rest)
	connsClosedTotal map[string]uint64 // key: reason (closed, aborted)
	udpFlowsEvicted  uint64
	udpFlowsActive   float64
}

var (
	metricsMu sync.RWMutex
	metrics   = telemetry{}
)

// EnablePrometheusMetrics turns on collection; until called, every
// observeX call is a no-op so the common case (library embedding, no
// metrics server) costs nothing beyond one read-locked bool check.
func EnablePrometheusMetrics() {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metrics.enabled {
		return
	}
	metrics.connsAccepted = make(map[string]uint64)
	metrics.connsClosedTotal = make(map[string]uint64)
	metrics.enabled = true
}

// StartMetricsServer runs a Prometheus text-exposition endpoint until ctx
// is done.
func StartMetricsServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty metrics address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metricsHandler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func observeFrameDropped() {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.framesDropped++
}

func observeConnAccepted() {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.connsAccepted[""]++
}

func observeConnClosed(reason string) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.connsClosedTotal[reason]++
}

func observeUDPFlowEvicted() {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.udpFlowsEvicted++
}

func observeUDPFlowCount(n int) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.udpFlowsActive = float64(n)
}

func metricsHandler(w http.ResponseWriter, _ *http.Request) {
	metricsMu.RLock()
	enabled := metrics.enabled
	metricsMu.RUnlock()
	if !enabled {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("# metrics disabled\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	metrics.mu.RLock()
	defer metrics.mu.RUnlock()

	fmt.Fprintf(w, "tunstack_outbound_frames_dropped_total %d\n", metrics.framesDropped)
	writeCounterVec(w, "tunstack_tcp_connections_accepted_total", metrics.connsAccepted)
	writeCounterVec(w, "tunstack_tcp_connections_closed_total", metrics.connsClosedTotal)
	fmt.Fprintf(w, "tunstack_udp_flows_evicted_total %d\n", metrics.udpFlowsEvicted)
	fmt.Fprintf(w, "tunstack_udp_flows_active %.0f\n", metrics.udpFlowsActive)
}

func writeCounterVec(w http.ResponseWriter, name string, data map[string]uint64) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" {
			fmt.Fprintf(w, "%s %d\n", name, data[k])
			continue
		}
		fmt.Fprintf(w, "%s{reason=\"%s\"} %d\n", name, k, data[k])
	}
}
