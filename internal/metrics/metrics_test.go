package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("a")
	IncStart("a")
	IncStartFailure("a", "crashed")
	IncStop("a")
	IncStopFailure("a")
	ObserveStartCheck("a", 0.25)
	IncRestart("a")
	RecordTransition("a", "running", "stopping")
	IncServiceAction("systemd", "start", true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"daemonkit_daemon_starts_total":             false,
		"daemonkit_daemon_start_failures_total":     false,
		"daemonkit_daemon_stops_total":              false,
		"daemonkit_daemon_stop_failures_total":      false,
		"daemonkit_daemon_start_check_seconds":      false,
		"daemonkit_runloop_restarts_total":          false,
		"daemonkit_runloop_state_transitions_total": false,
		"daemonkit_service_actions_total":           false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
		if n == "daemonkit_daemon_starts_total" {
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v < 2 {
				t.Fatalf("starts_total = %v, want >= 2", v)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesDefaultRegistry(t *testing.T) {
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register: %v", err)
	}
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	b, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(b), "go_goroutines") {
		t.Fatalf("default gatherer output missing runtime metrics")
	}
}
