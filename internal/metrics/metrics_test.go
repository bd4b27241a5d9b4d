package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("db")
	IncStartFailure("db", "health_timeout")
	IncRestart("db")
	IncStop("db")
	IncStopEscalation("db")
	IncHealthFailure("db")
	ObserveHealthWait("db", 1.5)
	RecordStateTransition("db", "idle", "spawning")
	SetCurrentState("db", "running", true)
	SetExternallyManaged("ollama", true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"svcvisor_watchdog_starts_total":            false,
		"svcvisor_watchdog_start_failures_total":    false,
		"svcvisor_watchdog_restarts_total":          false,
		"svcvisor_watchdog_stops_total":             false,
		"svcvisor_watchdog_stop_escalations_total":  false,
		"svcvisor_watchdog_health_failures_total":   false,
		"svcvisor_watchdog_health_wait_seconds":     false,
		"svcvisor_watchdog_state_transitions_total": false,
		"svcvisor_watchdog_current_state":           false,
		"svcvisor_bootstrap_externally_managed":     false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("x")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "svcvisor_watchdog_starts_total") {
		t.Fatalf("expected starts counter in output")
	}
}

func TestResourceCollectorSamplesSelf(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true})
	reg := prometheus.NewRegistry()
	if err := c.RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	pid := int32(os.Getpid())
	c.Collect(context.Background(), map[string]int32{"self": pid})

	u, ok := c.Latest("self")
	if !ok {
		t.Fatalf("expected a sample for self")
	}
	if u.PID != pid || u.MemoryRSS == 0 {
		t.Fatalf("unexpected sample: %+v", u)
	}

	// Services that disappear are dropped.
	c.Collect(context.Background(), map[string]int32{})
	if _, ok := c.Latest("self"); ok {
		t.Fatalf("expected sample to be dropped")
	}
}

func TestResourceCollectorDisabled(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{})
	if err := c.RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
	c.Start(context.Background(), func() map[string]int32 { return nil })
	c.Stop()
}
