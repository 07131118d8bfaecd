package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.ObserveExchange("github", time.Second, nil)
	m.ObserveRefresh("github", time.Second, errors.New("boom"))
	m.ObserveRefresh("github", time.Second, errors.New("boom"))
	m.ObserveProfileFetch("google", nil)
	m.SetPendingFlows(2)

	if got := testutil.ToFloat64(m.exchanges.WithLabelValues("github", ResultSuccess)); got != 1 {
		t.Errorf("exchanges = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.refreshes.WithLabelValues("github", ResultFailure)); got != 2 {
		t.Errorf("refresh failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.profileFetches.WithLabelValues("google", ResultSuccess)); got != 1 {
		t.Errorf("profile fetches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pendingFlows); got != 2 {
		t.Errorf("pending = %v, want 2", got)
	}
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	second, err := New(reg)
	if err != nil {
		t.Fatalf("New (second): %v", err)
	}

	second.ObserveExchange("discord", 0, nil)
	if got := testutil.ToFloat64(first.exchanges.WithLabelValues("discord", ResultSuccess)); got != 1 {
		t.Errorf("shared counter = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveExchange("github", 0, nil)
	m.ObserveRefresh("github", 0, nil)
	m.ObserveProfileFetch("github", nil)
	m.SetPendingFlows(1)
}
