package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	if m.RoomsActive == nil {
		t.Error("RoomsActive metric is nil")
	}
	if m.PunchReplies == nil {
		t.Error("PunchReplies metric is nil")
	}
	if m.RelayBytesForwarded == nil {
		t.Error("RelayBytesForwarded metric is nil")
	}
}

func TestEngineLabeledMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.EndpointsTracked.WithLabelValues(EnginePunch).Set(2)
	m.EndpointsTracked.WithLabelValues(EngineRelay).Set(5)
	m.EndpointsEvicted.WithLabelValues(EnginePunch).Add(3)

	if got := testutil.ToFloat64(m.EndpointsTracked.WithLabelValues(EnginePunch)); got != 2 {
		t.Errorf("punch endpoints tracked = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EndpointsTracked.WithLabelValues(EngineRelay)); got != 5 {
		t.Errorf("relay endpoints tracked = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.EndpointsEvicted.WithLabelValues(EnginePunch)); got != 3 {
		t.Errorf("punch endpoints evicted = %v, want 3", got)
	}
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.PunchProbes.Inc()
	m.PunchProbes.Inc()
	m.PunchReplies.WithLabelValues("waiting").Inc()
	m.RelayBytesForwarded.Add(1500)

	if got := testutil.ToFloat64(m.PunchProbes); got != 2 {
		t.Errorf("PunchProbes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PunchReplies.WithLabelValues("waiting")); got != 1 {
		t.Errorf("waiting replies = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RelayBytesForwarded); got != 1500 {
		t.Errorf("RelayBytesForwarded = %v, want 1500", got)
	}
}

func TestDefault_Singleton(t *testing.T) {
	m1 := Default()
	m2 := Default()
	if m1 != m2 {
		t.Error("Default() should return the same instance")
	}
}
