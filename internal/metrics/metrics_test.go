package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/deemusic/core/internal/metrics"
)

func TestNew_RegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.JobsEnqueued.WithLabelValues("track").Inc()
	m.JobsCompleted.WithLabelValues("track").Inc()
	m.ActiveWorkers.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "deemusicd_active_workers" {
			found = true
			if got := f.GetMetric()[0].GetGauge().GetValue(); got != 3 {
				t.Errorf("active_workers = %v, want 3", got)
			}
		}
	}
	if !found {
		t.Error("deemusicd_active_workers metric not found")
	}
}

func TestNew_JobsFailedLabeled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.JobsFailed.WithLabelValues("track", "transient").Inc()

	families, _ := reg.Gather()
	var metric *dto.Metric
	for _, f := range families {
		if f.GetName() == "deemusicd_jobs_failed_total" {
			metric = f.GetMetric()[0]
		}
	}
	if metric == nil {
		t.Fatal("jobs_failed_total metric not found")
	}
	if metric.GetCounter().GetValue() != 1 {
		t.Errorf("counter = %v, want 1", metric.GetCounter().GetValue())
	}
}
