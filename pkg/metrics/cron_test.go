package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCronJobMetricsRecordsRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	job := "hold-expiry"

	m.JobFinished(job, 250*time.Millisecond, nil)
	m.JobFinished(job, time.Second, nil)
	m.JobFinished(job, 10*time.Millisecond, errors.New("db down"))
	m.JobFinished("", time.Millisecond, nil)
	m.CycleSkipped()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	runs := []struct {
		job, result string
		want        float64
	}{
		{job, resultSuccess, 2},
		{job, resultFailure, 1},
		{"unknown", resultSuccess, 1},
	}
	for _, tc := range runs {
		got, err := fetchCounterValue(mfs, "stockledger_job_runs_total", "job", tc.job, "result", tc.result)
		if err != nil || got != tc.want {
			t.Fatalf("runs{%s,%s}: expected %v, got %v (%v)", tc.job, tc.result, tc.want, got, err)
		}
	}
	if got, err := fetchCounterValue(mfs, "stockledger_job_cycle_skipped_total"); err != nil || got != 1 {
		t.Fatalf("expected one skipped cycle, got %v (%v)", got, err)
	}
	stamp, err := findMetric(mfs, "stockledger_job_last_success_timestamp_seconds", "job", job)
	if err != nil || stamp.GetGauge().GetValue() < float64(time.Now().Add(-time.Minute).Unix()) {
		t.Fatalf("last success timestamp not set: %v", err)
	}
	if got, err := fetchHistogramSum(mfs, "stockledger_job_duration_seconds", "job", job); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got < 1.25 {
		t.Fatalf("expected duration sum >= 1.25s, got %f", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var cron *CronJobMetrics
	cron.JobFinished("x", time.Second, nil)
	cron.CycleSkipped()
	NewCronJobMetrics(nil).JobFinished("x", time.Second, errors.New("x"))

	var inv *InventoryMetrics
	inv.HoldTransition("PLACED")
	inv.Transfer("committed")
	NewInventoryMetrics(nil).SnapshotDrift()
}

// fetchCounterValue returns the counter in family name whose labels include
// every name/value pair given.
func fetchCounterValue(mfs []*dto.MetricFamily, name string, pairs ...string) (float64, error) {
	metric, err := findMetric(mfs, name, pairs...)
	if err != nil {
		return 0, err
	}
	return metric.GetCounter().GetValue(), nil
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name string, pairs ...string) (float64, error) {
	metric, err := findMetric(mfs, name, pairs...)
	if err != nil {
		return 0, err
	}
	return metric.GetHistogram().GetSampleSum(), nil
}

func findMetric(mfs []*dto.MetricFamily, name string, pairs ...string) (*dto.Metric, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return nil, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if hasLabels(metric.GetLabel(), pairs) {
			return metric, nil
		}
	}
	return nil, fmt.Errorf("metric %q has no series with labels %v", name, pairs)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func hasLabels(labels []*dto.LabelPair, pairs []string) bool {
	for i := 0; i+1 < len(pairs); i += 2 {
		found := false
		for _, label := range labels {
			if label.GetName() == pairs[i] && label.GetValue() == pairs[i+1] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
