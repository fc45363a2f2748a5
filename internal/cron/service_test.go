package cron

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/stockledger/pkg/logger"
	"github.com/angelmondragon/stockledger/pkg/metrics"
)

type fakeLock struct {
	held     bool
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.held = false
	f.releases++
	return nil
}

type testJob struct {
	name     string
	err      error
	runs     int
	deadline bool
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(ctx context.Context) error {
	t.runs++
	_, t.deadline = ctx.Deadline()
	return t.err
}

type panicJob struct{}

func (panicJob) Name() string { return "panics" }

func (panicJob) Run(context.Context) error { panic("boom") }

func newTestScheduler(t *testing.T, lock Lock, reg prometheus.Registerer, jobs ...Job) *Service {
	t.Helper()
	registry, err := NewRegistry(jobs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test"}),
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service
}

func TestRunOnceRunsEveryJobAndCombinesFailures(t *testing.T) {
	ok := &testJob{name: "success"}
	bad := &testJob{name: "fail", err: errors.New("boom")}
	lock := &fakeLock{}
	service := newTestScheduler(t, lock, nil, ok, bad)

	err := service.RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "job fail: boom") {
		t.Fatalf("expected combined job error, got %v", err)
	}
	if ok.runs != 1 || bad.runs != 1 {
		t.Fatalf("each job should run once, got %d and %d", ok.runs, bad.runs)
	}
	if !ok.deadline {
		t.Fatalf("jobs should run under a timeout")
	}
	if lock.releases != 1 || lock.held {
		t.Fatalf("lock should be released after the cycle")
	}
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	reg := prometheus.NewRegistry()
	job := &testJob{name: "hold-expiry"}
	service := newTestScheduler(t, &fakeLock{held: true}, reg, job)

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("skipped cycle should not error: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("job must not run without the lock")
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	skipped := -1.0
	for _, mf := range mfs {
		if mf.GetName() == "stockledger_job_cycle_skipped_total" {
			skipped = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if skipped != 1 {
		t.Fatalf("expected one skipped cycle, got %v", skipped)
	}
}

func TestRunOnceRecoversJobPanic(t *testing.T) {
	after := &testJob{name: "after"}
	service := newTestScheduler(t, NewLocalLock(), nil, panicJob{}, after)

	err := service.RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panic: boom") {
		t.Fatalf("expected panic to surface as an error, got %v", err)
	}
	if after.runs != 1 {
		t.Fatalf("jobs after a panic should still run")
	}
}

func TestRunJobByName(t *testing.T) {
	target := &testJob{name: "stock-snapshots"}
	other := &testJob{name: "hold-expiry"}
	service := newTestScheduler(t, NewLocalLock(), nil, other, target)

	if err := service.RunJob(context.Background(), "stock-snapshots"); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if target.runs != 1 || other.runs != 0 {
		t.Fatalf("only the named job should run")
	}
	if err := service.RunJob(context.Background(), "nope"); err == nil {
		t.Fatal("expected unknown job error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	job := &testJob{name: "hold-expiry"}
	registry, _ := NewRegistry(job)
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test"}),
		Registry: registry,
		Lock:     NewLocalLock(),
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := service.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if job.runs != 1 {
		t.Fatalf("first cycle runs before waiting, got %d runs", job.runs)
	}
}
