package cron

import (
	"context"
	"testing"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryKeepsOrderAndCopies(t *testing.T) {
	jobA := &stubJob{name: "a"}
	jobB := &stubJob{name: "b"}
	registry, err := NewRegistry(jobA, jobB)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	jobs := registry.Jobs()
	if len(jobs) != 2 || jobs[0] != jobA || jobs[1] != jobB {
		t.Fatalf("jobs returned out of order: %v", registry.Names())
	}
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
	if got, ok := registry.Lookup("b"); !ok || got != jobB {
		t.Fatalf("lookup by name failed")
	}
	if _, ok := registry.Lookup("missing"); ok {
		t.Fatalf("unknown job should not resolve")
	}
}

func TestRegistryRejectsDuplicatesAndNil(t *testing.T) {
	if _, err := NewRegistry(&stubJob{name: "a"}, &stubJob{name: "a"}); err == nil {
		t.Fatal("expected duplicate name error")
	}
	var registry Registry
	if err := registry.Register(nil); err == nil {
		t.Fatal("expected nil job error")
	}
	if err := registry.Register(&stubJob{name: "zero-value"}); err != nil {
		t.Fatalf("zero-value registry should accept jobs: %v", err)
	}
}
