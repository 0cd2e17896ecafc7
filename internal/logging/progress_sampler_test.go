package logging

import "testing"

func TestNewProgressSamplerDefaults(t *testing.T) {
	if s := NewProgressSampler(0); s.bucketSize != 10 {
		t.Fatalf("bucketSize = %v, want 10", s.bucketSize)
	}
	if s := NewProgressSampler(25); s.bucketSize != 25 {
		t.Fatalf("bucketSize = %v, want 25", s.bucketSize)
	}
}

func TestProgressSamplerNilAlwaysLogs(t *testing.T) {
	var s *ProgressSampler
	if !s.ShouldLog(50, "encode") {
		t.Fatal("nil sampler should always log")
	}
}

func TestProgressSamplerBuckets(t *testing.T) {
	s := NewProgressSampler(10)
	steps := []struct {
		percent float64
		want    bool
	}{
		{0, true},
		{3, false},
		{9.9, false},
		{10, true},
		{15, false},
		{42, true},
		{41, false},
		{100, true},
		{140, false},
	}
	for _, step := range steps {
		if got := s.ShouldLog(step.percent, "encode"); got != step.want {
			t.Fatalf("ShouldLog(%v) = %v, want %v", step.percent, got, step.want)
		}
	}
}

func TestProgressSamplerPhaseChangeResetsBuckets(t *testing.T) {
	s := NewProgressSampler(10)
	if !s.ShouldLog(50, "download") {
		t.Fatal("first phase should log")
	}
	if !s.ShouldLog(10, "encode") {
		t.Fatal("phase change should log")
	}
	if s.ShouldLog(12, "encode") {
		t.Fatal("same bucket should not log")
	}
	if s.ShouldLog(-1, "encode") {
		t.Fatal("unknown percent in same phase should not log")
	}
	if !s.ShouldLog(-1, "finalize") {
		t.Fatal("phase change with unknown percent should log")
	}
}
