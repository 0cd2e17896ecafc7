package logging

import (
	"math"
	"strings"
)

// ProgressSampler thins encode progress logging to one line per bucket
// (10% by default) and one line per phase change.
type ProgressSampler struct {
	bucketSize float64
	phase      string
	bucket     int
}

func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 10
	}
	return &ProgressSampler{bucketSize: bucketSize, bucket: -1}
}

// ShouldLog reports whether this update enters a new phase or a higher
// bucket. A negative percent is unknown progress and only counts as a phase
// change. A nil sampler logs everything.
func (s *ProgressSampler) ShouldLog(percent float64, phase string) bool {
	if s == nil {
		return true
	}
	newPhase := false
	if phase = strings.TrimSpace(phase); phase != "" && phase != s.phase {
		s.phase, s.bucket = phase, -1
		newPhase = true
	}
	if percent < 0 {
		return newPhase
	}
	b := int(math.Min(percent, 100) / s.bucketSize)
	if b <= s.bucket {
		return newPhase
	}
	s.bucket = b
	return true
}
