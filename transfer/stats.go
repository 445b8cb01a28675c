package transfer

import (
	"sync"
	"time"
)

// Stats tracks the finished part transfers of an engine. Expected durations are derived
// from the observed throughput, so a small single-part file and a full chunk are judged
// by the same measure.
type Stats struct {
	bytes    int64
	elapsed  time.Duration
	finished int64
	mu       sync.Mutex
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

// Record adds a successful part transfer of size bytes that took d.
func (s *Stats) Record(size int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes += size
	s.elapsed += d
	s.finished++
}

// Throughput returns the observed bytes per second, or 0 before the first measurable part.
func (s *Stats) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.elapsed <= 0 {
		return 0
	}
	return float64(s.bytes) / s.elapsed.Seconds()
}

// Expected estimates how long a part of size bytes should take. ok is false until a
// part with a non-zero size and duration finished.
func (s *Stats) Expected(size int64) (d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bytes <= 0 || s.elapsed <= 0 {
		return 0, false
	}
	return time.Duration(float64(size) / float64(s.bytes) * float64(s.elapsed)), true
}

// FinishedCount ...
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// BytesTransferred ...
func (s *Stats) BytesTransferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
