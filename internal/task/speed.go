package task

import (
	"sync"
	"time"
)

type speedSample struct {
	bytes   int64
	elapsed time.Duration
}

// SpeedCalculator keeps a sliding window of recent chunk timings and
// reports an instantaneous transfer speed from them.
type SpeedCalculator struct {
	mu      sync.Mutex
	samples []speedSample
	window  int
}

// NewSpeedCalculator creates a calculator averaging over the last
// windowSize samples.
func NewSpeedCalculator(windowSize int) *SpeedCalculator {
	if windowSize <= 0 {
		windowSize = 5
	}
	return &SpeedCalculator{window: windowSize}
}

// AddSample records that bytes were transferred in elapsed time.
func (s *SpeedCalculator) AddSample(bytes int64, elapsed time.Duration) {
	if bytes < 0 || elapsed <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, speedSample{bytes: bytes, elapsed: elapsed})
	if len(s.samples) > s.window {
		s.samples = s.samples[len(s.samples)-s.window:]
	}
}

// GetSpeed returns the current speed in bytes per second.
func (s *SpeedCalculator) GetSpeed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bytes int64
	var elapsed time.Duration
	for _, sample := range s.samples {
		bytes += sample.bytes
		elapsed += sample.elapsed
	}

	if elapsed <= 0 {
		return 0
	}

	return int64(float64(bytes) / elapsed.Seconds())
}

// Reset drops all recorded samples.
func (s *SpeedCalculator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = nil
}
