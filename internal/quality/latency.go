package quality

import (
	"math"
	"sync"
)

const (
	latencyWindowCapacity = 10
	worstLatencyMs        = 500.0 // latency at or above scores 0
	worstJitterMs         = 100.0 // jitter at or above scores 0
)

// LatencyScore summarises the current latency window
type LatencyScore struct {
	MeanLatencyMs float64 `json:"meanLatencyMs"`
	JitterMs      float64 `json:"jitterMs"`
	QualityScore  float64 `json:"qualityScore"`
	Samples       int     `json:"samples"`
}

// LatencyTracker keeps a bounded FIFO window of round-trip samples.
// Samples are appended from the signaling goroutine while ticks read the window.
type LatencyTracker struct {
	mu       sync.RWMutex
	data     []float64
	capacity int
	size     int
	head     int // next write position
}

// NewLatencyTracker creates a tracker holding the last 10 samples
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{
		data:     make([]float64, latencyWindowCapacity),
		capacity: latencyWindowCapacity,
	}
}

// Record appends a sample, evicting the oldest once the window is full
func (lt *LatencyTracker) Record(sampleMs float64) {
	if !isFinite(sampleMs) {
		return
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.data[lt.head] = sampleMs
	lt.head = (lt.head + 1) % lt.capacity
	if lt.size < lt.capacity {
		lt.size++
	}
}

// Samples returns the window in arrival order
func (lt *LatencyTracker) Samples() []float64 {
	lt.mu.RLock()
	defer lt.mu.RUnlock()

	result := make([]float64, lt.size)
	tail := (lt.head - lt.size + lt.capacity) % lt.capacity
	for i := 0; i < lt.size; i++ {
		result[i] = lt.data[(tail+i)%lt.capacity]
	}
	return result
}

// Score derives mean, population jitter and a 0..1 quality score.
// An empty window is optimistic and scores 1.
func (lt *LatencyTracker) Score() LatencyScore {
	samples := lt.Samples()
	if len(samples) == 0 {
		return LatencyScore{QualityScore: 1}
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	n := float64(len(samples))
	mean := sum / n

	var sq float64
	for _, s := range samples {
		d := s - mean
		sq += d * d
	}
	jitter := math.Sqrt(sq / n)

	latencyScore := clamp(1-mean/worstLatencyMs, 0, 1)
	jitterScore := clamp(1-jitter/worstJitterMs, 0, 1)

	return LatencyScore{
		MeanLatencyMs: mean,
		JitterMs:      jitter,
		QualityScore:  (latencyScore + jitterScore) / 2,
		Samples:       len(samples),
	}
}

// Reset empties the window
func (lt *LatencyTracker) Reset() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.size = 0
	lt.head = 0
}
