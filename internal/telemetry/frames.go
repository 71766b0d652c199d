// Package telemetry derives renderer frame statistics from a received RTP video track
package telemetry

import (
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/mikeyg42/streamtune/internal/quality"
)

// DefaultWindow is the averaging window for per-second frame statistics
const DefaultWindow = 5 * time.Second

type bucket struct {
	second  int64
	input   uint64
	decoded uint64
	dropped uint64
	bytes   uint64
}

type assembly struct {
	active    bool
	timestamp uint32
	lastSeq   uint16
	bytes     int
	gap       bool
}

// FrameTracker assembles frames from RTP packets. A frame ends at the packet with the
// marker bit set; it counts as decoded when all of its packets arrived in sequence and
// as dropped otherwise.
type FrameTracker struct {
	mu  sync.Mutex
	now func() time.Time

	buckets []bucket
	first   time.Time

	frame   assembly
	lastSeq uint16
	haveSeq bool

	input   uint64
	decoded uint64
	dropped uint64
}

// NewFrameTracker creates a tracker averaging over window (rounded to whole seconds)
func NewFrameTracker(window time.Duration) *FrameTracker {
	seconds := int(window / time.Second)
	if seconds < 1 {
		seconds = int(DefaultWindow / time.Second)
	}
	return &FrameTracker{
		now:     time.Now,
		buckets: make([]bucket, seconds),
	}
}

// Observe feeds one received packet
func (ft *FrameTracker) Observe(pkt *rtp.Packet) {
	if pkt == nil {
		return
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()

	seq := pkt.SequenceNumber
	inOrder := !ft.haveSeq || seq == ft.lastSeq+1
	if ft.haveSeq && !inOrder && int16(seq-ft.lastSeq) <= 0 {
		// duplicate or late packet, already accounted for
		return
	}
	ft.lastSeq = seq
	ft.haveSeq = true

	if ft.frame.active && ft.frame.timestamp != pkt.Timestamp {
		// previous frame never saw its marker packet
		ft.finishLocked(false)
	}

	if !ft.frame.active {
		ft.frame = assembly{active: true, timestamp: pkt.Timestamp, gap: !inOrder}
	} else if !inOrder {
		ft.frame.gap = true
	}
	ft.frame.lastSeq = seq
	ft.frame.bytes += len(pkt.Payload)

	if pkt.Marker {
		ft.finishLocked(!ft.frame.gap)
	}
}

func (ft *FrameTracker) finishLocked(complete bool) {
	b := ft.bucketLocked()
	b.input++
	b.bytes += uint64(ft.frame.bytes)
	ft.input++
	if complete {
		b.decoded++
		ft.decoded++
	} else {
		b.dropped++
		ft.dropped++
	}
	ft.frame = assembly{}
}

func (ft *FrameTracker) bucketLocked() *bucket {
	now := ft.now()
	if ft.first.IsZero() {
		ft.first = now
	}
	sec := now.Unix()
	b := &ft.buckets[int(sec%int64(len(ft.buckets)))]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	return b
}

// QualityStats returns cumulative counters; false until the first frame completes
func (ft *FrameTracker) QualityStats() (quality.QualityStats, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if ft.input == 0 {
		return quality.QualityStats{}, false
	}
	return quality.QualityStats{DecodedFrames: ft.decoded, DroppedFrames: ft.dropped}, true
}

// FrameRateStats averages the last window of per-second buckets
func (ft *FrameTracker) FrameRateStats() (quality.FrameRateStats, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if ft.input == 0 {
		return quality.FrameRateStats{}, false
	}

	now := ft.now()
	sec := now.Unix()
	span := int64(len(ft.buckets))
	if elapsed := sec - ft.first.Unix() + 1; elapsed < span {
		span = elapsed
	}

	var total bucket
	for _, b := range ft.buckets {
		if b.second > sec-span && b.second <= sec {
			total.input += b.input
			total.decoded += b.decoded
			total.dropped += b.dropped
			total.bytes += b.bytes
		}
	}

	seconds := float64(span)
	stats := quality.FrameRateStats{
		AvgInput:   float64(total.input) / seconds,
		AvgDecoded: float64(total.decoded) / seconds,
		AvgDropped: float64(total.dropped) / seconds,
	}
	if total.input > 0 {
		stats.AvgSize = float64(total.bytes) / float64(total.input)
	}
	return stats, true
}

// Reset clears counters and the window, e.g. after a new track starts
func (ft *FrameTracker) Reset() {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	for i := range ft.buckets {
		ft.buckets[i] = bucket{}
	}
	ft.first = time.Time{}
	ft.frame = assembly{}
	ft.haveSeq = false
	ft.input, ft.decoded, ft.dropped = 0, 0, 0
}
