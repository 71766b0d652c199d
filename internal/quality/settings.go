// Package quality provides closed-loop adaptive quality control for a live video stream
package quality

import (
	"fmt"
	"math"
	"time"
)

// Encoder bounds. Bitrates are bits per second.
const (
	MaxBitrate = 22 * 1024 * 1024 // 22 Mbps
	MinBitrate = 500 * 1024       // 500 Kbps
	MaxFps     = 60
	MinFps     = 15
)

// minTickSpacing is the minimum wall-clock progress between applied changes
const minTickSpacing = 1000 * time.Millisecond

// VideoSettings is the encoder target pushed to the remote side.
// Values are never mutated in place; the With* helpers return copies.
type VideoSettings struct {
	Bitrate        int `json:"bitrate"`        // bits/sec
	MaxFps         int `json:"maxFps"`         // frames/sec
	IFrameInterval int `json:"iFrameInterval"` // seconds between forced keyframes

	// Passed through unmodified
	Width             int    `json:"width,omitempty"`
	Height            int    `json:"height,omitempty"`
	LockedOrientation int    `json:"lockedVideoOrientation,omitempty"`
	DisplayID         int    `json:"displayId,omitempty"`
	SendFrameMeta     bool   `json:"sendFrameMeta,omitempty"`
	CodecOptions      string `json:"codecOptions,omitempty"`
	EncoderName       string `json:"encoderName,omitempty"`
}

// WithTargets returns a copy with the three controlled fields replaced
func (s VideoSettings) WithTargets(bitrate, maxFps, iFrameInterval int) VideoSettings {
	s.Bitrate = bitrate
	s.MaxFps = maxFps
	s.IFrameInterval = iFrameInterval
	return s
}

// Clamped returns a copy with every controlled field inside its legal range
func (s VideoSettings) Clamped(maxBitrate int) VideoSettings {
	s.Bitrate = clampInt(s.Bitrate, MinBitrate, maxBitrate)
	s.MaxFps = clampInt(s.MaxFps, MinFps, MaxFps)
	if s.IFrameInterval < 1 {
		s.IFrameInterval = 1
	}
	return s
}

func (s VideoSettings) String() string {
	return fmt.Sprintf("%dkbps@%dfps/i%d", s.Bitrate/1024, s.MaxFps, s.IFrameInterval)
}

// QualityStats are cumulative renderer counters since stream start
type QualityStats struct {
	DecodedFrames uint64 `json:"decodedFrames"`
	DroppedFrames uint64 `json:"droppedFrames"`
}

// FrameRateStats are per-second averages over the renderer's own short window.
// AvgSize is the average encoded frame size in bytes.
type FrameRateStats struct {
	AvgInput   float64 `json:"avgInput"`
	AvgDecoded float64 `json:"avgDecoded"`
	AvgDropped float64 `json:"avgDropped"`
	AvgSize    float64 `json:"avgSize"`
}

// NetworkHint is the environment-level link hint. Zero values mean unknown.
type NetworkHint struct {
	EffectiveType string  `json:"effectiveType,omitempty"`
	DownlinkMbps  float64 `json:"downlink,omitempty"`
}

// NetworkInfo is recomputed on every tick
type NetworkInfo struct {
	EffectiveType  string  `json:"effectiveType"`
	DownlinkMbps   float64 `json:"downlinkMbps"`
	Quality        float64 `json:"quality"` // combined link-type and latency score, 0..1
	MaxBitrate     int     `json:"maxBitrate"`
	LatencyMs      float64 `json:"latencyMs"`
	LatencyQuality float64 `json:"latencyQuality"`
}

// AppliedSnapshot records the state at the last applied change
type AppliedSnapshot struct {
	DecodedFrames uint64    `json:"decodedFrames"`
	DroppedFrames uint64    `json:"droppedFrames"`
	Timestamp     time.Time `json:"timestamp"`
	Bitrate       int       `json:"bitrate"`
}

func clamp(val, min, max float64) float64 {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
