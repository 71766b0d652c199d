package telemetry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/streamtune/internal/quality"
)

// Renderer is the local receive side: frame statistics come from a FrameTracker and the
// active settings are held here until the encoder picks them up.
type Renderer struct {
	tracker *FrameTracker
	logger  *zap.Logger

	mu       sync.RWMutex
	settings quality.VideoSettings
	onApply  func(quality.VideoSettings)
	applied  uint64
}

// NewRenderer creates a renderer reporting stats from tracker
func NewRenderer(tracker *FrameTracker, initial quality.VideoSettings, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		tracker:  tracker,
		logger:   logger.Named("renderer"),
		settings: initial,
	}
}

// OnApply registers a hook invoked when settings are applied locally
func (r *Renderer) OnApply(fn func(quality.VideoSettings)) {
	r.mu.Lock()
	r.onApply = fn
	r.mu.Unlock()
}

func (r *Renderer) QualityStats() (quality.QualityStats, bool) {
	return r.tracker.QualityStats()
}

func (r *Renderer) FrameRateStats() (quality.FrameRateStats, bool) {
	return r.tracker.FrameRateStats()
}

func (r *Renderer) VideoSettings() quality.VideoSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// SetVideoSettings stores settings when applyLocally is set. Remote notification is the
// controller's sink's job, so notifyRemote is only logged.
func (r *Renderer) SetVideoSettings(settings quality.VideoSettings, applyLocally, notifyRemote bool) {
	r.mu.Lock()
	hook := r.onApply
	if applyLocally {
		r.settings = settings
		r.applied++
	}
	r.mu.Unlock()

	r.logger.Debug("Video settings updated",
		zap.Stringer("settings", settings),
		zap.Bool("applyLocally", applyLocally),
		zap.Bool("notifyRemote", notifyRemote))

	if applyLocally && hook != nil {
		hook(settings)
	}
}

// Applied reports how many times settings were applied locally
func (r *Renderer) Applied() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.applied
}
