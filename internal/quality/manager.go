package quality

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	degradeThreshold   = 0.4
	raiseThreshold     = 0.8
	minReductionFactor = 0.3
	fpsStepDown        = 5
	fpsStepUp          = 2
	raiseStep          = 1.1
	headroomMargin     = 0.2 // spare capacity required before raising
	ceilingFraction    = 0.9 // never raise above this share of the link ceiling
	emitTimeout        = time.Second
)

// Renderer is the local decoder that reports frame telemetry and holds the active settings
type Renderer interface {
	QualityStats() (QualityStats, bool)
	FrameRateStats() (FrameRateStats, bool)
	VideoSettings() VideoSettings
	SetVideoSettings(settings VideoSettings, applyLocally, notifyRemote bool)
}

// SettingsSink relays new settings to the remote encoder. Delivery is not acknowledged.
type SettingsSink interface {
	SendNewVideoSetting(ctx context.Context, settings VideoSettings) error
}

// NetworkHintSource provides a best-effort link hint
type NetworkHintSource interface {
	NetworkHint() NetworkHint
}

// Action is the outcome of a tick
type Action string

const (
	ActionSkip   Action = "skip"
	ActionHold   Action = "hold"
	ActionReduce Action = "reduce"
	ActionRaise  Action = "raise"
	ActionBypass Action = "trusted-bypass"
	ActionError  Action = "error"
)

// Decision describes what a tick decided
type Decision struct {
	Action            Action        `json:"action"`
	QualityScore      float64       `json:"qualityScore"`
	DroppedFramesRate float64       `json:"droppedFramesRate"`
	Settings          VideoSettings `json:"settings"`
	Network           NetworkInfo   `json:"network"`
	Changed           bool          `json:"changed"`
	At                time.Time     `json:"at"`
}

var errInvalidScore = errors.New("quality score is not a finite number")

// Controller turns renderer and network telemetry into encoder settings.
// Collaborators are injected; the controller holds no global state.
type Controller struct {
	cfg        Config
	renderer   Renderer
	sink       SettingsSink
	hints      NetworkHintSource
	classifier *NetworkClassifier
	latency    *LatencyTracker
	logger     *zap.Logger
	now        func() time.Time

	trusted         bool
	pendingOverride atomic.Bool

	tickMu sync.Mutex

	// mu guards everything below
	mu           sync.Mutex
	qualityScore float64
	last         AppliedSnapshot
	lastDecision Decision
	counters     adjustmentCounters
}

type adjustmentCounters struct {
	reductions   uint64
	increases    uint64
	holds        uint64
	bypasses     uint64
	skipped      uint64
	tickErrors   uint64
	emitFailures uint64
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger; the controller names itself "quality"
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNetworkHints sets the source of link-type and downlink hints
func WithNetworkHints(src NetworkHintSource) Option {
	return func(c *Controller) {
		c.hints = src
	}
}

// NewController builds a controller for one streaming session
func NewController(cfg Config, renderer Renderer, sink SettingsSink, opts ...Option) (*Controller, error) {
	if renderer == nil {
		return nil, fmt.Errorf("renderer cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("settings sink cannot be nil")
	}

	cfg = cfg.withDefaults()
	classifier, err := NewNetworkClassifier(cfg.MaxBitrate, cfg.InternalDomainPatterns)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:          cfg,
		renderer:     renderer,
		sink:         sink,
		classifier:   classifier,
		latency:      NewLatencyTracker(),
		logger:       zap.NewNop(),
		now:          time.Now,
		qualityScore: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("quality")
	c.trusted = classifier.IsTrustedEndpoint(cfg.Endpoint)

	c.logger.Info("Controller initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("trusted", c.trusted),
		zap.Duration("interval", cfg.TickInterval),
		zap.Int("max_bitrate_kbps", cfg.MaxBitrate/1024))

	return c, nil
}

// Config returns the effective configuration
func (c *Controller) Config() Config {
	return c.cfg
}

// Trusted reports whether the endpoint was classified as trusted
func (c *Controller) Trusted() bool {
	return c.trusted
}

// RecordLatency appends a round-trip sample in milliseconds
func (c *Controller) RecordLatency(ms float64) {
	c.latency.Record(ms)
}

// RequestImmediateReevaluation lets the next tick bypass the minimum interval
func (c *Controller) RequestImmediateReevaluation() {
	c.pendingOverride.Store(true)
}

// Tick runs one evaluation. Failures are logged and turn the tick into a no-op.
// Ticks are serialised; state is locked only while deciding, not while sending.
func (c *Controller) Tick(ctx context.Context) (d Decision) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	now := c.now()
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.counters.tickErrors++
			c.mu.Unlock()
			c.logger.Warn("Error during optimization", zap.Any("panic", r))
			d = Decision{Action: ActionError, At: now}
		}
	}()

	if bypass, ok := c.trustedBypass(now); ok {
		c.logger.Info("Trusted endpoint detected, applying bypass profile", zap.String("endpoint", c.cfg.Endpoint))
		c.emit(ctx, bypass.Settings)
		c.logger.Info("Bypass profile applied",
			zap.Int("bitrate_kbps", bypass.Settings.Bitrate/1024),
			zap.Int("max_fps", bypass.Settings.MaxFps),
			zap.Int("iframe_interval", bypass.Settings.IFrameInterval))
		return bypass
	}

	d = c.evaluate(now)
	if !d.Changed {
		return d
	}

	c.emit(ctx, d.Settings)
	c.logger.Info("Settings adjusted",
		zap.Int("bitrate_kbps", d.Settings.Bitrate/1024),
		zap.Int("max_fps", d.Settings.MaxFps),
		zap.Int("iframe_interval", d.Settings.IFrameInterval),
		zap.Int("dropped_frames_pct", int(math.Round(d.DroppedFramesRate*100))),
		zap.String("network_type", d.Network.EffectiveType),
		zap.Float64("network_quality", d.Network.Quality),
		zap.Int("ws_latency_ms", int(math.Round(d.Network.LatencyMs))),
		zap.String("ws_quality_score", fmt.Sprintf("%.2f", d.Network.LatencyQuality)))

	return d
}

// trustedBypass records the one-shot bypass decision on the first tick of a trusted session
func (c *Controller) trustedBypass(now time.Time) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.trusted || !c.last.Timestamp.IsZero() {
		return Decision{}, false
	}

	settings := c.cfg.TrustedBypassProfile.Settings(c.renderer.VideoSettings(), c.cfg.MaxBitrate)
	c.qualityScore = 1.0
	c.last.Timestamp = now
	c.last.Bitrate = settings.Bitrate
	c.counters.bypasses++
	c.lastDecision = Decision{
		Action:       ActionBypass,
		QualityScore: 1.0,
		Settings:     settings,
		Changed:      true,
		At:           now,
	}
	return c.lastDecision, true
}

// evaluate gates and decides under the state lock; the caller emits
func (c *Controller) evaluate(now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.renderer.QualityStats()
	framesStats, framesOK := c.renderer.FrameRateStats()
	if !ok || !framesOK {
		c.counters.skipped++
		c.logger.Debug("No quality stats available")
		return Decision{Action: ActionSkip, At: now}
	}

	override := c.pendingOverride.Swap(false)
	if !override && now.Sub(c.last.Timestamp) < minTickSpacing {
		c.counters.skipped++
		return Decision{Action: ActionSkip, At: now}
	}

	current := c.renderer.VideoSettings()
	network := c.networkInfo()

	decision, err := decide(c.cfg.MaxBitrate, current, framesStats, network)
	if err != nil {
		c.counters.tickErrors++
		c.logger.Warn("Error during optimization", zap.Error(err))
		return Decision{Action: ActionError, At: now}
	}
	decision.At = now
	c.qualityScore = decision.QualityScore
	c.lastDecision = decision

	switch decision.Action {
	case ActionReduce:
		c.counters.reductions++
		c.logger.Info("Reducing quality", zap.String("score", fmt.Sprintf("%.2f", decision.QualityScore)))
	case ActionRaise:
		c.counters.increases++
		c.logger.Info("Increasing quality", zap.String("score", fmt.Sprintf("%.2f", decision.QualityScore)))
	default:
		c.counters.holds++
	}

	if decision.Changed {
		c.last = AppliedSnapshot{
			DecodedFrames: stats.DecodedFrames,
			DroppedFrames: stats.DroppedFrames,
			Timestamp:     now,
			Bitrate:       decision.Settings.Bitrate,
		}
	}
	return decision
}

// emit is fire-and-forget: a failed send is logged and left for the next tick or a resync to correct
func (c *Controller) emit(ctx context.Context, settings VideoSettings) {
	if err := c.send(ctx, settings); err != nil {
		c.logger.Warn("Failed to send video settings", zap.Error(err))
	}
	c.renderer.SetVideoSettings(settings, true, true)
}

func (c *Controller) send(ctx context.Context, settings VideoSettings) error {
	sendCtx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()

	err := c.sink.SendNewVideoSetting(sendCtx, settings)
	if err != nil {
		c.mu.Lock()
		c.counters.emitFailures++
		c.mu.Unlock()
	}
	return err
}

// Resync re-sends the active settings without evaluating, e.g. when the control channel
// (re)connects after an emission was lost.
func (c *Controller) Resync(ctx context.Context) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	settings := c.renderer.VideoSettings()
	if err := c.send(ctx, settings); err != nil {
		return fmt.Errorf("resync video settings: %w", err)
	}
	c.logger.Info("Video settings resynced", zap.Int("bitrate_kbps", settings.Bitrate/1024), zap.Int("max_fps", settings.MaxFps))
	return nil
}

// reset discards per-session state. Adjustment counters are cumulative and survive.
func (c *Controller) reset() {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = AppliedSnapshot{}
	c.lastDecision = Decision{}
	c.qualityScore = 1
	c.pendingOverride.Store(false)
	c.latency.Reset()
}

func (c *Controller) networkInfo() NetworkInfo {
	var hint NetworkHint
	if c.hints != nil {
		hint = c.hints.NetworkHint()
	}
	score := c.latency.Score()
	info := c.classifier.Classify(hint.EffectiveType, hint.DownlinkMbps, score.QualityScore)
	info.LatencyMs = score.MeanLatencyMs
	return info
}

// decide is the pure decision step. Frame delivery and drop rate share avgInput
// as denominator, so dropped frames count twice.
func decide(maxBitrate int, current VideoSettings, f FrameRateStats, network NetworkInfo) (Decision, error) {
	droppedFramesRate := 0.0
	if f.AvgInput > 0 {
		droppedFramesRate = f.AvgDropped / f.AvgInput
	}

	score := 1.0
	if f.AvgInput > 0 {
		score *= f.AvgDecoded / f.AvgInput
	}
	if droppedFramesRate > 0 {
		score *= 1 - droppedFramesRate
	}
	if network.LatencyMs > 0 {
		score *= clamp(1-network.LatencyMs/worstLatencyMs, 0, 1)
	}
	if !isFinite(score) || !isFinite(network.LatencyMs) {
		return Decision{}, fmt.Errorf("%w: score=%v latency=%v", errInvalidScore, score, network.LatencyMs)
	}

	bitrate, maxFps := current.Bitrate, current.MaxFps
	action := ActionHold

	if score < degradeThreshold {
		reduction := math.Max(minReductionFactor, score)
		bitrate = int(math.Floor(float64(bitrate) * reduction))
		if bitrate < MinBitrate {
			bitrate = MinBitrate
		}
		maxFps -= fpsStepDown
		if maxFps < MinFps {
			maxFps = MinFps
		}
		action = ActionReduce
	} else if score > raiseThreshold && f.AvgSize > 0 {
		utilization := f.AvgSize * 8
		headroom := float64(network.MaxBitrate) - utilization
		if headroom > float64(bitrate)*headroomMargin {
			bitrate = int(math.Floor(math.Min(float64(network.MaxBitrate)*ceilingFraction, float64(bitrate)*raiseStep)))
			maxFps += fpsStepUp
			if maxFps > MaxFps {
				maxFps = MaxFps
			}
			action = ActionRaise
		}
	}

	bitrate = clampInt(bitrate, MinBitrate, maxBitrate)
	maxFps = clampInt(maxFps, MinFps, MaxFps)

	iFrameInterval := int(math.Floor(float64(maxFps) / (4 * math.Max(1, network.LatencyMs/100))))
	if iFrameInterval < 1 {
		iFrameInterval = 1
	}

	return Decision{
		Action:            action,
		QualityScore:      score,
		DroppedFramesRate: droppedFramesRate,
		Settings:          current.WithTargets(bitrate, maxFps, iFrameInterval),
		Network:           network,
		Changed:           bitrate != current.Bitrate || maxFps != current.MaxFps,
	}, nil
}
