package quality

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// QualityMetrics is the controller state exported for monitoring/debugging
type QualityMetrics struct {
	Endpoint        string          `json:"endpoint"`
	Trusted         bool            `json:"trusted"`
	TickInterval    string          `json:"tickInterval"`
	CurrentSettings VideoSettings   `json:"currentSettings"`
	QualityScore    float64         `json:"qualityScore"`
	Latency         LatencyScore    `json:"latency"`
	LastDecision    Decision        `json:"lastDecision"`
	LastApplied     AppliedSnapshot `json:"lastApplied"`
	PendingOverride bool            `json:"pendingOverride"`

	// Adaptation statistics
	Reductions   uint64 `json:"reductions"`
	Increases    uint64 `json:"increases"`
	Holds        uint64 `json:"holds"`
	Bypasses     uint64 `json:"bypasses"`
	Skipped      uint64 `json:"skipped"`
	TickErrors   uint64 `json:"tickErrors"`
	EmitFailures uint64 `json:"emitFailures"`

	NextCheckAvailable time.Time `json:"nextCheckAvailable"` // when the minimum interval expires
}

// GetMetrics returns a consistent snapshot of the controller state
func (c *Controller) GetMetrics() QualityMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := QualityMetrics{
		Endpoint:        c.cfg.Endpoint,
		Trusted:         c.trusted,
		TickInterval:    c.cfg.TickInterval.String(),
		CurrentSettings: c.renderer.VideoSettings(),
		QualityScore:    c.qualityScore,
		Latency:         c.latency.Score(),
		LastDecision:    c.lastDecision,
		LastApplied:     c.last,
		PendingOverride: c.pendingOverride.Load(),
		Reductions:      c.counters.reductions,
		Increases:       c.counters.increases,
		Holds:           c.counters.holds,
		Bypasses:        c.counters.bypasses,
		Skipped:         c.counters.skipped,
		TickErrors:      c.counters.tickErrors,
		EmitFailures:    c.counters.emitFailures,
	}
	if !c.last.Timestamp.IsZero() {
		m.NextCheckAvailable = c.last.Timestamp.Add(minTickSpacing)
	}
	return m
}

// MetricsReader is satisfied by *Controller
type MetricsReader interface {
	GetMetrics() QualityMetrics
}

type collector struct {
	reader MetricsReader
	stream string

	bitrateDesc     *prometheus.Desc
	fpsDesc         *prometheus.Desc
	iFrameDesc      *prometheus.Desc
	scoreDesc       *prometheus.Desc
	latencyDesc     *prometheus.Desc
	jitterDesc      *prometheus.Desc
	adjustmentsDesc *prometheus.Desc
	tickErrorsDesc  *prometheus.Desc
	emitFailDesc    *prometheus.Desc
}

// NewCollector exposes controller metrics to prometheus
func NewCollector(stream string, reader MetricsReader) prometheus.Collector {
	labels := []string{"stream"}
	return &collector{
		reader: reader,
		stream: stream,
		bitrateDesc: prometheus.NewDesc(
			"streamtune_target_bitrate_bits",
			"Currently applied encoder bitrate",
			labels, nil),
		fpsDesc: prometheus.NewDesc(
			"streamtune_target_max_fps",
			"Currently applied encoder frame rate cap",
			labels, nil),
		iFrameDesc: prometheus.NewDesc(
			"streamtune_target_iframe_interval_seconds",
			"Currently applied keyframe interval",
			labels, nil),
		scoreDesc: prometheus.NewDesc(
			"streamtune_quality_score",
			"Composite quality score of the last evaluation",
			labels, nil),
		latencyDesc: prometheus.NewDesc(
			"streamtune_latency_mean_ms",
			"Mean round-trip latency over the sample window",
			labels, nil),
		jitterDesc: prometheus.NewDesc(
			"streamtune_latency_jitter_ms",
			"Round-trip jitter over the sample window",
			labels, nil),
		adjustmentsDesc: prometheus.NewDesc(
			"streamtune_adjustments_total",
			"Evaluations by outcome",
			[]string{"stream", "action"}, nil),
		tickErrorsDesc: prometheus.NewDesc(
			"streamtune_tick_errors_total",
			"Evaluations aborted by an error",
			labels, nil),
		emitFailDesc: prometheus.NewDesc(
			"streamtune_emit_failures_total",
			"Settings that could not be sent to the encoder",
			labels, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bitrateDesc
	ch <- c.fpsDesc
	ch <- c.iFrameDesc
	ch <- c.scoreDesc
	ch <- c.latencyDesc
	ch <- c.jitterDesc
	ch <- c.adjustmentsDesc
	ch <- c.tickErrorsDesc
	ch <- c.emitFailDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.reader.GetMetrics()

	ch <- prometheus.MustNewConstMetric(c.bitrateDesc, prometheus.GaugeValue, float64(m.CurrentSettings.Bitrate), c.stream)
	ch <- prometheus.MustNewConstMetric(c.fpsDesc, prometheus.GaugeValue, float64(m.CurrentSettings.MaxFps), c.stream)
	ch <- prometheus.MustNewConstMetric(c.iFrameDesc, prometheus.GaugeValue, float64(m.CurrentSettings.IFrameInterval), c.stream)
	ch <- prometheus.MustNewConstMetric(c.scoreDesc, prometheus.GaugeValue, m.QualityScore, c.stream)
	ch <- prometheus.MustNewConstMetric(c.latencyDesc, prometheus.GaugeValue, m.Latency.MeanLatencyMs, c.stream)
	ch <- prometheus.MustNewConstMetric(c.jitterDesc, prometheus.GaugeValue, m.Latency.JitterMs, c.stream)

	for action, n := range map[Action]uint64{
		ActionReduce: m.Reductions,
		ActionRaise:  m.Increases,
		ActionHold:   m.Holds,
		ActionBypass: m.Bypasses,
		ActionSkip:   m.Skipped,
	} {
		ch <- prometheus.MustNewConstMetric(c.adjustmentsDesc, prometheus.CounterValue, float64(n), c.stream, string(action))
	}

	ch <- prometheus.MustNewConstMetric(c.tickErrorsDesc, prometheus.CounterValue, float64(m.TickErrors), c.stream)
	ch <- prometheus.MustNewConstMetric(c.emitFailDesc, prometheus.CounterValue, float64(m.EmitFailures), c.stream)
}
