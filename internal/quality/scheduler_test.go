package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func degradedRenderer() *fakeRenderer {
	r := newFakeRenderer(defaultSettings())
	r.setTelemetry(QualityStats{}, FrameRateStats{AvgInput: 100, AvgDecoded: 40, AvgDropped: 60})
	return r
}

func TestSchedulerStartEvaluatesImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour
	sink := &fakeSink{}
	c, err := NewController(cfg, degradedRenderer(), sink)
	require.NoError(t, err)

	s := NewScheduler(c, nil)
	s.Start()
	defer s.Stop()

	require.True(t, s.Running())
	require.Equal(t, 1, sink.count())

	// Idempotent while running
	s.Start()
	require.Equal(t, 1, sink.count())
}

func TestSchedulerTicksPeriodically(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	r := newFakeRenderer(defaultSettings())
	sink := &fakeSink{}
	c, err := NewController(cfg, r, sink)
	require.NoError(t, err)

	s := NewScheduler(c, nil)
	s.Start()
	defer s.Stop()

	require.Zero(t, sink.count())
	r.setTelemetry(QualityStats{}, FrameRateStats{AvgInput: 100, AvgDecoded: 40, AvgDropped: 60})

	require.Eventually(t, func() bool {
		return c.GetMetrics().Reductions >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	c, err := NewController(cfg, newFakeRenderer(defaultSettings()), &fakeSink{})
	require.NoError(t, err)

	s := NewScheduler(c, nil)
	s.Stop()
	s.Start()
	s.Stop()
	s.Stop()
	require.False(t, s.Running())

	skipped := c.GetMetrics().Skipped
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, skipped, c.GetMetrics().Skipped)
}

func TestSchedulerTrustedEndpointHasNoTimer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.Endpoint = "http://[2001:db8::1]/"
	r := degradedRenderer()
	sink := &fakeSink{}
	c, err := NewController(cfg, r, sink)
	require.NoError(t, err)

	s := NewScheduler(c, nil)
	s.Start()
	defer s.Stop()

	require.Equal(t, 1, sink.count())
	require.Equal(t, MaxBitrate, sink.last().Bitrate)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, sink.count())

	// A forced evaluation still runs the general algorithm
	s.TriggerNow()
	require.Equal(t, 2, sink.count())
	require.Less(t, sink.last().Bitrate, MaxBitrate)
}

func TestSchedulerRestartStartsFreshSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "http://192.168.1.5:8000/"
	sink := &fakeSink{}
	c, err := NewController(cfg, degradedRenderer(), sink)
	require.NoError(t, err)

	s := NewScheduler(c, nil)
	s.Start()
	require.Equal(t, 1, sink.count())

	s.PushLatencySample(250)
	s.RequestImmediateReevaluation()
	s.Stop()

	m := c.GetMetrics()
	require.True(t, m.LastApplied.Timestamp.IsZero())
	require.False(t, m.PendingOverride)
	require.Zero(t, m.Latency.Samples)
	require.Equal(t, 1.0, m.QualityScore)

	// The bypass fires again for the new session
	s.Start()
	defer s.Stop()
	require.Equal(t, 2, sink.count())
	require.Equal(t, MaxBitrate, sink.last().Bitrate)
	require.Equal(t, uint64(2), c.GetMetrics().Bypasses)
}

func TestSchedulerTriggerNowBypassesGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour
	sink := &fakeSink{}
	c, err := NewController(cfg, degradedRenderer(), sink)
	require.NoError(t, err)

	s := NewScheduler(c, nil)
	s.Start()
	defer s.Stop()
	require.Equal(t, 1, sink.count())

	s.TriggerNow()
	require.Eventually(t, func() bool {
		return sink.count() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerLatencySamples(t *testing.T) {
	c, err := NewController(DefaultConfig(), newFakeRenderer(defaultSettings()), &fakeSink{})
	require.NoError(t, err)

	s := NewScheduler(c, nil)
	s.PushLatencySample(120)
	s.PushLatencySample(80)
	s.RequestImmediateReevaluation()

	m := c.GetMetrics()
	require.InDelta(t, 100, m.Latency.MeanLatencyMs, 1e-9)
	require.True(t, m.PendingOverride)
}
