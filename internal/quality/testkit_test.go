package quality

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeRenderer struct {
	mu          sync.Mutex
	stats       *QualityStats
	framesStats *FrameRateStats
	settings    VideoSettings
	applied     []VideoSettings
	panicOnRead bool
}

func newFakeRenderer(settings VideoSettings) *fakeRenderer {
	return &fakeRenderer{settings: settings}
}

func (r *fakeRenderer) setTelemetry(stats QualityStats, frames FrameRateStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = &stats
	r.framesStats = &frames
}

func (r *fakeRenderer) QualityStats() (QualityStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panicOnRead {
		panic("renderer went away")
	}
	if r.stats == nil {
		return QualityStats{}, false
	}
	return *r.stats, true
}

func (r *fakeRenderer) FrameRateStats() (FrameRateStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.framesStats == nil {
		return FrameRateStats{}, false
	}
	return *r.framesStats, true
}

func (r *fakeRenderer) VideoSettings() VideoSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

func (r *fakeRenderer) SetVideoSettings(settings VideoSettings, applyLocally, notifyRemote bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if applyLocally {
		r.settings = settings
	}
	r.applied = append(r.applied, settings)
}

func (r *fakeRenderer) appliedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

type fakeSink struct {
	mu   sync.Mutex
	sent []VideoSettings
	fail bool
}

func (s *fakeSink) SendNewVideoSetting(ctx context.Context, settings VideoSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, settings)
	if s.fail {
		return errors.New("control channel closed")
	}
	return nil
}

func (s *fakeSink) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSink) last() VideoSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

type staticHints NetworkHint

func (h staticHints) NetworkHint() NetworkHint { return NetworkHint(h) }

// fakeClock is advanced manually by tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func defaultSettings() VideoSettings {
	return VideoSettings{
		Bitrate:        8 * 1024 * 1024,
		MaxFps:         30,
		IFrameInterval: 10,
		Width:          1280,
		Height:         720,
		EncoderName:    "OMX.qcom.video.encoder.avc",
	}
}

// blockingSink holds every send until release is closed
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *blockingSink) SendNewVideoSetting(ctx context.Context, settings VideoSettings) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
