package quality

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives a Controller on a fixed interval
type Scheduler struct {
	ctrl   *Controller
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
}

// NewScheduler creates a stopped scheduler using the controller's tick interval
func NewScheduler(ctrl *Controller, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		ctrl:    ctrl,
		logger:  logger.Named("scheduler"),
		trigger: make(chan struct{}, 1),
	}
}

// Start evaluates once synchronously and then arms the periodic timer.
// Trusted endpoints get no timer; the one-shot bypass is enough for them.
// Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	s.ctrl.Tick(context.Background())

	if s.ctrl.Trusted() {
		s.logger.Info("Trusted endpoint, periodic evaluation disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	s.logger.Info("Scheduler started", zap.Duration("interval", s.ctrl.Config().TickInterval))
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.ctrl.Config().TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ctrl.Tick(ctx)
		case <-s.trigger:
			s.ctrl.Tick(ctx)
		}
	}
}

// Stop cancels the timer, waits for an in-flight tick and discards the session state,
// so the next Start begins a fresh session. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.ctrl.reset()
	s.logger.Info("Scheduler stopped")
}

// Running reports whether Start has been called without a matching Stop
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// PushLatencySample feeds a round-trip measurement in milliseconds
func (s *Scheduler) PushLatencySample(ms float64) {
	s.ctrl.RecordLatency(ms)
}

// RequestImmediateReevaluation sets the override consumed by the next tick
func (s *Scheduler) RequestImmediateReevaluation() {
	s.ctrl.RequestImmediateReevaluation()
}

// TriggerNow sets the override and evaluates without waiting for the timer
func (s *Scheduler) TriggerNow() {
	s.ctrl.RequestImmediateReevaluation()

	s.mu.Lock()
	running, looping := s.running, s.done != nil
	s.mu.Unlock()

	switch {
	case looping:
		select {
		case s.trigger <- struct{}{}:
		default:
		}
	case running:
		s.ctrl.Tick(context.Background())
	}
}

// Serve runs the scheduler until ctx is cancelled
func (s *Scheduler) Serve(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func (s *Scheduler) String() string {
	return "quality-scheduler"
}
