package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mikeyg42/streamtune/internal/api"
	"github.com/mikeyg42/streamtune/internal/config"
	"github.com/mikeyg42/streamtune/internal/quality"
	"github.com/mikeyg42/streamtune/internal/signaling"
	"github.com/mikeyg42/streamtune/internal/telemetry"
	"github.com/mikeyg42/streamtune/internal/webrtc"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	endpoint := flag.String("endpoint", "", "stream endpoint URL (overrides config)")
	preset := flag.String("preset", "", "controller preset: interactive or conservative (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *endpoint != "" {
		cfg.Stream.Endpoint = *endpoint
	}
	if *preset != "" {
		cfg.Stream.Preset = *preset
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Shut down cleanly")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.receiver.Close()
	return a.sup.Serve(ctx)
}

// app is the wired service tree
type app struct {
	sup       *suture.Supervisor
	ctrl      *quality.Controller
	scheduler *quality.Scheduler
	client    *signaling.Client
	receiver  *webrtc.Receiver
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	qc, err := cfg.QualityConfig()
	if err != nil {
		return nil, err
	}

	tracker := telemetry.NewFrameTracker(cfg.WebRTC.FrameWindow)
	renderer := telemetry.NewRenderer(tracker, cfg.InitialSettings(), logger)
	renderer.OnApply(func(s quality.VideoSettings) {
		logger.Debug("Encoder target updated", zap.Stringer("settings", s))
	})

	hints := &signaling.HintStore{}
	hints.Update(cfg.NetworkHint())

	client, err := signaling.NewClient(signaling.Options{
		URL:            cfg.Signaling.URL,
		PingInterval:   cfg.Signaling.PingInterval,
		WriteTimeout:   cfg.Signaling.WriteTimeout,
		DialTimeout:    cfg.Signaling.DialTimeout,
		MaxDialElapsed: cfg.Signaling.MaxDialElapsed,
	}, nil, nil, hints, logger)
	if err != nil {
		return nil, err
	}

	ctrl, err := quality.NewController(qc, renderer, client,
		quality.WithLogger(logger),
		quality.WithNetworkHints(hints))
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	scheduler := quality.NewScheduler(ctrl, logger)
	client.Attach(scheduler, scheduler)

	// The scheduler and the client run as sibling services, so ticks can land while the
	// channel is down. Replay the current target on every (re)connect.
	client.OnConnect(func(ctx context.Context) {
		if err := ctrl.Resync(ctx); err != nil {
			logger.Warn("Failed to resync video settings", zap.Error(err))
		}
	})

	receiver, err := webrtc.NewReceiver(cfg.WebRTC.ICEServers, tracker, logger)
	if err != nil {
		return nil, err
	}
	client.SetOfferHandler(receiver)

	logger.Info("Quality controller configured",
		zap.String("preset", cfg.Stream.Preset),
		zap.String("endpoint", qc.Endpoint),
		zap.Bool("trusted", ctrl.Trusted()),
		zap.Duration("tickInterval", qc.TickInterval),
		zap.String("session", client.SessionID()))

	sup := suture.New("streamtune", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn("Supervisor event", zap.String("event", e.String()), zap.Any("details", e.Map()))
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	sup.Add(scheduler)
	sup.Add(client)

	if cfg.API.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			quality.NewCollector(client.SessionID(), ctrl),
		)
		handler := api.NewQualityHandler(ctrl, scheduler, hints, logger.Named("api"))
		limiter := api.NewRateLimiter(cfg.API.RateLimit, cfg.API.RateBurst)
		sup.Add(api.NewServer(cfg.API.Addr, handler, registry, limiter, logger))
	}

	return &app{sup: sup, ctrl: ctrl, scheduler: scheduler, client: client, receiver: receiver}, nil
}
