package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mikeyg42/streamtune/internal/quality"
)

// Config holds all application configuration
type Config struct {
	Stream    StreamConfig    `koanf:"stream"`
	Network   NetworkConfig   `koanf:"network"`
	Signaling SignalingConfig `koanf:"signaling"`
	WebRTC    WebRTCConfig    `koanf:"webrtc"`
	API       APIConfig       `koanf:"api"`
	Log       LogConfig       `koanf:"log"`
}

// StreamConfig selects the controller preset and the starting encoder settings
type StreamConfig struct {
	Endpoint        string        `koanf:"endpoint" validate:"omitempty,url"`
	Preset          string        `koanf:"preset" validate:"required,oneof=interactive conservative"`
	TickInterval    time.Duration `koanf:"tick_interval" validate:"omitempty,gte=250ms,lte=1m"`
	MaxBitrate      int           `koanf:"max_bitrate" validate:"omitempty,gte=512000,lte=23068672"`
	InternalDomains []string      `koanf:"internal_domains"`
	Initial         VideoConfig   `koanf:"initial"`
	Bypass          BypassConfig  `koanf:"bypass"`
}

// BypassConfig overrides the preset's trusted-endpoint profile; zero fields keep the preset value
type BypassConfig struct {
	BitrateFraction float64 `koanf:"bitrate_fraction" validate:"omitempty,gt=0,lte=1"`
	MaxFps          int     `koanf:"max_fps" validate:"omitempty,gte=15,lte=60"`
	IFrameInterval  int     `koanf:"iframe_interval" validate:"omitempty,gte=1"`
}

type VideoConfig struct {
	Bitrate        int    `koanf:"bitrate" validate:"gte=512000,lte=23068672"`
	MaxFps         int    `koanf:"max_fps" validate:"gte=15,lte=60"`
	IFrameInterval int    `koanf:"iframe_interval" validate:"gte=1"`
	Width          int    `koanf:"width" validate:"gte=0"`
	Height         int    `koanf:"height" validate:"gte=0"`
	EncoderName    string `koanf:"encoder_name"`
}

// NetworkConfig is a static link hint used when the peer sends none
type NetworkConfig struct {
	EffectiveType string  `koanf:"effective_type" validate:"omitempty,oneof=slow-2g 2g 3g 4g"`
	DownlinkMbps  float64 `koanf:"downlink_mbps" validate:"gte=0"`
}

type SignalingConfig struct {
	URL            string        `koanf:"url" validate:"omitempty,url"`
	PingInterval   time.Duration `koanf:"ping_interval" validate:"gte=100ms"`
	WriteTimeout   time.Duration `koanf:"write_timeout" validate:"gte=10ms"`
	DialTimeout    time.Duration `koanf:"dial_timeout" validate:"gte=100ms"`
	MaxDialElapsed time.Duration `koanf:"max_dial_elapsed" validate:"gte=1s"`
}

type WebRTCConfig struct {
	ICEServers  []string      `koanf:"ice_servers"`
	FrameWindow time.Duration `koanf:"frame_window" validate:"gte=1s,lte=1m"`
}

type APIConfig struct {
	Enabled   bool    `koanf:"enabled"`
	Addr      string  `koanf:"addr" validate:"required_if=Enabled true"`
	RateLimit float64 `koanf:"rate_limit" validate:"gte=0"`
	RateBurst int     `koanf:"rate_burst" validate:"gte=1"`
}

type LogConfig struct {
	Level       string `koanf:"level" validate:"oneof=debug info warn error"`
	Development bool   `koanf:"development"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			Preset: quality.PresetInteractive,
			Initial: VideoConfig{
				Bitrate:        8 * 1024 * 1024,
				MaxFps:         30,
				IFrameInterval: 10,
				Width:          1280,
				Height:         720,
			},
		},
		Signaling: SignalingConfig{
			URL:            "ws://localhost:7000/ws",
			PingInterval:   2 * time.Second,
			WriteTimeout:   time.Second,
			DialTimeout:    5 * time.Second,
			MaxDialElapsed: 30 * time.Second,
		},
		WebRTC: WebRTCConfig{
			ICEServers:  []string{"stun:stun.l.google.com:19302"},
			FrameWindow: 5 * time.Second,
		},
		API: APIConfig{
			Enabled:   true,
			Addr:      "localhost:8080",
			RateLimit: 10,
			RateBurst: 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks struct constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// QualityConfig resolves the preset and applies stream overrides
func (c *Config) QualityConfig() (quality.Config, error) {
	qc, err := quality.PresetConfig(c.Stream.Preset)
	if err != nil {
		return quality.Config{}, err
	}
	if c.Stream.TickInterval > 0 {
		qc.TickInterval = c.Stream.TickInterval
	}
	if c.Stream.MaxBitrate > 0 {
		qc.MaxBitrate = c.Stream.MaxBitrate
	}
	if b := c.Stream.Bypass; b.BitrateFraction > 0 {
		qc.TrustedBypassProfile.BitrateFraction = b.BitrateFraction
	}
	if b := c.Stream.Bypass; b.MaxFps > 0 {
		qc.TrustedBypassProfile.MaxFps = b.MaxFps
	}
	if b := c.Stream.Bypass; b.IFrameInterval > 0 {
		qc.TrustedBypassProfile.IFrameInterval = b.IFrameInterval
	}
	qc.InternalDomainPatterns = append([]string(nil), c.Stream.InternalDomains...)
	qc.Endpoint = c.Stream.Endpoint
	return qc, nil
}

// InitialSettings are the encoder settings the stream starts with
func (c *Config) InitialSettings() quality.VideoSettings {
	v := c.Stream.Initial
	return quality.VideoSettings{
		Bitrate:        v.Bitrate,
		MaxFps:         v.MaxFps,
		IFrameInterval: v.IFrameInterval,
		Width:          v.Width,
		Height:         v.Height,
		EncoderName:    v.EncoderName,
	}
}

// NetworkHint returns the static link hint, if any
func (c *Config) NetworkHint() quality.NetworkHint {
	return quality.NetworkHint{
		EffectiveType: c.Network.EffectiveType,
		DownlinkMbps:  c.Network.DownlinkMbps,
	}
}
