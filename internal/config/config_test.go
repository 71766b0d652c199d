package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/streamtune/internal/quality"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamtune.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	qc, err := cfg.QualityConfig()
	require.NoError(t, err)
	assert.Equal(t, quality.DefaultConfig().TickInterval, qc.TickInterval)
	assert.Equal(t, quality.MaxBitrate, qc.MaxBitrate)

	s := cfg.InitialSettings()
	assert.Equal(t, 8*1024*1024, s.Bitrate)
	assert.Equal(t, 30, s.MaxFps)
	assert.Equal(t, quality.NetworkHint{}, cfg.NetworkHint())
}

func TestLoadLayers(t *testing.T) {
	path := writeFile(t, `
stream:
  endpoint: http://camera.lan:8000/stream
  preset: conservative
  max_bitrate: 4194304
  internal_domains: ["*.lan"]
  initial:
    max_fps: 24
network:
  effective_type: 3g
  downlink_mbps: 2.5
signaling:
  ping_interval: 500ms
log:
  level: debug
`)
	t.Setenv("QO_STREAM_TICK_INTERVAL", "3s")
	t.Setenv("QO_STREAM_INITIAL_IFRAME_INTERVAL", "5")
	t.Setenv("QO_WEBRTC_ICE_SERVERS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("QO_API_ADDR", "127.0.0.1:9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "conservative", cfg.Stream.Preset)
	assert.Equal(t, 3*time.Second, cfg.Stream.TickInterval)
	assert.Equal(t, 24, cfg.Stream.Initial.MaxFps)
	assert.Equal(t, 5, cfg.Stream.Initial.IFrameInterval)
	assert.Equal(t, 1280, cfg.Stream.Initial.Width)
	assert.Equal(t, 500*time.Millisecond, cfg.Signaling.PingInterval)
	assert.Equal(t, 5*time.Second, cfg.Signaling.DialTimeout)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.WebRTC.ICEServers)
	assert.Equal(t, "127.0.0.1:9090", cfg.API.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)

	qc, err := cfg.QualityConfig()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, qc.TickInterval)
	assert.Equal(t, 4194304, qc.MaxBitrate)
	assert.Equal(t, []string{"*.lan"}, qc.InternalDomainPatterns)
	assert.Equal(t, "http://camera.lan:8000/stream", qc.Endpoint)
	assert.Equal(t, 0.5, qc.TrustedBypassProfile.BitrateFraction)

	assert.Equal(t, quality.NetworkHint{EffectiveType: "3g", DownlinkMbps: 2.5}, cfg.NetworkHint())
}

func TestBypassOverrides(t *testing.T) {
	path := writeFile(t, `
stream:
  preset: conservative
  bypass:
    bitrate_fraction: 0.75
`)
	t.Setenv("QO_STREAM_BYPASS_MAX_FPS", "30")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Stream.Bypass.MaxFps)

	qc, err := cfg.QualityConfig()
	require.NoError(t, err)
	assert.Equal(t, quality.BypassProfile{BitrateFraction: 0.75, MaxFps: 30, IFrameInterval: 10}, qc.TrustedBypassProfile)

	// unset section keeps the preset profile
	qc, err = NewDefaultConfig().QualityConfig()
	require.NoError(t, err)
	assert.Equal(t, quality.BypassProfile{BitrateFraction: 1, MaxFps: 60, IFrameInterval: 60}, qc.TrustedBypassProfile)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown preset":     "stream:\n  preset: turbo\n",
		"tick too fast":      "stream:\n  tick_interval: 10ms\n",
		"bitrate too high":   "stream:\n  max_bitrate: 99999999\n",
		"bad link type":      "network:\n  effective_type: 5g\n",
		"fps out of range":   "stream:\n  initial:\n    max_fps: 120\n",
		"bypass fps too low": "stream:\n  bypass:\n    max_fps: 5\n",
		"bypass fraction":    "stream:\n  bypass:\n    bitrate_fraction: 1.5\n",
		"bad log level":      "log:\n  level: chatty\n",
		"bad endpoint":       "stream:\n  endpoint: \"not a url\"\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnvTransform(t *testing.T) {
	tests := map[string]string{
		"QO_STREAM_PRESET":           "stream.preset",
		"QO_STREAM_INITIAL_MAX_FPS":  "stream.initial.max_fps",
		"QO_STREAM_BYPASS_MAX_FPS":   "stream.bypass.max_fps",
		"QO_SIGNALING_PING_INTERVAL": "signaling.ping_interval",
		"QO_CONFIG":                  "",
	}
	for in, want := range tests {
		assert.Equal(t, want, envTransformFunc(in), in)
	}
}
