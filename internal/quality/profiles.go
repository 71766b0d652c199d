package quality

import (
	"fmt"
	"strings"
	"time"
)

// BypassProfile is the fixed settings profile applied on the first tick of a
// trusted session. Bitrate is expressed as a fraction of the configured maximum.
type BypassProfile struct {
	BitrateFraction float64 `json:"bitrateFraction"`
	MaxFps          int     `json:"maxFps"`
	IFrameInterval  int     `json:"iFrameInterval"`
}

// Settings applies the profile on top of the current settings
func (p BypassProfile) Settings(current VideoSettings, maxBitrate int) VideoSettings {
	bitrate := int(float64(maxBitrate) * p.BitrateFraction)
	return current.WithTargets(bitrate, p.MaxFps, p.IFrameInterval).Clamped(maxBitrate)
}

// Config parameterises a Controller
type Config struct {
	TickInterval           time.Duration
	MaxBitrate             int
	TrustedBypassProfile   BypassProfile
	InternalDomainPatterns []string

	// Endpoint is the stream URL used for trust classification
	Endpoint string
}

// Preset names
const (
	PresetInteractive  = "interactive"
	PresetConservative = "conservative"
)

// GetPresets returns the built-in controller configurations.
// Interactive polls every 2s and goes straight to full quality on trusted links;
// conservative polls every 5s and starts trusted links at half bitrate.
func GetPresets() map[string]Config {
	return map[string]Config{
		PresetInteractive: {
			TickInterval: 2 * time.Second,
			MaxBitrate:   MaxBitrate,
			TrustedBypassProfile: BypassProfile{
				BitrateFraction: 1.0,
				MaxFps:          60,
				IFrameInterval:  60,
			},
		},
		PresetConservative: {
			TickInterval: 5 * time.Second,
			MaxBitrate:   MaxBitrate,
			TrustedBypassProfile: BypassProfile{
				BitrateFraction: 0.5,
				MaxFps:          24,
				IFrameInterval:  10,
			},
		},
	}
}

// PresetConfig looks up a preset by name
func PresetConfig(name string) (Config, error) {
	cfg, ok := GetPresets()[strings.ToLower(name)]
	if !ok {
		return Config{}, fmt.Errorf("unknown preset: %s", name)
	}
	return cfg, nil
}

// DefaultConfig returns the interactive preset
func DefaultConfig() Config {
	return GetPresets()[PresetInteractive]
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.MaxBitrate <= 0 || c.MaxBitrate > MaxBitrate {
		c.MaxBitrate = MaxBitrate
	}
	if c.MaxBitrate < MinBitrate {
		c.MaxBitrate = MinBitrate
	}
	if c.TrustedBypassProfile.BitrateFraction <= 0 {
		c.TrustedBypassProfile = def.TrustedBypassProfile
	}
	return c
}
