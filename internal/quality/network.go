package quality

import (
	"fmt"
	"math"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

const (
	defaultDownlinkMbps  = 10.0
	defaultEffectiveType = "4g"
	bitsPerMbps          = 1024 * 1024
)

var effectiveTypeScores = map[string]float64{
	"4g":      1.0,
	"3g":      0.7,
	"2g":      0.4,
	"slow-2g": 0.2,
}

// NetworkClassifier scores the reported link and decides whether an endpoint is trusted
type NetworkClassifier struct {
	maxBitrate int
	patterns   []glob.Glob
}

// NewNetworkClassifier compiles the internal-domain patterns. Patterns use glob
// syntax with '.' as separator: "*.lan" matches one label, "**.corp" any depth.
func NewNetworkClassifier(maxBitrate int, internalDomainPatterns []string) (*NetworkClassifier, error) {
	if maxBitrate <= 0 {
		maxBitrate = MaxBitrate
	}

	nc := &NetworkClassifier{maxBitrate: maxBitrate}
	for _, p := range internalDomainPatterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid internal domain pattern %q: %w", p, err)
		}
		nc.patterns = append(nc.patterns, g)
	}

	return nc, nil
}

// NetworkTypeScore maps an effective link type to 0..1; unknown types are optimistic
func NetworkTypeScore(effectiveType string) float64 {
	if score, ok := effectiveTypeScores[strings.ToLower(effectiveType)]; ok {
		return score
	}
	return 1.0
}

// Classify combines the link hint with the latency-derived score.
// An empty effectiveType or a non-positive downlink means the hint is unavailable.
func (nc *NetworkClassifier) Classify(effectiveType string, downlinkMbps float64, wsQualityScore float64) NetworkInfo {
	if effectiveType == "" {
		effectiveType = defaultEffectiveType
	}
	if !isFinite(downlinkMbps) || downlinkMbps <= 0 {
		downlinkMbps = defaultDownlinkMbps
	}

	maxBitrate := nc.maxBitrate
	if linkBits := downlinkMbps * bitsPerMbps; linkBits < float64(maxBitrate) {
		maxBitrate = int(math.Floor(linkBits))
	}

	return NetworkInfo{
		EffectiveType:  effectiveType,
		DownlinkMbps:   downlinkMbps,
		Quality:        (NetworkTypeScore(effectiveType) + wsQualityScore) / 2,
		MaxBitrate:     maxBitrate,
		LatencyQuality: wsQualityScore,
	}
}

// IsTrustedEndpoint reports whether rawURL points at localhost, an internal
// domain, or a literal IP address. Anything unparseable is untrusted.
func (nc *NetworkClassifier) IsTrustedEndpoint(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	for _, g := range nc.patterns {
		if g.Match(host) {
			return true
		}
	}

	return isDottedQuad(host) || isIPv6Literal(host)
}

// isDottedQuad accepts exactly four decimal groups of 1-3 digits, each 0-255
func isDottedQuad(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, part := range parts {
		if len(part) == 0 || len(part) > 3 {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

// isIPv6Literal accepts full 8-group and compressed forms. Zones are rejected.
func isIPv6Literal(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if !strings.Contains(host, ":") {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.Is6() && addr.Zone() == ""
}
