package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ReadTrack feeds every RTP packet of a remote video track into tracker until the track
// ends or ctx is cancelled.
func ReadTrack(ctx context.Context, track *webrtc.TrackRemote, tracker *FrameTracker, logger *zap.Logger) error {
	if track == nil {
		return errors.New("nil track")
	}
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return fmt.Errorf("track %s is %s, want video", track.ID(), track.Kind())
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("Reading video track",
		zap.String("id", track.ID()),
		zap.Uint32("ssrc", uint32(track.SSRC())),
		zap.String("codec", track.Codec().MimeType))

	return pump(ctx, func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}, tracker)
}

func pump(ctx context.Context, read func() (*rtp.Packet, error), tracker *FrameTracker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}
		tracker.Observe(pkt)
	}
}
