// Package webrtc runs the receive-only peer connection whose video track feeds frame telemetry
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/streamtune/internal/telemetry"
)

// Receiver answers offers from the encoder side and pumps the incoming video track into
// a FrameTracker.
type Receiver struct {
	config  webrtc.Configuration
	tracker *telemetry.FrameTracker
	logger  *zap.Logger

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver creates a receiver. An empty iceServers list disables STUN.
func NewReceiver(iceServers []string, tracker *telemetry.FrameTracker, logger *zap.Logger) (*Receiver, error) {
	if tracker == nil {
		return nil, errors.New("frame tracker cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Receiver{
		config:  cfg,
		tracker: tracker,
		logger:  logger.Named("webrtc"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// HandleOffer replaces any existing peer connection, applies the remote offer and returns
// the local answer once ICE gathering completes.
func (r *Receiver) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := validateSDP(&offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("invalid offer: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return webrtc.SessionDescription{}, errors.New("receiver closed")
	}

	if r.pc != nil {
		if err := r.pc.Close(); err != nil {
			r.logger.Warn("Failed to close previous peer connection", zap.Error(err))
		}
		r.pc = nil
	}

	pc, err := r.newPeerConnection()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return webrtc.SessionDescription{}, ctx.Err()
	}

	r.pc = pc
	return *pc.LocalDescription(), nil
}

func (r *Receiver) newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(r.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.logger.Info("Connection state changed", zap.String("state", state.String()))
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			r.logger.Debug("Ignoring non-video track", zap.String("kind", track.Kind().String()))
			return
		}
		r.tracker.Reset()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := telemetry.ReadTrack(r.ctx, track, r.tracker, r.logger); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("Video track reader stopped", zap.Error(err))
			}
		}()
	})

	return pc, nil
}

// Close tears down the peer connection and waits for track readers
func (r *Receiver) Close() error {
	r.cancel()

	r.mu.Lock()
	var err error
	if r.pc != nil {
		err = r.pc.Close()
		r.pc = nil
	}
	r.mu.Unlock()

	r.wg.Wait()
	return err
}

// SDPValidationError names the offending part of a session description
type SDPValidationError struct {
	Field   string
	Message string
}

func (e *SDPValidationError) Error() string {
	return fmt.Sprintf("SDP validation error in %s: %s", e.Field, e.Message)
}

func validateSDP(sd *webrtc.SessionDescription) error {
	if sd == nil {
		return &SDPValidationError{Field: "SessionDescription", Message: "is nil"}
	}
	if sd.Type != webrtc.SDPTypeOffer {
		return &SDPValidationError{Field: "Type", Message: fmt.Sprintf("expected offer, got %s", sd.Type)}
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return &SDPValidationError{Field: "SDP", Message: err.Error()}
	}

	_, sessionICE := parsed.Attribute("ice-ufrag")
	_, sessionDTLS := parsed.Attribute("fingerprint")

	var hasVideo bool
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		hasVideo = true
		if _, ok := md.Attribute("ice-ufrag"); !ok && !sessionICE {
			return &SDPValidationError{Field: "ICE", Message: "no ICE credentials found"}
		}
		if _, ok := md.Attribute("fingerprint"); !ok && !sessionDTLS {
			return &SDPValidationError{Field: "DTLS", Message: "no DTLS fingerprint found"}
		}
	}
	if !hasVideo {
		return &SDPValidationError{Field: "Media", Message: "no video section found"}
	}
	return nil
}
