// Package signaling is the JSON-RPC control channel between the receiver and the remote encoder
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/streamtune/internal/quality"
)

// Methods exchanged on the control channel
const (
	MethodVideoSettings      = "videoSettings"
	MethodPing               = "ping"
	MethodOrientationChanged = "orientationChanged"
	MethodNetworkHint        = "networkHint"
	MethodOffer              = "offer"
)

var ErrNotConnected = errors.New("signaling connection not established")

// LatencyObserver receives round-trip samples in milliseconds
type LatencyObserver interface {
	PushLatencySample(ms float64)
}

// Reevaluator is asked to bypass the rate gate on the next tick
type Reevaluator interface {
	RequestImmediateReevaluation()
}

// OfferHandler answers a session offer from the encoder side
type OfferHandler interface {
	HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
}

// Options configures a Client
type Options struct {
	URL            string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	DialTimeout    time.Duration
	MaxDialElapsed time.Duration
	Header         http.Header
}

// Client holds one control connection at a time. Serve dials, runs until the connection
// drops and returns so a supervisor can restart it.
type Client struct {
	opts      Options
	sessionID string
	logger    *zap.Logger
	dialer    *websocket.Dialer

	latency LatencyObserver
	reeval  Reevaluator
	hints   *HintStore
	offers  OfferHandler

	onConnect func(ctx context.Context)

	mu   sync.RWMutex
	conn *jsonrpc2.Conn
}

// NewClient creates a client. hints may be shared with the controller as its NetworkHintSource.
func NewClient(opts Options, latency LatencyObserver, reeval Reevaluator, hints *HintStore, logger *zap.Logger) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("signaling URL cannot be empty")
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 2 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.MaxDialElapsed <= 0 {
		opts.MaxDialElapsed = 30 * time.Second
	}
	if hints == nil {
		hints = &HintStore{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sessionID := uuid.NewString()
	return &Client{
		opts:      opts,
		sessionID: sessionID,
		logger:    logger.Named("signaling").With(zap.String("session", sessionID)),
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.DialTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		latency: latency,
		reeval:  reeval,
		hints:   hints,
	}, nil
}

// Attach sets the latency observer and re-evaluation target, for wiring after construction
func (c *Client) Attach(latency LatencyObserver, reeval Reevaluator) {
	c.mu.Lock()
	c.latency = latency
	c.reeval = reeval
	c.mu.Unlock()
}

// SetOfferHandler enables answering inbound offers
func (c *Client) SetOfferHandler(h OfferHandler) {
	c.mu.Lock()
	c.offers = h
	c.mu.Unlock()
}

// OnConnect registers fn to run each time a control connection comes up, before pings
// start. Settings sent while disconnected are lost, so this is where they get replayed.
func (c *Client) OnConnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

func (c *Client) SessionID() string { return c.sessionID }

func (c *Client) Hints() *HintStore { return c.hints }

// Connected reports whether a control connection is up
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

type videoSettingsParams struct {
	SessionID string                `json:"sid"`
	Settings  quality.VideoSettings `json:"settings"`
}

// SendNewVideoSetting notifies the encoder of new settings. There is no acknowledgement.
func (c *Client) SendNewVideoSetting(ctx context.Context, settings quality.VideoSettings) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()

	params := videoSettingsParams{SessionID: c.sessionID, Settings: settings}
	if err := conn.Notify(ctx, MethodVideoSettings, params); err != nil {
		return fmt.Errorf("failed to send video settings: %w", err)
	}
	return nil
}

// Serve dials the control endpoint and blocks until the connection drops or ctx ends
func (c *Client) Serve(ctx context.Context) error {
	ws, err := c.dial(ctx)
	if err != nil {
		return err
	}

	handler := jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(c.handle))
	conn := jsonrpc2.NewConn(ctx, wsstream.NewObjectStream(ws), handler)

	c.mu.Lock()
	c.conn = conn
	onConnect := c.onConnect
	c.mu.Unlock()
	c.logger.Info("Signaling connected", zap.String("url", c.opts.URL))

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if onConnect != nil {
		onConnect(ctx)
	}

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.DisconnectNotify():
			c.logger.Warn("Signaling connection lost")
			return errors.New("signaling connection closed")
		case <-ticker.C:
			if err := c.ping(ctx, conn); err != nil {
				c.logger.Debug("Ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.opts.MaxDialElapsed

	var ws *websocket.Conn
	operation := func() error {
		conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("handshake rejected with %d: %w", resp.StatusCode, err))
			}
			c.logger.Debug("Dial failed, retrying", zap.Error(err))
			return err
		}
		ws = conn
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("failed to dial signaling server: %w", err)
	}
	return ws, nil
}

func (c *Client) ping(ctx context.Context, conn *jsonrpc2.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.PingInterval)
	defer cancel()

	start := time.Now()
	var ignored json.RawMessage
	if err := conn.Call(ctx, MethodPing, nil, &ignored); err != nil {
		return err
	}
	rtt := time.Since(start)

	c.mu.RLock()
	latency := c.latency
	c.mu.RUnlock()
	if latency != nil {
		latency.PushLatencySample(float64(rtt.Microseconds()) / 1000)
	}
	return nil
}

type offerParams struct {
	SessionID string                    `json:"sid"`
	Offer     webrtc.SessionDescription `json:"offer"`
}

type answerResult struct {
	SessionID string                    `json:"sid"`
	Answer    webrtc.SessionDescription `json:"answer"`
}

func (c *Client) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	switch req.Method {
	case MethodOrientationChanged:
		c.logger.Info("Orientation changed, requesting immediate re-evaluation")
		c.mu.RLock()
		reeval := c.reeval
		c.mu.RUnlock()
		if reeval != nil {
			reeval.RequestImmediateReevaluation()
		}
		return nil, nil

	case MethodNetworkHint:
		var hint quality.NetworkHint
		if err := decodeParams(req, &hint); err != nil {
			return nil, err
		}
		c.hints.Update(hint)
		c.logger.Debug("Network hint updated",
			zap.String("effectiveType", hint.EffectiveType),
			zap.Float64("downlinkMbps", hint.DownlinkMbps))
		return nil, nil

	case MethodPing:
		return "pong", nil

	case MethodOffer:
		c.mu.RLock()
		offers := c.offers
		c.mu.RUnlock()
		if offers == nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "offers not accepted"}
		}
		var params offerParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		answer, err := offers.HandleOffer(ctx, params.Offer)
		if err != nil {
			c.logger.Warn("Failed to answer offer", zap.Error(err))
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
		}
		return answerResult{SessionID: c.sessionID, Answer: answer}, nil
	}

	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method not supported: %s", req.Method)}
}

func decodeParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (c *Client) String() string { return "signaling-client" }
