package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/streamtune/internal/quality"
)

type peer struct {
	srv *httptest.Server

	mu    sync.Mutex
	notes []*jsonrpc2.Request
	pings int
	conns chan *jsonrpc2.Conn
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{conns: make(chan *jsonrpc2.Conn, 4)}
	upgrader := websocket.Upgrader{}

	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler := jsonrpc2.HandlerWithError(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			if req.Method == MethodPing {
				p.pings++
				return "pong", nil
			}
			p.notes = append(p.notes, req)
			return nil, nil
		})
		conn := jsonrpc2.NewConn(context.Background(), wsstream.NewObjectStream(ws), jsonrpc2.AsyncHandler(handler))
		p.conns <- conn
		<-conn.DisconnectNotify()
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *peer) notifications(method string) []*jsonrpc2.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*jsonrpc2.Request
	for _, n := range p.notes {
		if n.Method == method {
			out = append(out, n)
		}
	}
	return out
}

func (p *peer) pingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pings
}

type latencySink struct {
	mu      sync.Mutex
	samples []float64
}

func (l *latencySink) PushLatencySample(ms float64) {
	l.mu.Lock()
	l.samples = append(l.samples, ms)
	l.mu.Unlock()
}

func (l *latencySink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.samples)
}

type reevalCounter struct {
	mu sync.Mutex
	n  int
}

func (r *reevalCounter) RequestImmediateReevaluation() {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

func (r *reevalCounter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

type staticAnswer struct{}

func (staticAnswer) HandleOffer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to:" + offer.SDP}, nil
}

func startClient(t *testing.T, c *Client) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve(ctx) }()
	t.Cleanup(cancel)

	require.Eventually(t, c.Connected, 5*time.Second, 5*time.Millisecond)
	return cancel, errCh
}

func TestClientRelaysSettingsAndMeasuresLatency(t *testing.T) {
	p := newPeer(t)
	lat := &latencySink{}
	c, err := NewClient(Options{URL: p.url(), PingInterval: 10 * time.Millisecond}, lat, nil, nil, nil)
	require.NoError(t, err)

	require.ErrorIs(t, c.SendNewVideoSetting(context.Background(), quality.VideoSettings{}), ErrNotConnected)

	cancel, errCh := startClient(t, c)

	settings := quality.VideoSettings{Bitrate: 4 << 20, MaxFps: 30, IFrameInterval: 8}
	require.NoError(t, c.SendNewVideoSetting(context.Background(), settings))

	require.Eventually(t, func() bool {
		return len(p.notifications(MethodVideoSettings)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	var got videoSettingsParams
	note := p.notifications(MethodVideoSettings)[0]
	require.True(t, note.Notif)
	require.NoError(t, json.Unmarshal(*note.Params, &got))
	assert.Equal(t, c.SessionID(), got.SessionID)
	assert.Equal(t, settings, got.Settings)

	require.Eventually(t, func() bool { return lat.count() >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, p.pingCount(), 2)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	require.False(t, c.Connected())
}

func TestClientHandlesInboundMessages(t *testing.T) {
	p := newPeer(t)
	reeval := &reevalCounter{}
	hints := &HintStore{}
	c, err := NewClient(Options{URL: p.url(), PingInterval: time.Hour}, nil, nil, hints, nil)
	require.NoError(t, err)
	c.Attach(nil, reeval)
	startClient(t, c)

	conn := <-p.conns
	ctx := context.Background()

	require.NoError(t, conn.Notify(ctx, MethodOrientationChanged, map[string]int{"angle": 90}))
	require.Eventually(t, func() bool { return reeval.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Notify(ctx, MethodNetworkHint, quality.NetworkHint{EffectiveType: "3g", DownlinkMbps: 1.5}))
	require.Eventually(t, func() bool {
		return hints.NetworkHint() == quality.NetworkHint{EffectiveType: "3g", DownlinkMbps: 1.5}
	}, 5*time.Second, 5*time.Millisecond)
	require.Same(t, hints, c.Hints())

	var pong string
	require.NoError(t, conn.Call(ctx, MethodPing, nil, &pong))
	require.Equal(t, "pong", pong)

	var rpcErr *jsonrpc2.Error
	err = conn.Call(ctx, MethodOffer, offerParams{Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}}, nil)
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)

	c.SetOfferHandler(staticAnswer{})
	var answer answerResult
	require.NoError(t, conn.Call(ctx, MethodOffer, offerParams{Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}}, &answer))
	require.Equal(t, c.SessionID(), answer.SessionID)
	require.Equal(t, "answer-to:v=0", answer.Answer.SDP)

	err = conn.Call(ctx, MethodNetworkHint, nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)

	err = conn.Call(ctx, "unknown", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)
}

func TestClientServeReturnsWhenPeerDisconnects(t *testing.T) {
	p := newPeer(t)
	c, err := NewClient(Options{URL: p.url(), PingInterval: time.Hour}, nil, nil, nil, nil)
	require.NoError(t, err)
	_, errCh := startClient(t, c)

	conn := <-p.conns
	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.NotErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after disconnect")
	}
	require.False(t, c.Connected())
}

func TestClientReplaysOnEveryConnect(t *testing.T) {
	p := newPeer(t)
	c, err := NewClient(Options{URL: p.url(), PingInterval: time.Hour}, nil, nil, nil, nil)
	require.NoError(t, err)

	settings := quality.VideoSettings{Bitrate: quality.MaxBitrate, MaxFps: 60, IFrameInterval: 60}
	require.ErrorIs(t, c.SendNewVideoSetting(context.Background(), settings), ErrNotConnected)

	c.OnConnect(func(ctx context.Context) {
		assert.NoError(t, c.SendNewVideoSetting(ctx, settings))
	})

	// first connection
	_, errCh := startClient(t, c)
	conn := <-p.conns
	require.Eventually(t, func() bool {
		return len(p.notifications(MethodVideoSettings)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after disconnect")
	}

	// reconnect, as the supervisor would
	startClient(t, c)
	require.Eventually(t, func() bool {
		return len(p.notifications(MethodVideoSettings)) == 2
	}, 5*time.Second, 5*time.Millisecond)

	var got videoSettingsParams
	require.NoError(t, json.Unmarshal(*p.notifications(MethodVideoSettings)[1].Params, &got))
	assert.Equal(t, settings, got.Settings)
}

func TestClientDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewClient(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), MaxDialElapsed: time.Minute}, nil, nil, nil, nil)
	require.NoError(t, err)

	start := time.Now()
	err = c.Serve(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(Options{}, nil, nil, nil, nil)
	require.Error(t, err)

	c, err := NewClient(Options{URL: "ws://localhost:1"}, nil, nil, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, c.SessionID())
	require.NotNil(t, c.Hints())
	require.Equal(t, "signaling-client", c.String())
}
