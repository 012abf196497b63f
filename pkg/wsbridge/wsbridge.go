// Package wsbridge implements the WebSocket Bridge (spec.md §4.7): it opens
// a local WebSocket client for an inbound WS_UPGRADE, relays frames in both
// directions, and propagates close codes verbatim.
package wsbridge

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tunnelkit/workertunnel/pkg/frame"
	"github.com/tunnelkit/workertunnel/pkg/headers"
	"github.com/tunnelkit/workertunnel/pkg/portpolicy"
	"github.com/tunnelkit/workertunnel/pkg/registry"
)

// Sender is the single outbound writer onto the control link, shared with
// pkg/engine (spec.md §4.8, §5).
type Sender interface {
	Send(frame.Message)
}

// Metrics records the C9 counters this bridge drives.
type Metrics interface {
	StreamOpened()
	StreamClosed(reason string)
	ErrorEmitted(statusCode int)
}

type noopMetrics struct{}

func (noopMetrics) StreamOpened()       {}
func (noopMetrics) StreamClosed(string) {}
func (noopMetrics) ErrorEmitted(int)    {}

// Config carries the subset of TunnelConfig the bridge needs.
type Config struct {
	LocalHost   string
	IdleTimeout time.Duration
}

// Bridge is the C7 WebSocket Bridge.
type Bridge struct {
	cfg      Config
	policy   portpolicy.Policy
	registry *registry.Registry
	sender   Sender
	metrics  Metrics
	dialer   *websocket.Dialer
	logger   zerolog.Logger
}

// New constructs a Bridge.
func New(cfg Config, policy portpolicy.Policy, reg *registry.Registry, sender Sender, metrics Metrics, logger zerolog.Logger) *Bridge {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Bridge{
		cfg:      cfg,
		policy:   policy,
		registry: reg,
		sender:   sender,
		metrics:  metrics,
		dialer:   &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		logger:   logger.With().Str("component", "wsbridge").Logger(),
	}
}

// HandleUpgrade processes an inbound WS_UPGRADE frame (spec.md §4.7 steps
// 1-4).
func (b *Bridge) HandleUpgrade(m frame.Message) {
	if !b.policy.IsAllowed(m.Port) {
		b.emitError(m.StreamID, http.StatusForbidden, "port not allowed by policy")
		return
	}

	s := &registry.Stream{
		StreamID:   m.StreamID,
		WorkerID:   m.WorkerID,
		RemotePort: m.Port,
		LocalPort:  b.policy.ResolveLocal(m.Port),
		Method:     "WS",
		Path:       m.Path,
		StartTime:  time.Now(),
		Upstream:   registry.UpstreamWSOpen,
	}

	if err := b.registry.Insert(s); err != nil {
		b.emitError(m.StreamID, http.StatusServiceUnavailable, "stream registry at capacity")
		return
	}
	b.metrics.StreamOpened()
	b.armIdleTimer(s)

	reqHeaders := headers.FromFrameHeaders(m.Headers)
	headers.Normalize(reqHeaders, false)

	go b.dialAndBridge(s, reqHeaders)
}

// HandleData relays an inbound WS_DATA frame to the local WebSocket
// connection, preserving binarity (spec.md §4.7 "Inbound WS_DATA").
func (b *Bridge) HandleData(m frame.Message) {
	s, ok := b.registry.Get(m.StreamID)
	if !ok || s.WSConn == nil {
		b.logger.Warn().Str("stream_id", m.StreamID).Msg("WS_DATA for unknown or not-yet-open stream")
		return
	}
	b.armIdleTimer(s)

	msgType := websocket.TextMessage
	if m.IsBinary {
		msgType = websocket.BinaryMessage
	}
	if err := s.WSConn.WriteMessage(msgType, m.Data); err != nil {
		b.failStream(s, http.StatusBadGateway, fmt.Sprintf("local ws write failed: %v", err))
	}
}

// HandleClose processes an inbound WS_CLOSE for a live stream (spec.md §4.7
// "Inbound WS_CLOSE").
func (b *Bridge) HandleClose(m frame.Message) {
	s, ok := b.registry.Get(m.StreamID)
	if !ok || s.WSConn == nil {
		return
	}
	if !s.MarkTerminated() {
		return
	}
	deadline := time.Now().Add(5 * time.Second)
	_ = s.WSConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(m.Code, m.Reason), deadline)
	b.registry.Remove(m.StreamID)
	b.metrics.StreamClosed("remote close")
}

// dialAndBridge opens the local WebSocket and pumps inbound messages to
// WS_DATA frames until the local side closes or errors (spec.md §4.7 steps
// 3-7). It always runs off the dispatch goroutine.
func (b *Bridge) dialAndBridge(s *registry.Stream, hdr http.Header) {
	url := fmt.Sprintf("ws://%s:%d%s", b.cfg.LocalHost, s.LocalPort, s.Path)
	conn, resp, err := b.dialer.Dial(url, hdr)
	if err != nil {
		b.failStream(s, http.StatusBadGateway, fmt.Sprintf("local ws dial failed: %v", err))
		return
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	s.WSConn = conn

	b.sender.Send(frame.Message{
		Type:          frame.KindResponse,
		StreamID:      s.StreamID,
		StatusCode:    http.StatusSwitchingProtocols,
		StatusMessage: "Switching Protocols",
		Headers:       map[string]string{},
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				b.closeStream(s, ce.Code, ce.Text)
				return
			}
			if s.MarkTerminated() {
				// Local side vanished without a clean close handshake; no
				// code/reason to propagate, so this is an ERROR per spec.md
				// §4.7 step 7 rather than a WS_CLOSE.
				b.metrics.ErrorEmitted(http.StatusBadGateway)
				b.sender.Send(frame.Message{
					Type:       frame.KindError,
					StreamID:   s.StreamID,
					Error:      fmt.Sprintf("local ws closed: %v", err),
					StatusCode: http.StatusBadGateway,
				})
				b.registry.Remove(s.StreamID)
				b.metrics.StreamClosed("local ws error")
			}
			return
		}
		b.armIdleTimer(s)
		b.sender.Send(frame.Message{
			Type:     frame.KindWSData,
			StreamID: s.StreamID,
			Data:     data,
			IsBinary: mt == websocket.BinaryMessage,
		})
	}
}

// closeStream emits WS_CLOSE with the local side's code/reason verbatim
// (spec.md §9 Open Question (a): out-of-range codes are forwarded as-is)
// and cleans up.
func (b *Bridge) closeStream(s *registry.Stream, code int, reason string) {
	if !s.MarkTerminated() {
		return
	}
	b.sender.Send(frame.Message{
		Type:     frame.KindWSClose,
		StreamID: s.StreamID,
		Code:     code,
		Reason:   reason,
	})
	b.registry.Remove(s.StreamID)
	b.metrics.StreamClosed("local close")
}

// failStream emits a terminal ERROR frame and cleans up.
func (b *Bridge) failStream(s *registry.Stream, status int, msg string) {
	if !s.MarkTerminated() {
		return
	}
	b.metrics.ErrorEmitted(status)
	b.sender.Send(frame.Message{
		Type:       frame.KindError,
		StreamID:   s.StreamID,
		Error:      msg,
		StatusCode: status,
	})
	b.registry.Remove(s.StreamID)
	b.metrics.StreamClosed(msg)
}

// onTimerFired is the idle timer callback, re-checking registry membership
// to defeat the race with a concurrent cleanup (spec.md §9).
func (b *Bridge) onTimerFired(s *registry.Stream) {
	if _, ok := b.registry.Get(s.StreamID); !ok {
		return
	}
	b.failStream(s, http.StatusGatewayTimeout, "idle timeout")
}

func (b *Bridge) armIdleTimer(s *registry.Stream) {
	if s.IdleTimer != nil {
		s.IdleTimer.Stop()
	}
	s.IdleTimer = time.AfterFunc(b.cfg.IdleTimeout, func() { b.onTimerFired(s) })
}

func (b *Bridge) emitError(streamID string, status int, msg string) {
	b.metrics.ErrorEmitted(status)
	b.sender.Send(frame.Message{
		Type:       frame.KindError,
		StreamID:   streamID,
		Error:      msg,
		StatusCode: status,
	})
}
