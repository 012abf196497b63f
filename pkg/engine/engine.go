// Package engine implements the HTTP Proxy Engine (spec.md §4.6): it drives
// an inbound REQUEST upstream to the local service, streams the response
// back through the URL Rewriter, and enforces deadlines, idle timeouts and
// the response size cap.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelkit/workertunnel/pkg/frame"
	"github.com/tunnelkit/workertunnel/pkg/headers"
	"github.com/tunnelkit/workertunnel/pkg/portpolicy"
	"github.com/tunnelkit/workertunnel/pkg/registry"
	"github.com/tunnelkit/workertunnel/pkg/rewrite"
)

// Sender is the single outbound writer onto the control link (spec.md §4.8,
// §5 "single-writer discipline"); the Tunnel Handler supplies the concrete
// implementation.
type Sender interface {
	Send(frame.Message)
}

// Metrics records the C9 counters this engine drives. A nil Metrics is
// replaced with a no-op implementation by New.
type Metrics interface {
	StreamOpened()
	StreamClosed(reason string)
	BytesIn(n int64)
	BytesOut(n int64)
	ErrorEmitted(statusCode int)
}

type noopMetrics struct{}

func (noopMetrics) StreamOpened()       {}
func (noopMetrics) StreamClosed(string) {}
func (noopMetrics) BytesIn(int64)       {}
func (noopMetrics) BytesOut(int64)      {}
func (noopMetrics) ErrorEmitted(int)    {}

// Config carries the subset of TunnelConfig the engine needs, decoupling it
// from pkg/config so it can be unit-tested with ad hoc values.
type Config struct {
	LocalHost             string
	ConnectTimeout        time.Duration
	IdleTimeout           time.Duration
	MaxResponseSize       int64
	ForceIdentityEncoding bool
	WorkerID              string
	TunnelDomain          string
	EnableURLRewriting    bool
}

// Engine is the C6 HTTP Proxy Engine.
type Engine struct {
	cfg      Config
	policy   portpolicy.Policy
	registry *registry.Registry
	sender   Sender
	metrics  Metrics
	client   *http.Client
	logger   zerolog.Logger
}

// New constructs an Engine. client, if nil, is built with a Transport whose
// DialContext timeout is cfg.ConnectTimeout (grounded on the teacher's
// proxy.New transport construction).
func New(cfg Config, policy portpolicy.Policy, reg *registry.Registry, sender Sender, metrics Metrics, logger zerolog.Logger, client *http.Client) *Engine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if client == nil {
		transport := &http.Transport{
			DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		client = &http.Client{Transport: transport}
	}
	return &Engine{
		cfg:      cfg,
		policy:   policy,
		registry: reg,
		sender:   sender,
		metrics:  metrics,
		client:   client,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// HandleRequest processes an inbound REQUEST frame (spec.md §4.6 steps 1-6).
func (e *Engine) HandleRequest(m frame.Message) {
	if !e.policy.IsAllowed(m.Port) {
		e.emitError(m.StreamID, http.StatusForbidden, "port not allowed by policy")
		return
	}

	scheme := m.Scheme
	if scheme == "" {
		scheme = "http"
	}

	s := &registry.Stream{
		StreamID:    m.StreamID,
		WorkerID:    m.WorkerID,
		RemotePort:  m.Port,
		LocalPort:   e.policy.ResolveLocal(m.Port),
		Scheme:      scheme,
		Method:      m.Method,
		Path:        m.Path,
		StartTime:   time.Now(),
		Upstream:    registry.UpstreamHTTPRequestInFlight,
		RequestBody: registry.NewDataQueue(),
	}

	if err := e.registry.Insert(s); err != nil {
		e.emitError(m.StreamID, http.StatusServiceUnavailable, "stream registry at capacity")
		return
	}
	e.metrics.StreamOpened()

	ctx, cancel := context.WithCancel(context.Background())
	s.Cancel = cancel

	if m.DeadlineMs > 0 {
		s.DeadlineTimer = time.AfterFunc(time.Duration(m.DeadlineMs)*time.Millisecond, func() {
			e.onTimerFired(s, "deadline exceeded", http.StatusGatewayTimeout)
		})
	}
	e.armIdleTimer(s)

	reqHeaders := headers.FromFrameHeaders(m.Headers)
	headers.Normalize(reqHeaders, e.cfg.ForceIdentityEncoding)

	go e.runUpstream(ctx, s, reqHeaders)
}

// HandleData processes an inbound DATA frame for a live HTTP stream (spec.md
// §4.6 "DATA inbound").
func (e *Engine) HandleData(m frame.Message) {
	s, ok := e.registry.Get(m.StreamID)
	if !ok {
		e.logger.Warn().Str("stream_id", m.StreamID).Msg("DATA for unknown stream")
		return
	}
	if len(m.Data) > 0 {
		s.RequestBody.Push(m.Data)
		s.AddBytesIn(int64(len(m.Data)))
		e.metrics.BytesIn(int64(len(m.Data)))
	}
	e.armIdleTimer(s)
}

// HandleEnd half-closes the upstream request body for a live HTTP stream
// (spec.md §4.6 "END inbound").
func (e *Engine) HandleEnd(m frame.Message) {
	s, ok := e.registry.Get(m.StreamID)
	if !ok {
		e.logger.Warn().Str("stream_id", m.StreamID).Msg("END for unknown stream")
		return
	}
	s.RequestBody.Close()
}

// runUpstream dials the local service and, on success, hands off to
// streamResponse. It always runs off the dispatch goroutine so a slow or
// stuck upstream never blocks other streams (spec.md §5 "suspension
// points").
func (e *Engine) runUpstream(ctx context.Context, s *registry.Stream, reqHeaders http.Header) {
	url := fmt.Sprintf("%s://%s:%d%s", s.Scheme, e.cfg.LocalHost, s.LocalPort, s.Path)
	body := &queueReader{q: s.RequestBody}

	req, err := http.NewRequestWithContext(ctx, s.Method, url, body)
	if err != nil {
		e.failStream(s, http.StatusBadGateway, fmt.Sprintf("build upstream request: %v", err))
		return
	}
	req.Header = reqHeaders

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Stream was already cleaned up (deadline/idle/shutdown); nothing
			// left to emit.
			return
		}
		status := http.StatusBadGateway
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			status = http.StatusGatewayTimeout
		}
		e.failStream(s, status, fmt.Sprintf("upstream request failed: %v", err))
		return
	}

	s.Upstream = registry.UpstreamHTTPResponseStreaming
	s.HTTPResponse = resp
	e.streamResponse(s, resp)
}

// streamResponse emits the RESPONSE frame and then streams the body as DATA
// frames, applying the URL Rewriter per chunk (spec.md §4.6 "Response
// handling").
func (e *Engine) streamResponse(s *registry.Stream, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()

	contentTypeToken := headers.ContentTypeToken(resp.Header.Get("Content-Type"))
	rewriteActive := e.cfg.EnableURLRewriting && s.WorkerID != "" && rewrite.IsRewritable(contentTypeToken)

	respHeaders := resp.Header.Clone()
	headers.Normalize(respHeaders, false)
	if headers.ShouldDropContentLength(rewriteActive) {
		respHeaders.Del("Content-Length")
	}

	e.sender.Send(frame.Message{
		Type:          frame.KindResponse,
		StreamID:      s.StreamID,
		StatusCode:    resp.StatusCode,
		StatusMessage: http.StatusText(resp.StatusCode),
		Headers:       headers.ToFrameHeaders(respHeaders),
	})

	rw := rewrite.NewStream(rewriteActive, s.Scheme == "https", s.WorkerID, e.cfg.TunnelDomain, e.policy, resp.Header.Get("Content-Type"))

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			out := rw.Write(buf[:n])
			if len(out) > 0 {
				if !e.emitChunk(s, out) {
					return
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if tail := rw.Close(); len(tail) > 0 {
					if !e.emitChunk(s, tail) {
						return
					}
				}
				e.finishStream(s, "upstream ended")
				return
			}
			e.failStream(s, http.StatusBadGateway, fmt.Sprintf("upstream read failed: %v", readErr))
			return
		}
	}
}

// emitChunk updates byte accounting, enforces max_response_size, and emits
// one DATA frame. It returns false once the stream has been terminated
// (size cap exceeded) and the caller must stop reading.
func (e *Engine) emitChunk(s *registry.Stream, chunk []byte) bool {
	total := s.AddBytesOut(int64(len(chunk)))
	if total > e.cfg.MaxResponseSize {
		e.failStream(s, http.StatusRequestEntityTooLarge, "response exceeded max_response_size")
		return false
	}
	e.metrics.BytesOut(int64(len(chunk)))
	e.sender.Send(frame.Message{
		Type:     frame.KindData,
		StreamID: s.StreamID,
		Data:     chunk,
	})
	e.armIdleTimer(s)
	return true
}

// finishStream emits END and cleans up (spec.md §4.6 "On upstream end"). If
// another path (a racing timer, a size cap failure) already terminated this
// stream, finishStream is a no-op: that path already emitted the terminal
// frame and ran cleanup.
func (e *Engine) finishStream(s *registry.Stream, reason string) {
	if !s.MarkTerminated() {
		return
	}
	e.sender.Send(frame.Message{Type: frame.KindEnd, StreamID: s.StreamID})
	e.Cleanup(s.StreamID, reason)
}

// failStream emits a terminal ERROR frame and cleans up (spec.md §7 kinds
// 5-8). It is idempotent against a racing timer or another failure path via
// Stream.MarkTerminated.
func (e *Engine) failStream(s *registry.Stream, status int, msg string) {
	if !s.MarkTerminated() {
		return
	}
	e.metrics.ErrorEmitted(status)
	e.sender.Send(frame.Message{
		Type:       frame.KindError,
		StreamID:   s.StreamID,
		Error:      msg,
		StatusCode: status,
	})
	e.Cleanup(s.StreamID, msg)
}

// onTimerFired is the shared deadline/idle timer callback. It re-checks
// registry membership before acting, defeating the race with a concurrent
// cleanup (spec.md §9 "timers & cleanup race").
func (e *Engine) onTimerFired(s *registry.Stream, reason string, status int) {
	if _, ok := e.registry.Get(s.StreamID); !ok {
		return
	}
	e.failStream(s, status, reason)
}

// armIdleTimer (re)starts the idle timer, rearming it on every DATA event in
// either direction (spec.md §4.6 "Idle timer").
func (e *Engine) armIdleTimer(s *registry.Stream) {
	if s.IdleTimer != nil {
		s.IdleTimer.Stop()
	}
	s.IdleTimer = time.AfterFunc(e.cfg.IdleTimeout, func() {
		e.onTimerFired(s, "idle timeout", http.StatusGatewayTimeout)
	})
}

// emitError sends a standalone ERROR frame for a stream that was never
// admitted to the registry (policy denial, admission denial): spec.md §7
// kinds 3-4 require no Stream object and no upstream contact.
func (e *Engine) emitError(streamID string, status int, msg string) {
	e.metrics.ErrorEmitted(status)
	e.sender.Send(frame.Message{
		Type:       frame.KindError,
		StreamID:   streamID,
		Error:      msg,
		StatusCode: status,
	})
}

// Cleanup removes a stream from the registry and stops its timers/upstream
// handles. Safe to call multiple times (spec.md §4.6 "Cleanup").
func (e *Engine) Cleanup(streamID, reason string) {
	e.registry.Remove(streamID)
	e.metrics.StreamClosed(reason)
}

// queueReader adapts a registry.DataQueue to io.Reader for use as an
// http.Request body, blocking the calling (non-dispatcher) goroutine until
// data or EOF is available.
type queueReader struct {
	q   *registry.DataQueue
	buf []byte
}

func (r *queueReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, ok := r.q.Pop()
		if !ok {
			return 0, io.EOF
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
