// Package tunnel implements the Tunnel Handler (spec.md §4.8): it owns one
// control link for its entire lifetime, dispatches inbound frames to the
// HTTP Proxy Engine and WebSocket Bridge, and is the sole writer onto the
// link's outbound channel.
package tunnel

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tunnelkit/workertunnel/pkg/frame"
	"github.com/tunnelkit/workertunnel/pkg/registry"
)

// outboundQueueSize bounds the channel between emitters (engine, wsbridge)
// and the single control-link writer (spec.md §9 "dedicated writer driven
// by a bounded channel").
const outboundQueueSize = 256

// HTTPDispatcher routes REQUEST/DATA/END frames; *pkg/engine.Engine
// satisfies it.
type HTTPDispatcher interface {
	HandleRequest(frame.Message)
	HandleData(frame.Message)
	HandleEnd(frame.Message)
}

// WSDispatcher routes WS_UPGRADE/WS_DATA/WS_CLOSE frames; *pkg/wsbridge.Bridge
// satisfies it.
type WSDispatcher interface {
	HandleUpgrade(frame.Message)
	HandleData(frame.Message)
	HandleClose(frame.Message)
}

// Handler is the C8 Tunnel Handler.
type Handler struct {
	conn     *websocket.Conn
	registry *registry.Registry
	http     HTTPDispatcher
	ws       WSDispatcher
	metrics  *Metrics
	logger   zerolog.Logger

	outbound chan frame.Message
	open     atomic.Bool
	writeMu  sync.Mutex
	doneOnce sync.Once
	done     chan struct{}
}

// NewHandler constructs a Handler for one accepted control-link connection.
func NewHandler(conn *websocket.Conn, reg *registry.Registry, httpDispatcher HTTPDispatcher, wsDispatcher WSDispatcher, metrics *Metrics, logger zerolog.Logger) *Handler {
	h := &Handler{
		conn:     conn,
		registry: reg,
		http:     httpDispatcher,
		ws:       wsDispatcher,
		metrics:  metrics,
		logger:   logger.With().Str("component", "tunnel").Logger(),
		outbound: make(chan frame.Message, outboundQueueSize),
		done:     make(chan struct{}),
	}
	h.open.Store(true)
	return h
}

// Send implements pkg/engine.Sender and pkg/wsbridge.Sender: it is the only
// path any component uses to reach the control link (spec.md §4.8, §5
// single-writer discipline). Frames submitted after the link closes are
// dropped with a warning (spec.md §7(10), §4.8 "Liveness").
func (h *Handler) Send(m frame.Message) {
	if !h.open.Load() {
		h.logger.Warn().Str("stream_id", m.StreamID).Str("type", string(m.Type)).Msg("dropping outbound frame: link not open")
		return
	}
	select {
	case h.outbound <- m:
	case <-h.done:
	}
}

// Run drives the outbound writer and the inbound dispatch loop until the
// control link closes, then cleans up. It blocks until shutdown completes.
func (h *Handler) Run() {
	go h.writeLoop()
	h.readLoop()
}

// ActiveStreamCount exposes the registry size (spec.md §4.8 "Introspection").
func (h *Handler) ActiveStreamCount() int {
	return h.registry.Size()
}

func (h *Handler) writeLoop() {
	for {
		select {
		case m := <-h.outbound:
			h.writeFrame(m)
		case <-h.done:
			return
		}
	}
}

func (h *Handler) writeFrame(m frame.Message) {
	payload, err := frame.Serialize(m)
	if err != nil {
		h.logger.Error().Err(err).Str("stream_id", m.StreamID).Msg("serialize outbound frame failed")
		return
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.logger.Warn().Err(err).Msg("write to control link failed")
	}
}

func (h *Handler) readLoop() {
	defer h.shutdown()
	for {
		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			h.logger.Info().Err(err).Msg("control link closed")
			return
		}

		m, err := frame.Parse(raw)
		if err != nil {
			h.logger.Warn().Err(ErrMalformedFrame).AnErr("cause", err).Msg("dropping malformed frame")
			continue
		}

		h.dispatch(m)
	}
}

func (h *Handler) dispatch(m frame.Message) {
	switch m.Type {
	case frame.KindRequest:
		h.http.HandleRequest(m)
	case frame.KindData:
		h.http.HandleData(m)
	case frame.KindEnd:
		h.http.HandleEnd(m)
	case frame.KindWSUpgrade:
		h.ws.HandleUpgrade(m)
	case frame.KindWSData:
		h.ws.HandleData(m)
	case frame.KindWSClose:
		h.ws.HandleClose(m)
	default:
		h.logger.Warn().Str("type", string(m.Type)).Str("stream_id", m.StreamID).Msg("unknown frame kind dropped")
	}
}

// shutdown runs once per Handler: it stops accepting new outbound frames,
// cleans up every registered stream with a shutdown reason, and closes the
// link (spec.md §4.8 "Shutdown", §7(10)).
func (h *Handler) shutdown() {
	h.doneOnce.Do(func() {
		h.open.Store(false)
		close(h.done)

		for _, s := range h.registry.IterForShutdown() {
			h.registry.Remove(s.StreamID)
			h.metrics.StreamClosed(ErrLinkClosed.Error())
		}

		_ = h.conn.Close()
	})
}
