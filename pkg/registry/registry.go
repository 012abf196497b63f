// Package registry implements the per-stream state table (spec.md §4.5,
// §3): a mutex-guarded map from stream_id to Stream, with an admission cap
// enforced at insertion.
package registry

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// UpstreamKind tags which upstream handle (if any) is bound to a Stream
// (spec.md §3 invariant 2: at most one at a time).
type UpstreamKind int

const (
	UpstreamNone UpstreamKind = iota
	UpstreamHTTPRequestInFlight
	UpstreamHTTPResponseStreaming
	UpstreamWSOpen
)

// Stream is the per-logical-request/session mutable state described in
// spec.md §3.
type Stream struct {
	StreamID   string
	WorkerID   string
	RemotePort int
	LocalPort  int
	Scheme     string
	Method     string
	Path       string
	StartTime  time.Time

	mu       sync.Mutex
	bytesIn  int64
	bytesOut int64
	paused   bool

	Upstream UpstreamKind

	// RequestBody queues inbound DATA frame payloads for the HTTP Proxy
	// Engine to feed into the upstream request body, in arrival order,
	// without blocking the dispatch loop (spec.md §5 backpressure).
	RequestBody *DataQueue
	// HTTPResponse is the in-flight upstream response being streamed down,
	// non-nil only while Upstream == UpstreamHTTPResponseStreaming.
	HTTPResponse *http.Response
	// WSConn is the local WebSocket client connection, non-nil only while
	// Upstream == UpstreamWSOpen.
	WSConn *websocket.Conn

	// DeadlineTimer and IdleTimer are cancelable single-shot timers
	// (spec.md §3 invariant 4, §9). Cleanup must Stop both.
	DeadlineTimer *time.Timer
	IdleTimer     *time.Timer

	// Cancel aborts the upstream request/WS dial in flight for this stream,
	// so cleanup never leaves a goroutine blocked on a slow or stuck upstream.
	Cancel context.CancelFunc

	cleanupOnce sync.Once
	terminated  atomic.Bool
}

// MarkTerminated reports, via compare-and-swap, whether this call is the
// first to terminate the stream. Exactly one of a racing deadline/idle
// timer fire and a normal completion path will see true; callers must only
// emit a terminal frame (END/ERROR/WS_CLOSE) when it returns true (spec.md
// §5 cancellation semantics, §3 invariant 4).
func (s *Stream) MarkTerminated() bool {
	return s.terminated.CompareAndSwap(false, true)
}

func (s *Stream) AddBytesIn(n int64) {
	s.mu.Lock()
	s.bytesIn += n
	s.mu.Unlock()
}

func (s *Stream) AddBytesOut(n int64) int64 {
	s.mu.Lock()
	s.bytesOut += n
	out := s.bytesOut
	s.mu.Unlock()
	return out
}

func (s *Stream) BytesOut() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesOut
}

func (s *Stream) SetPaused(p bool) {
	s.mu.Lock()
	s.paused = p
	s.mu.Unlock()
}

func (s *Stream) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// DataQueue is an unbounded, order-preserving FIFO of byte chunks shared
// between the frame dispatcher (producer) and the upstream writer goroutine
// (consumer). Push never blocks, so a slow or paused upstream never stalls
// the control-link dispatch loop (spec.md §5 "these must not block the
// dispatcher from servicing unrelated streams").
type DataQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]byte
	closed bool
}

// NewDataQueue constructs an empty, open DataQueue.
func NewDataQueue() *DataQueue {
	q := &DataQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a chunk for the consumer. Safe to call after Close; pushes
// after Close are silently dropped since no consumer will observe them.
func (q *DataQueue) Push(b []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, b)
	q.cond.Signal()
}

// Close marks the queue as half-closed: Pop drains any remaining buffered
// chunks, then reports EOF. Idempotent.
func (q *DataQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Pop blocks until a chunk is available or the queue is closed and drained,
// in which case ok is false.
func (q *DataQueue) Pop() (b []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	b = q.items[0]
	q.items = q.items[1:]
	return b, true
}

// Registry is the Tunnel Handler's exclusive stream table (spec.md §3
// Ownership). All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
	max     int
}

// New constructs an empty Registry admitting at most max concurrent
// streams.
func New(max int) *Registry {
	return &Registry{
		streams: make(map[string]*Stream),
		max:     max,
	}
}

// ErrAtCapacity is returned by Insert when the registry is already at
// max_concurrent_streams (spec.md §4.5, §7(4)).
var ErrAtCapacity = &capacityError{}

type capacityError struct{}

func (*capacityError) Error() string { return "stream registry at capacity" }

// Insert admits a new Stream, enforcing the concurrency cap (spec.md §3
// invariant 5, §4.5).
func (r *Registry) Insert(s *Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.streams) >= r.max {
		return ErrAtCapacity
	}
	r.streams[s.StreamID] = s
	return nil
}

// Get looks up a Stream by id.
func (r *Registry) Get(id string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	return s, ok
}

// Remove deletes a Stream from the registry and cancels its timers. It is
// idempotent: removing an absent id, or a Stream more than once, is a
// no-op beyond the first call (spec.md §4.5, §5 cancellation semantics).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.cleanupOnce.Do(func() {
		if s.DeadlineTimer != nil {
			s.DeadlineTimer.Stop()
		}
		if s.IdleTimer != nil {
			s.IdleTimer.Stop()
		}
		if s.Cancel != nil {
			s.Cancel()
		}
		if s.RequestBody != nil {
			s.RequestBody.Close()
		}
		if s.HTTPResponse != nil {
			_ = s.HTTPResponse.Body.Close()
		}
		if s.WSConn != nil {
			_ = s.WSConn.Close()
		}
	})
}

// Size reports the current stream count.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// IterForShutdown returns a snapshot of all streams, for the Tunnel
// Handler's shutdown path to clean each one up (spec.md §4.8 "Shutdown").
func (r *Registry) IterForShutdown() []*Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	return out
}
