package wsbridge

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tunnelkit/workertunnel/pkg/frame"
	"github.com/tunnelkit/workertunnel/pkg/portpolicy"
	"github.com/tunnelkit/workertunnel/pkg/registry"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []frame.Message
	done   chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{done: make(chan struct{}, 1)}
}

func (f *fakeSender) Send(m frame.Message) {
	f.mu.Lock()
	f.frames = append(f.frames, m)
	f.mu.Unlock()
	if m.Type == frame.KindWSClose || m.Type == frame.KindError {
		select {
		case f.done <- struct{}{}:
		default:
		}
	}
}

func (f *fakeSender) snapshot() []frame.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame.Message, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeSender) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a terminal frame")
	}
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return port
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

var upgrader = websocket.Upgrader{}

func TestHandleUpgradePolicyDenied(t *testing.T) {
	sender := newFakeSender()
	reg := registry.New(10)
	policy := portpolicy.New([]int{9000}, nil)
	b := New(Config{LocalHost: "127.0.0.1", IdleTimeout: time.Minute}, policy, reg, sender, nil, testLogger())

	b.HandleUpgrade(frame.Message{Type: frame.KindWSUpgrade, StreamID: "s1", Port: 1234, Path: "/ws", Headers: map[string]string{}})

	got := sender.snapshot()
	if len(got) != 1 || got[0].Type != frame.KindError || got[0].StatusCode != http.StatusForbidden {
		t.Fatalf("expected single ERROR 403, got %+v", got)
	}
}

func TestHandleUpgradeAdmissionDenied(t *testing.T) {
	sender := newFakeSender()
	reg := registry.New(1)
	_ = reg.Insert(&registry.Stream{StreamID: "existing"})
	b := New(Config{LocalHost: "127.0.0.1", IdleTimeout: time.Minute}, portpolicy.New(nil, nil), reg, sender, nil, testLogger())

	b.HandleUpgrade(frame.Message{Type: frame.KindWSUpgrade, StreamID: "s2", Port: 9000, Path: "/ws", Headers: map[string]string{}})

	got := sender.snapshot()
	if len(got) != 1 || got[0].Type != frame.KindError || got[0].StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected single ERROR 503, got %+v", got)
	}
}

func TestSuccessfulUpgradeEchoAndClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(1000, "bye"), time.Now().Add(time.Second))
	}))
	defer srv.Close()

	sender := newFakeSender()
	reg := registry.New(10)
	policy := portpolicy.New(nil, map[int]int{9000: serverPort(t, srv)})
	b := New(Config{LocalHost: "127.0.0.1", IdleTimeout: time.Minute}, policy, reg, sender, nil, testLogger())

	b.HandleUpgrade(frame.Message{Type: frame.KindWSUpgrade, StreamID: "s1", Port: 9000, Path: "/", Headers: map[string]string{}})
	sender.waitDone(t)

	got := sender.snapshot()
	if len(got) < 3 {
		t.Fatalf("expected RESPONSE(101), WS_DATA, WS_CLOSE; got %+v", got)
	}
	if got[0].Type != frame.KindResponse || got[0].StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("first frame should be RESPONSE 101, got %+v", got[0])
	}
	if got[1].Type != frame.KindWSData || string(got[1].Data) != "hello" || got[1].IsBinary {
		t.Fatalf("expected WS_DATA(\"hello\", binary=false), got %+v", got[1])
	}
	last := got[len(got)-1]
	if last.Type != frame.KindWSClose || last.Code != 1000 || last.Reason != "bye" {
		t.Fatalf("expected WS_CLOSE(1000, bye), got %+v", last)
	}
	if reg.Size() != 0 {
		t.Fatalf("stream should be removed after close, size=%d", reg.Size())
	}
}

func TestInboundWSDataForwardedToLocal(t *testing.T) {
	echoed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		echoed <- string(data)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(1000, ""), time.Now().Add(time.Second))
	}))
	defer srv.Close()

	sender := newFakeSender()
	reg := registry.New(10)
	policy := portpolicy.New(nil, map[int]int{9000: serverPort(t, srv)})
	b := New(Config{LocalHost: "127.0.0.1", IdleTimeout: time.Minute}, policy, reg, sender, nil, testLogger())

	b.HandleUpgrade(frame.Message{Type: frame.KindWSUpgrade, StreamID: "s1", Port: 9000, Path: "/", Headers: map[string]string{}})

	// Wait for the RESPONSE(101) before sending data so the local conn exists.
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := reg.Get("s1"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("stream never admitted")
		case <-time.After(5 * time.Millisecond):
		}
	}
	for {
		s, _ := reg.Get("s1")
		if s.WSConn != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("local ws connection never opened")
		case <-time.After(5 * time.Millisecond):
		}
	}

	b.HandleData(frame.Message{Type: frame.KindWSData, StreamID: "s1", Data: []byte("ping"), IsBinary: false})

	select {
	case got := <-echoed:
		if got != "ping" {
			t.Fatalf("local server received %q, want %q", got, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("local server never observed inbound WS_DATA")
	}
}

func TestLocalDialFailureEmitsBadGateway(t *testing.T) {
	sender := newFakeSender()
	reg := registry.New(10)
	policy := portpolicy.New(nil, map[int]int{9000: 1})
	b := New(Config{LocalHost: "127.0.0.1", IdleTimeout: time.Minute}, policy, reg, sender, nil, testLogger())

	b.HandleUpgrade(frame.Message{Type: frame.KindWSUpgrade, StreamID: "s1", Port: 9000, Path: "/", Headers: map[string]string{}})
	sender.waitDone(t)

	got := sender.snapshot()
	last := got[len(got)-1]
	if last.Type != frame.KindError || last.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected ERROR 502, got %+v", last)
	}
	if reg.Size() != 0 {
		t.Fatalf("stream should be cleaned up, size=%d", reg.Size())
	}
}

func TestHandleCloseIsIdempotentForUnknownStream(t *testing.T) {
	sender := newFakeSender()
	reg := registry.New(10)
	b := New(Config{LocalHost: "127.0.0.1"}, portpolicy.New(nil, nil), reg, sender, nil, testLogger())

	b.HandleClose(frame.Message{Type: frame.KindWSClose, StreamID: "ghost", Code: 1000})

	if got := sender.snapshot(); len(got) != 0 {
		t.Fatalf("expected no frames for unknown stream, got %+v", got)
	}
}
