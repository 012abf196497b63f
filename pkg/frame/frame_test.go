package frame

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestParseRequestFrame(t *testing.T) {
	raw := []byte(`{"type":"TUNNEL_REQUEST","streamId":"s1","port":3000,"method":"GET","path":"/hello","headers":{}}`)

	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Type != KindRequest || m.StreamID != "s1" || m.Port != 3000 || m.Method != "GET" || m.Path != "/hello" {
		t.Fatalf("unexpected message: %+v", m)
	}
}

func TestParseMissingTypeIsMalformed(t *testing.T) {
	_, err := Parse([]byte(`{"streamId":"s1"}`))
	if err == nil {
		t.Fatal("expected malformed error")
	}
	var malformed *MalformedError
	if !isMalformed(err, &malformed) {
		t.Fatalf("expected *MalformedError, got %T: %v", err, err)
	}
}

func TestParseMissingStreamIDIsMalformed(t *testing.T) {
	_, err := Parse([]byte(`{"type":"TUNNEL_END"}`))
	if err == nil {
		t.Fatal("expected malformed error")
	}
}

func TestParseRequestMissingRequiredFieldsIsMalformed(t *testing.T) {
	cases := []string{
		`{"type":"TUNNEL_REQUEST","streamId":"s1","method":"GET","path":"/x","headers":{}}`,          // missing port
		`{"type":"TUNNEL_REQUEST","streamId":"s1","port":80,"path":"/x","headers":{}}`,                // missing method
		`{"type":"TUNNEL_REQUEST","streamId":"s1","port":80,"method":"GET","headers":{}}`,             // missing path
		`{"type":"TUNNEL_REQUEST","streamId":"s1","port":80,"method":"GET","path":"/x"}`,              // missing headers
	}
	for _, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("expected malformed error for %s", raw)
		}
	}
}

func TestParseErrorMissingReasonIsMalformed(t *testing.T) {
	_, err := Parse([]byte(`{"type":"TUNNEL_ERROR","streamId":"s1"}`))
	if err == nil {
		t.Fatal("expected malformed error")
	}
}

func TestParseUnknownKindSucceedsAndIsFlagged(t *testing.T) {
	m, err := Parse([]byte(`{"type":"TUNNEL_BOGUS","streamId":"s1"}`))
	if err != nil {
		t.Fatalf("Parse should accept a well-formed but unrecognized kind, got %v", err)
	}
	if !IsUnknownKind(m) {
		t.Fatal("IsUnknownKind should report true for an unrecognized kind")
	}
}

func TestIsUnknownKindFalseForRecognizedKinds(t *testing.T) {
	for _, k := range []Kind{KindRequest, KindResponse, KindData, KindEnd, KindError, KindWSUpgrade, KindWSData, KindWSClose} {
		if IsUnknownKind(Message{Type: k}) {
			t.Errorf("IsUnknownKind(%s) = true, want false", k)
		}
	}
}

func TestBinaryDataRoundTripsExactly(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xFF, 0xFE, 0x10, 0x00, 0x7F}
	m := Message{Type: KindData, StreamID: "s1", Data: payload}

	wire, err := Serialize(m)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	var w wireMessage
	if err := json.Unmarshal(wire, &w); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	if !w.IsBase64 {
		t.Fatal("expected _isBase64 sentinel to be set")
	}

	got, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse round-trip: %v", err)
	}
	if !bytes.Equal(got.Data, payload) {
		t.Fatalf("round-tripped data = %v, want %v", got.Data, payload)
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	cases := []Message{
		{Type: KindRequest, StreamID: "s1", Port: 3000, Method: "GET", Path: "/x", Headers: map[string]string{"a": "b"}},
		{Type: KindResponse, StreamID: "s1", StatusCode: 200, StatusMessage: "OK", Headers: map[string]string{}},
		{Type: KindEnd, StreamID: "s1"},
		{Type: KindError, StreamID: "s1", Error: "boom", StatusCode: 502},
		{Type: KindWSUpgrade, StreamID: "s2", Port: 9000, Path: "/ws", Headers: map[string]string{}},
		{Type: KindWSData, StreamID: "s2", Data: []byte("hello"), IsBinary: false},
		{Type: KindWSClose, StreamID: "s2", Code: 1000, Reason: "bye"},
	}

	for _, m := range cases {
		wire, err := Serialize(m)
		if err != nil {
			t.Fatalf("Serialize(%+v): %v", m, err)
		}
		got, err := Parse(wire)
		if err != nil {
			t.Fatalf("Parse(%s): %v", wire, err)
		}
		if got.Type != m.Type || got.StreamID != m.StreamID {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
		}
	}
}

func isMalformed(err error, target **MalformedError) bool {
	m, ok := err.(*MalformedError)
	if ok {
		*target = m
	}
	return ok
}
