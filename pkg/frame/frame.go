// Package frame implements the control-link wire codec (spec.md §4.1, §6):
// parsing and serializing the eight message kinds exchanged between the
// remote control plane and the tunnel handler.
package frame

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Kind identifies one of the eight control-link message kinds.
type Kind string

// The wire-level kind literals, per spec.md §6.
const (
	KindRequest   Kind = "TUNNEL_REQUEST"
	KindResponse  Kind = "TUNNEL_RESPONSE"
	KindData      Kind = "TUNNEL_DATA"
	KindEnd       Kind = "TUNNEL_END"
	KindError     Kind = "TUNNEL_ERROR"
	KindWSUpgrade Kind = "TUNNEL_WS_UPGRADE"
	KindWSData    Kind = "TUNNEL_WS_DATA"
	KindWSClose   Kind = "TUNNEL_WS_CLOSE"
)

// MalformedError reports a parse failure for one inbound frame; per
// spec.md §7(1) it is never fatal to the link.
type MalformedError struct {
	Reason string
	Cause  error
}

func (e *MalformedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func (e *MalformedError) Unwrap() error { return e.Cause }

// Message is the in-memory representation of one control-link frame. Only
// the fields relevant to Type are populated; the rest are left at their
// zero value so a single struct can model all eight kinds.
type Message struct {
	Type     Kind   `json:"type"`
	StreamID string `json:"streamId"`

	// REQUEST
	Port       int               `json:"port,omitempty"`
	Method     string            `json:"method,omitempty"`
	Path       string            `json:"path,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Scheme     string            `json:"scheme,omitempty"`
	WorkerID   string            `json:"workerId,omitempty"`
	DeadlineMs int64             `json:"deadlineMs,omitempty"`

	// RESPONSE
	StatusCode    int    `json:"statusCode,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`

	// DATA / WS_DATA
	Data       []byte `json:"data,omitempty"`
	IsBase64   bool   `json:"_isBase64,omitempty"`
	IsBinary   bool   `json:"isBinary,omitempty"`

	// ERROR
	Error string `json:"error,omitempty"`

	// WS_CLOSE
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// wireMessage is the JSON-on-the-wire shape: Data is base64 text, not raw
// bytes, and _isBase64 is only present when Data is populated (spec.md §6).
type wireMessage struct {
	Type          Kind              `json:"type"`
	StreamID      string            `json:"streamId"`
	Port          int               `json:"port,omitempty"`
	Method        string            `json:"method,omitempty"`
	Path          string            `json:"path,omitempty"`
	Headers       *map[string]string `json:"headers,omitempty"` // pointer so an empty map is still sent
	Scheme        string            `json:"scheme,omitempty"`
	WorkerID      string            `json:"workerId,omitempty"`
	DeadlineMs    int64             `json:"deadlineMs,omitempty"`
	StatusCode    int               `json:"statusCode,omitempty"`
	StatusMessage string            `json:"statusMessage,omitempty"`
	Data          string            `json:"data,omitempty"`
	IsBase64      bool              `json:"_isBase64,omitempty"`
	IsBinary      bool              `json:"isBinary,omitempty"`
	Error         string            `json:"error,omitempty"`
	Code          int               `json:"code,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Serialize renders m as the wire JSON text frame. Serialize is total for
// every well-formed in-memory Message (spec.md §4.1).
func Serialize(m Message) ([]byte, error) {
	w := wireMessage{
		Type:          m.Type,
		StreamID:      m.StreamID,
		Port:          m.Port,
		Method:        m.Method,
		Path:          m.Path,
		Scheme:        m.Scheme,
		WorkerID:      m.WorkerID,
		DeadlineMs:    m.DeadlineMs,
		StatusCode:    m.StatusCode,
		StatusMessage: m.StatusMessage,
		IsBinary:      m.IsBinary,
		Error:         m.Error,
		Code:          m.Code,
		Reason:        m.Reason,
	}
	if m.Headers != nil {
		w.Headers = &m.Headers
	}
	if m.Data != nil {
		w.Data = base64.StdEncoding.EncodeToString(m.Data)
		w.IsBase64 = true
	}

	out, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}
	return out, nil
}

// Parse decodes a wire text frame into a Message and validates kind-specific
// required fields. A data field is always decoded as base64 text; raw-byte
// payloads are not accepted. It returns a *MalformedError on any failure.
func Parse(raw []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, &MalformedError{Reason: "invalid JSON", Cause: err}
	}

	if w.Type == "" {
		return Message{}, &MalformedError{Reason: "missing type"}
	}
	if w.StreamID == "" {
		return Message{}, &MalformedError{Reason: "missing streamId"}
	}

	m := Message{
		Type:          w.Type,
		StreamID:      w.StreamID,
		Port:          w.Port,
		Method:        w.Method,
		Path:          w.Path,
		Scheme:        w.Scheme,
		WorkerID:      w.WorkerID,
		DeadlineMs:    w.DeadlineMs,
		StatusCode:    w.StatusCode,
		StatusMessage: w.StatusMessage,
		IsBinary:      w.IsBinary,
		Error:         w.Error,
		Code:          w.Code,
		Reason:        w.Reason,
	}
	if w.Headers != nil {
		m.Headers = *w.Headers
	}

	if w.Data != "" {
		decoded, err := base64.StdEncoding.DecodeString(w.Data)
		if err != nil {
			return Message{}, &MalformedError{Reason: "invalid base64 data", Cause: err}
		}
		m.Data = decoded
		m.IsBase64 = true
	}

	if err := validateRequired(m); err != nil {
		return Message{}, err
	}

	return m, nil
}

func validateRequired(m Message) error {
	switch m.Type {
	case KindRequest:
		if m.Port == 0 {
			return &MalformedError{Reason: "REQUEST missing port"}
		}
		if m.Method == "" {
			return &MalformedError{Reason: "REQUEST missing method"}
		}
		if m.Path == "" {
			return &MalformedError{Reason: "REQUEST missing path"}
		}
		if m.Headers == nil {
			return &MalformedError{Reason: "REQUEST missing headers"}
		}
	case KindResponse:
		if m.StatusCode == 0 {
			return &MalformedError{Reason: "RESPONSE missing statusCode"}
		}
		if m.Headers == nil {
			return &MalformedError{Reason: "RESPONSE missing headers"}
		}
	case KindData:
		// data is optional (an empty chunk is legal); nothing further required.
	case KindEnd:
		// no additional required fields.
	case KindError:
		if m.Error == "" {
			return &MalformedError{Reason: "ERROR missing error"}
		}
	case KindWSUpgrade:
		if m.Port == 0 {
			return &MalformedError{Reason: "WS_UPGRADE missing port"}
		}
		if m.Path == "" {
			return &MalformedError{Reason: "WS_UPGRADE missing path"}
		}
		if m.Headers == nil {
			return &MalformedError{Reason: "WS_UPGRADE missing headers"}
		}
	case KindWSData:
		// data/isBinary carried as-is; an empty frame is legal.
	case KindWSClose:
		// code/reason are both optional per spec.md §4.1.
	default:
		// An unrecognized kind is not a parse failure by itself: type and
		// streamId are already validated above, and per spec.md §4.1/§7(1)
		// the link only logs and drops it at dispatch, it never tears down
		// the link the way a *MalformedError would. See IsUnknownKind.
	}
	return nil
}

// IsUnknownKind reports whether m carries a kind this codec does not
// recognize. validateRequired lets such a Message through Parse rather than
// rejecting it, so callers use IsUnknownKind to find and drop it at dispatch
// (spec.md §4.1/§7(1)) instead of treating it as fatal.
func IsUnknownKind(m Message) bool {
	switch m.Type {
	case KindRequest, KindResponse, KindData, KindEnd, KindError, KindWSUpgrade, KindWSData, KindWSClose:
		return false
	default:
		return true
	}
}
