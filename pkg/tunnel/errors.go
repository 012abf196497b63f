package tunnel

import "errors"

// Sentinel errors naming the error taxonomy from spec.md §7. Kinds that
// always carry a stream-specific message (policy denial, admission denial,
// upstream failures, size cap, deadline/idle expiry) are constructed inline
// by pkg/engine and pkg/wsbridge as ERROR frames with the appropriate status
// code; the sentinels below cover the link-level kinds the Tunnel Handler
// itself observes and logs.
var (
	// ErrMalformedFrame is logged when frame.Parse rejects an inbound
	// message; the frame is dropped and the link stays up (spec.md §7(1)).
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownStream names the kind for a DATA/END/WS_DATA/WS_CLOSE frame
	// whose stream_id is absent from the registry (spec.md §7(2)). Such
	// frames are dropped by pkg/engine and pkg/wsbridge themselves, which
	// do not use this value; nothing in this package returns or logs it.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrLinkClosed marks the Tunnel Handler's shutdown path: every stream
	// is cleaned up with this as the close reason and no further frames are
	// emitted (spec.md §7(10)).
	ErrLinkClosed = errors.New("control link closed")
)
