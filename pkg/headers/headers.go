// Package headers normalizes HTTP headers crossing the tunnel boundary
// (spec.md §4.2), generalizing the teacher's hop-by-hop stripping helpers
// into a standalone, reusable component.
package headers

import (
	"mime"
	"net/http"
	"strings"
)

// hopByHop lists header names that are scoped to a single transport hop and
// must never be forwarded to the local upstream.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
}

// Normalize strips hop-by-hop headers (and Host) from h in place and,
// when forceIdentity is set, overwrites Accept-Encoding with "identity" so
// the URL rewriter downstream always sees uncompressed text (spec.md §4.2,
// §9 "forcing identity encoding"). Normalize is idempotent: running it twice
// produces the same result as running it once.
//
// h is keyed by whatever casing the remote control plane sent (see
// FromFrameHeaders), not the canonical MIME casing http.Header.Del/Set
// assume, so both steps below delete/insert by the map's actual keys
// instead of going through those methods.
func Normalize(h http.Header, forceIdentity bool) {
	for name := range h {
		lower := strings.ToLower(name)
		if _, stripped := hopByHop[lower]; stripped {
			delete(h, name)
			continue
		}
		if forceIdentity && lower == "accept-encoding" {
			delete(h, name)
		}
	}
	if forceIdentity {
		h["Accept-Encoding"] = []string{"identity"}
	}
}

// FromFrameHeaders builds an http.Header from the plain string map carried
// on REQUEST/WS_UPGRADE frames, preserving the casing supplied by the
// remote control plane (spec.md §4.2 "preserves original header casing").
func FromFrameHeaders(raw map[string]string) http.Header {
	h := make(http.Header, len(raw))
	for k, v := range raw {
		h[k] = []string{v}
	}
	return h
}

// ToFrameHeaders flattens an http.Header back into the plain string map
// carried on RESPONSE frames. Multi-valued headers are joined with ", " per
// RFC 7230 §3.2.2, since the wire format carries one string per header name.
func ToFrameHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		out[k] = strings.Join(vv, ", ")
	}
	return out
}

// ShouldDropContentLength reports whether Content-Length must be removed
// from a RESPONSE frame's headers: URL rewriting is enabled for this stream
// and the response Content-Type is rewritable, so the body length streamed
// downstream will not match the upstream length (spec.md §4.2, §4.4 rule 3).
func ShouldDropContentLength(rewritingWillApply bool) bool {
	return rewritingWillApply
}

// ContentTypeToken extracts and lower-cases the first ;-delimited token of a
// Content-Type header value, e.g. "text/html; charset=utf-8" -> "text/html".
func ContentTypeToken(contentType string) string {
	token, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Fall back to a manual split so a malformed Content-Type still
		// yields a best-effort token instead of treating it as rewritable
		// by accident.
		token = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return strings.ToLower(token)
}
