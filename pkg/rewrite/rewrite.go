// Package rewrite implements the URL Rewriter (spec.md §4.4): in-place,
// charset-aware substitution of localhost:<port> references inside
// streaming text response bodies, so that cross-port links in served
// HTML/CSS/JS keep working through the tunnel.
//
// application/json is in the rewritable set: occurrences inside JSON string
// values are substituted by the same literal rules as any other text, with
// no JSON-aware handling of escaped forms such as "http:\/\/localhost:3000".
package rewrite

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// rewritableTypes is the fixed allow-list from spec.md §4.4: the first
// ;-delimited, lower-cased Content-Type token that is eligible for
// rewriting.
var rewritableTypes = map[string]struct{}{
	"text/html":               {},
	"text/css":                {},
	"text/javascript":         {},
	"application/javascript":  {},
	"application/x-javascript": {},
	"text/xml":                {},
	"application/xml":         {},
	"application/json":        {},
	"text/plain":              {},
}

// IsRewritable reports whether a Content-Type token (already extracted and
// lower-cased by pkg/headers.ContentTypeToken) is in the rewritable set.
func IsRewritable(contentTypeToken string) bool {
	_, ok := rewritableTypes[contentTypeToken]
	return ok
}

// PortAllower decides whether a numeric port found in a body is one this
// tunnel actually serves, so only legitimate cross-port links are rewritten
// (spec.md §4.4 "applied per allowed port P", gated by C3 Port Policy).
type PortAllower interface {
	IsAllowed(port int) bool
}

// Charset identifies one of the three charsets spec.md §4.4 recognizes.
type Charset int

const (
	// CharsetUTF8 covers "utf-8"/"utf8" and the fallback-default case.
	CharsetUTF8 Charset = iota
	// CharsetLatin1 covers "iso-8859-1"/"latin1".
	CharsetLatin1
	// CharsetASCII covers "ascii"; byte-compatible with UTF-8 for this
	// rewriter's purposes since every ASCII byte is a valid single-byte
	// UTF-8 code point.
	CharsetASCII
)

// ResolveCharset parses a `charset=<x>` token (already lower-cased) into a
// Charset, reporting whether the name was recognized. Callers should warn
// and default to CharsetUTF8 when ok is false (spec.md §4.4).
func ResolveCharset(name string) (cs Charset, ok bool) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "utf-8", "utf8", "":
		return CharsetUTF8, true
	case "iso-8859-1", "latin1":
		return CharsetLatin1, true
	case "ascii":
		return CharsetASCII, true
	default:
		return CharsetUTF8, false
	}
}

// CharsetFromContentType extracts the charset parameter from a Content-Type
// header value, returning CharsetUTF8 with ok=true when absent (no charset
// specified defaults silently to UTF-8, no warning needed).
func CharsetFromContentType(contentType string) (Charset, bool) {
	idx := strings.Index(strings.ToLower(contentType), "charset=")
	if idx < 0 {
		return CharsetUTF8, true
	}
	rest := contentType[idx+len("charset="):]
	rest = strings.TrimSpace(strings.Trim(rest, `"'`))
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		rest = rest[:semi]
	}
	return ResolveCharset(strings.TrimSpace(rest))
}

var (
	httpLocalhostPattern = regexp.MustCompile(`http://localhost:(\d+)`)
	bareLocalhostPattern  = regexp.MustCompile(`(^|[^.])localhost:(\d+)`)
	// tailRiskPattern matches a trailing, possibly-incomplete occurrence of
	// the patterns above so the stream rewriter can hold it back rather
	// than rewrite a port number that more chunks could still extend.
	tailRiskPattern = regexp.MustCompile(`(https?://)?localhost:\d*$`)
)

// maxHoldbackRunes bounds how much decoded text the streaming rewriter must
// hold back between chunks to guarantee a "localhost:<port>" occurrence is
// never rewritten while its port digits could still be extended by the next
// chunk, and never missed because it was split across a chunk boundary.
// "https://" (8) + "localhost:" (10) + a 5-digit port is 23 runes; doubled
// and rounded up to 48 for margin.
const maxHoldbackRunes = 48

// applyRules runs rewrite rules 1 and 2 (spec.md §4.4) over a fully
// buffered piece of text, substituting localhost:<port> references for
// ports the policy permits.
func applyRules(s string, useHTTPS bool, workerID, tunnelDomain string, policy PortAllower) string {
	if useHTTPS {
		s = httpLocalhostPattern.ReplaceAllStringFunc(s, func(match string) string {
			sub := httpLocalhostPattern.FindStringSubmatch(match)
			port, err := strconv.Atoi(sub[1])
			if err != nil || !policy.IsAllowed(port) {
				return match
			}
			return "https://" + hostLabel(workerID, port, tunnelDomain)
		})
	}

	s = bareLocalhostPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := bareLocalhostPattern.FindStringSubmatch(match)
		prefix, portStr := sub[1], sub[2]
		port, err := strconv.Atoi(portStr)
		if err != nil || !policy.IsAllowed(port) {
			return match
		}
		return prefix + hostLabel(workerID, port, tunnelDomain)
	})

	return s
}

func hostLabel(workerID string, port int, tunnelDomain string) string {
	return workerID + "-p" + strconv.Itoa(port) + "." + tunnelDomain
}

// Stream incrementally rewrites a response body as it streams in from the
// local upstream, one chunk at a time, without ever buffering the whole
// body (spec.md §4.4 rule 3, §9 "streaming-and-rewriting with changing
// length"). Use NewStream to construct one per response.
type Stream struct {
	active   bool
	useHTTPS bool
	workerID string
	domain   string
	policy   PortAllower
	charset  Charset

	rawPending  []byte // undecoded trailing bytes of an incomplete UTF-8 rune
	textPending string // decoded text held back to avoid splitting a match
	decodeFailed bool  // once true, pass remaining bytes through untouched
}

// NewStream constructs a Stream for one response. active should be
// enable_url_rewriting && worker_id != "" && IsRewritable(contentTypeToken)
// (spec.md boundary: "worker_id absent disables rewriting regardless of
// enable_url_rewriting"). When active is false, Write is a no-op
// passthrough. An unrecognized charset falls back to UTF-8 without a
// warning, and a decode failure switches to passthrough without logging:
// this package has no logger.
func NewStream(active bool, useHTTPS bool, workerID, tunnelDomain string, policy PortAllower, contentType string) *Stream {
	charset, _ := CharsetFromContentType(contentType)
	return &Stream{
		active:   active,
		useHTTPS: useHTTPS,
		workerID: workerID,
		domain:   tunnelDomain,
		policy:   policy,
		charset:  charset,
	}
}

// Write rewrites one chunk and returns the bytes safe to emit downstream
// now. Some trailing bytes may be held back internally until a later Write
// or Close call once enough context is available to rewrite them safely.
func (s *Stream) Write(chunk []byte) []byte {
	if !s.active || s.decodeFailed {
		return chunk
	}

	var text string
	switch s.charset {
	case CharsetLatin1:
		combined := append(s.rawPending, chunk...)
		s.rawPending = nil
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(combined)
		if err != nil {
			s.decodeFailed = true
			return s.flushRawOnFailure(combined)
		}
		text = string(decoded)
	default: // CharsetUTF8, CharsetASCII: byte-compatible with Go's UTF-8 strings.
		combined := append(s.rawPending, chunk...)
		s.rawPending = nil
		validLen := utf8SafePrefixLen(combined)
		if !utf8.Valid(combined[:validLen]) {
			s.decodeFailed = true
			return s.flushRawOnFailure(combined)
		}
		s.rawPending = append([]byte(nil), combined[validLen:]...)
		text = string(combined[:validLen])
	}

	combinedText := s.textPending + text

	// Hold back a trailing, possibly-incomplete match rather than rewrite a
	// port prematurely.
	safeText, holdback := splitHoldback(combinedText)

	rewritten := applyRules(safeText, s.useHTTPS, s.workerID, s.domain, s.policy)
	s.textPending = holdback
	return s.encode(rewritten)
}

// Close flushes any text held back internally, rewriting it now that no
// further chunks will arrive to extend a trailing match.
func (s *Stream) Close() []byte {
	if !s.active || s.decodeFailed {
		out := s.rawPending
		s.rawPending = nil
		return out
	}
	rewritten := applyRules(s.textPending, s.useHTTPS, s.workerID, s.domain, s.policy)
	s.textPending = ""
	out := append(s.encode(rewritten), s.rawPending...)
	s.rawPending = nil
	return out
}

// encode re-encodes rewritten text with the same codec it was decoded with,
// so a Latin-1 body comes back out as Latin-1 bytes rather than Go's native
// UTF-8 (spec.md §4.4 "re-encode with the same codec"). CharsetUTF8 and
// CharsetASCII need no transform: every byte Write decoded from them is
// already a valid UTF-8 encoding of itself.
func (s *Stream) encode(text string) []byte {
	if s.charset != CharsetLatin1 {
		return []byte(text)
	}
	encoded, err := charmap.ISO8859_1.NewEncoder().String(text)
	if err != nil {
		// A rewrite can only ever substitute ASCII localhost:<port> literals
		// for other ASCII text, so every rune text contains after Write
		// decoded it from Latin-1 is still representable in Latin-1. Treat a
		// failure here as decode failure: pass the best-effort UTF-8 bytes
		// through rather than drop the chunk.
		return []byte(text)
	}
	return []byte(encoded)
}

// flushRawOnFailure is called the first time decoding fails; per spec.md
// §4.4/§7(9) the body is passed through untouched from that point on, and
// the caller should log the failure once.
func (s *Stream) flushRawOnFailure(raw []byte) []byte {
	out := append([]byte(nil), s.rawPending...)
	out = append(out, []byte(s.textPending)...)
	out = append(out, raw...)
	s.textPending = ""
	s.rawPending = nil
	return out
}

// splitHoldback returns (safe, holdback) such that safe+holdback == combined.
// holdback is the last maxHoldbackRunes runes (or all of combined when it is
// shorter), extended further back whenever the boundary would split a
// candidate match.
func splitHoldback(combined string) (string, string) {
	runes := []rune(combined)
	cut := len(runes) - maxHoldbackRunes
	if cut < 0 {
		cut = 0
	}
	safe := string(runes[:cut])
	holdback := string(runes[cut:])

	// Pull the boundary back before any "localhost" that starts within reach
	// of it, together with an optional "https://" prefix and the character
	// before it that rule 2 inspects, so no candidate is split.
	for b := len(safe); b > 0; {
		k := strings.LastIndex(combined[:min(b+len("https://localhost"), len(combined))], "localhost")
		if k < 0 || k+len("localhost:65535") < b {
			break
		}
		b = max(k-len("https://")-1, 0)
		for b > 0 && !utf8.RuneStart(combined[b]) {
			b--
		}
		safe, holdback = combined[:b], combined[b:]
	}

	// If the safe/holdback boundary itself falls inside a potential match
	// (e.g. "...http://localhost:30" split from "00/x"), push the boundary
	// earlier so the whole candidate moves into holdback.
	if loc := tailRiskPattern.FindStringIndex(safe); loc != nil {
		holdback = safe[loc[0]:] + holdback
		safe = safe[:loc[0]]
	}
	return safe, holdback
}

// utf8SafePrefixLen returns the length of the longest prefix of b that
// contains no truncated trailing UTF-8 sequence, so the remainder can be
// carried over and completed by the next chunk.
func utf8SafePrefixLen(b []byte) int {
	n := len(b)
	limit := n
	if limit > 3 {
		limit = 3
	}
	for i := 1; i <= limit; i++ {
		c := b[n-i]
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[n-i:]) {
				return n - i
			}
			break
		}
	}
	return n
}
