// Package httpwire implements the HTTP/1.1 wire handling shared by both
// sides of the proxy fabric: the CS writes requests onto a data channel and
// reads responses off it (spec §4.3/§4.4); the ES reads requests off a data
// channel and writes responses onto it (spec §4.7, the mirror image).
//
// the original source kept two independently-written parsers, one per
// direction, that disagreed on edge cases. this package deliberately keeps
// both directions' readers and writers in one place, sharing the same
// framing helpers (declaredFraming, the chunked codec, writeFull), so the
// two sides cannot drift apart — see the Open Questions entry in
// DESIGN.md. RFC 7230 framing rules (Content-Length / chunked / close) are
// applied identically regardless of which side is reading.
package httpwire

import (
	"io"
	"net/http"
)

// Request is the parsed/to-be-written shape of one HTTP/1.1 request as it
// travels across a data channel. Target is the request-line target
// (path + "?" + query, no scheme or host), matching spec §4.3 point 1.
type Request struct {
	Method string
	Target string
	Proto  string
	Header http.Header
	Body   io.ReadCloser

	// ContentLength is the declared length, or -1 when no length is
	// known up front: WriteRequest buffers a -1, non-chunked body to learn
	// it. ReadRequest reports -1 for a chunked body and 0 for a request
	// with neither Content-Length nor chunked framing (it has no body).
	ContentLength int64
	Chunked       bool

	// hostFallback is the URL host to insert as the Host header when the
	// original request had none (spec §4.3 point 2). Set via
	// SetHostFallback by the caller that constructs the Request.
	hostFallback string
}

// Response is the parsed/to-be-written shape of one HTTP/1.1 response as it
// travels across a data channel.
type Response struct {
	StatusCode int
	Status     string // e.g. "200 OK"; derived from StatusCode if empty
	Proto      string
	Header     http.Header
	Body       io.ReadCloser

	ContentLength int64
	Chunked       bool
}

// writeFull loops until the full buffer has been accepted by w, per spec
// §4.3 point 5: a short write on a TCP socket is not an error, it just
// means the remaining bytes must be retried. package controlproto has the
// identical helper for control-channel frames.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
