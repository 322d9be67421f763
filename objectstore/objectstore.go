// Package objectstore defines the Adapter interface the ES data-channel
// loop (package dataclient) invokes for every proxied request (spec §4.7
// point 3 / §6): a reconstructed (method, path, query, headers, body) in,
// a (status, headers, body) out. The single external dependency the core
// excludes from itself — the actual object-store backend — lives behind
// this interface; package s3store implements it against a real
// S3-compatible service, package memstore implements it in memory for
// tests.
//
// grounded on the teacher's docker.Client pattern of isolating one
// external SDK behind a small interface that the rest of the codebase
// depends on instead of the SDK directly.
package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Request is the reconstructed view of one proxied HTTP exchange that
// reached the ES (spec §4.7 point 2: "Synthesize the target URL as
// https://<Host header><path>"). Path is the request-line path with any
// bucket prefix still attached; adapters perform the bucket-prefix
// routing described in §6 themselves.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   io.Reader

	// ContentLength is the request body's declared length, or -1 if
	// unknown (chunked transfer encoding on the inbound side).
	ContentLength int64
}

// Response is what an Adapter hands back to be serialized onto the data
// channel per spec §4.7 point 4.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.Reader

	// ContentLength is -1 when the adapter does not know the body length
	// up front (the dataclient response-writer then adds chunked framing,
	// per spec §4.7 point 4's "if present but no Content-Length ... add
	// Transfer-Encoding: chunked").
	ContentLength int64
}

// Adapter is the Object-Store adapter's interface (spec §6). Handle should
// not itself write to the data channel; dataclient owns serialization.
type Adapter interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}
