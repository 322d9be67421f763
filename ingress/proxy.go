package ingress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/ferrors"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/httpwire"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/statsdb"
)

// proxyHandler implements spec §4.2: the catch-all ingress route. it
// allocates one data channel per inbound HTTP exchange, writes the
// request and reads the response concurrently (point 3), and maps any
// failure onto the 503/502 policy (point 5).
type proxyHandler struct {
	pool    Pool
	stats   *statsdb.Stats
	logger  *slog.Logger
	limiter *rate.Limiter
}

func (h *proxyHandler) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		h.writeSaturated(w)
		return
	}

	requestID := uuid.NewString()

	ctx, cancel := context.WithTimeout(r.Context(), responseTimeout)
	defer cancel()

	port, err := h.pool.Allocate(ctx, requestID)
	if err != nil {
		h.writeAllocationError(w, err)
		return
	}

	conn, body, err := h.pool.ClaimSocket(port)
	if err != nil {
		h.pool.Release(port, false)
		h.writeProxyError(w, err)
		return
	}

	req, err := buildWireRequest(r)
	if err != nil {
		h.pool.Release(port, true)
		h.writeProxyError(w, err)
		return
	}

	resp, socketStillOpen, err := h.exchange(ctx, conn, body, req)
	if err != nil {
		h.pool.NoteSocketClosed(port)
		h.pool.Release(port, false)
		if h.stats != nil {
			h.stats.RecordServiceUnavailable()
		}
		h.writeProxyError(w, err)
		return
	}

	h.pool.Release(port, socketStillOpen)
	if h.stats != nil {
		h.stats.RecordSuccess()
	}
	writeWireResponse(w, resp)
}

// exchange runs the request writer and response reader concurrently over
// one claimed data channel (spec §4.2 point 3: "This parallelism is
// mandatory: for large uploads the peer may begin responding before the
// full body has been written"). it mirrors the teacher's translation of
// `await Promise.all([send, receive])` into two goroutines joined at the
// end (spec §9's "Coroutine control flow -> tasks + channels" note).
func (h *proxyHandler) exchange(ctx context.Context, conn net.Conn, body io.Reader, req *httpwire.Request) (*httpwire.Response, bool, error) {
	var writeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		writeErr = httpwire.WriteRequest(conn, req)
	}()

	br := bufio.NewReader(body)
	resp, readErr := httpwire.ReadResponse(br, conn, responseTimeout)

	wg.Wait()

	if writeErr != nil {
		return nil, false, ferrors.Wrap(ferrors.KindSocketWriteFailure, "writing request to data channel", writeErr)
	}
	if readErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, false, ferrors.Wrap(ferrors.KindResponseTimeout, "response timed out", readErr)
		}
		return nil, false, ferrors.Wrap(ferrors.KindHTTPParseError, "reading response from data channel", readErr)
	}

	// a response without any declared framing resolves by connection
	// close (httpwire.ReadResponse's close-delimited fallback): the
	// underlying socket is no longer usable for keep-alive.
	socketStillOpen := resp.ContentLength >= 0 || resp.Chunked
	return resp, socketStillOpen, nil
}

// buildWireRequest translates the inbound net/http request into the flat
// httpwire.Request shape the data-channel writer expects (spec §4.3 point
// 1: request line is PATH?QUERY, no scheme/host).
func buildWireRequest(r *http.Request) (*httpwire.Request, error) {
	target := r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	wireReq := &httpwire.Request{
		Method:        r.Method,
		Target:        target,
		Proto:         "HTTP/1.1",
		Header:        r.Header.Clone(),
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Chunked:       hasChunkedTransferEncoding(r.TransferEncoding),
	}
	wireReq.SetHostFallback(r.Host)
	return wireReq, nil
}

func hasChunkedTransferEncoding(encodings []string) bool {
	for _, e := range encodings {
		if strings.EqualFold(e, "chunked") {
			return true
		}
	}
	return false
}

// writeWireResponse copies a parsed httpwire.Response onto the ingress's
// http.ResponseWriter.
func writeWireResponse(w http.ResponseWriter, resp *httpwire.Response) {
	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		_, _ = io.Copy(w, resp.Body)
	}
}

// writeSaturated implements spec §4.2 point 5's first bullet: 503 with a
// fixed body and Retry-After: 1, when allocation failed purely because no
// channel was free (the rate limiter shedding load ahead of the pool is
// the same user-visible failure mode, so it is reported identically).
func (h *proxyHandler) writeSaturated(w http.ResponseWriter) {
	if h.stats != nil {
		h.stats.RecordServiceUnavailable()
	}
	w.Header().Set("Retry-After", "1")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Service Unavailable: All proxy channels in use"))
}

func (h *proxyHandler) writeAllocationError(w http.ResponseWriter, err error) {
	if ferrors.Is(err, ferrors.KindChannelSaturation) {
		h.writeSaturated(w)
		return
	}
	if h.stats != nil {
		h.stats.RecordServiceUnavailable()
	}
	h.writeProxyError(w, err)
}

// writeProxyError implements spec §4.2 point 5's second bullet: 502 for
// every other failure.
func (h *proxyHandler) writeProxyError(w http.ResponseWriter, err error) {
	h.logger.Warn("ingress: proxy exchange failed", "error", err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte(fmt.Sprintf("Proxy Error: %v", err)))
}
