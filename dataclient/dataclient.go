// Package dataclient implements the Edge Side half of one data channel
// (spec §4.7): dialing out to a Container Side data port once the control
// client has been told to allocate it, then repeatedly parsing one HTTP/1.1
// request off the channel, invoking the Object-Store adapter, and writing
// the response back, until the socket closes or a fatal error occurs.
//
// grounded on package pool's "plain value in a fixed-size array indexed by
// port - base" layout (spec §9) for the record bookkeeping, and on
// package httpwire for the actual wire parsing/serialization — this package
// owns channel lifecycle, not HTTP framing.
package dataclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/ferrors"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/httpwire"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/objectstore"
)

// dialRetryDelays bounds the ES's attempts to open a data channel. spec
// §4.6 point 3 calls for "retries, §4.7" without naming a schedule of its
// own, so this reuses the shape of the control-client's backoff (short
// delays, capped) rather than inventing an unrelated policy — a handful of
// quick retries covers the CS's listener not having come up microseconds
// before the ES tries to dial, the only realistic failure mode for a
// loopback connection.
var dialRetryDelays = []time.Duration{
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
}

// record is one data channel's state on the ES (spec §3: "port, socket,
// reader, writer, in_use").
type record struct {
	mu   sync.Mutex
	port int
	conn net.Conn
}

// Manager owns every data-channel record the ES may be asked to allocate,
// plus the Object-Store adapter each channel's service loop calls into.
type Manager struct {
	csHost   string
	basePort int
	records  []*record

	adapter objectstore.Adapter
	logger  *slog.Logger
}

// New constructs a Manager for the contiguous port range
// basePort..basePort+count-1 on csHost.
func New(csHost string, basePort, count int, adapter objectstore.Adapter, logger *slog.Logger) *Manager {
	records := make([]*record, count)
	for i := range records {
		records[i] = &record{port: basePort + i}
	}
	return &Manager{csHost: csHost, basePort: basePort, records: records, adapter: adapter, logger: logger}
}

func (m *Manager) recordForPort(port int) *record {
	idx := port - m.basePort
	if idx < 0 || idx >= len(m.records) {
		return nil
	}
	return m.records[idx]
}

// Allocate implements controlclient.ChannelManager: spec §4.6 points 1-3.
// it looks up the record, rejects an unknown or already-in-use port, then
// dials the CS's data port (with retry) and stores the resulting
// connection. the caller (controlclient) is responsible for replying
// ChannelAllocated/Error based on the returned error.
func (m *Manager) Allocate(ctx context.Context, port int) error {
	rec := m.recordForPort(port)
	if rec == nil {
		return fmt.Errorf("dataclient: requested channel not found")
	}

	rec.mu.Lock()
	if rec.conn != nil {
		rec.mu.Unlock()
		return fmt.Errorf("dataclient: requested channel already in use")
	}
	rec.mu.Unlock()

	conn, err := m.dialWithRetry(ctx, port)
	if err != nil {
		return fmt.Errorf("dataclient: failed to open data channel on port %d: %w", port, err)
	}

	rec.mu.Lock()
	rec.conn = conn
	rec.mu.Unlock()
	return nil
}

// dialWithRetry dials host:port, retrying on failure per dialRetryDelays,
// and aborting early if ctx is canceled.
func (m *Manager) dialWithRetry(ctx context.Context, port int) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", m.csHost, port)
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	var lastErr error
	for attempt := 0; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt >= len(dialRetryDelays) {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetryDelays[attempt]):
		}
	}
}

// Serve runs the data-channel service loop (spec §4.7) for port until the
// socket closes or a fatal error occurs, then clears the record. It is
// meant to be started in its own goroutine by controlclient immediately
// after Allocate succeeds and ChannelAllocated has been sent.
func (m *Manager) Serve(port int) {
	rec := m.recordForPort(port)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	conn := rec.conn
	rec.mu.Unlock()
	if conn == nil {
		return
	}

	logger := m.logger.With("port", port)
	br := bufio.NewReader(conn)

	for {
		req, err := httpwire.ReadRequest(br)
		if err != nil {
			if !isCleanClose(err) {
				logger.Warn("dataclient: request read failed", "error", err)
				m.writeErrorResponse(conn, err)
			}
			break
		}

		resp, handleErr := m.handle(req)
		if handleErr != nil {
			logger.Warn("dataclient: object-store adapter failed", "error", handleErr)
			m.writeErrorResponse(conn, handleErr)
			break
		}

		if err := httpwire.WriteResponse(conn, resp); err != nil {
			logger.Warn("dataclient: response write failed", "error", err)
			break
		}
		// loop to read the next request: keep-alive reuse of this channel.
	}

	_ = conn.Close()
	rec.mu.Lock()
	rec.conn = nil
	rec.mu.Unlock()
}

// handle turns a parsed wire request into an Object-Store adapter call
// (spec §4.7 points 2-3): it parses the request target into path and
// query and invokes the adapter with those plus the headers and body. no
// absolute URL (scheme or host) is built; the Host header is passed
// through unchanged in Header.
func (m *Manager) handle(req *httpwire.Request) (*httpwire.Response, error) {
	target, err := url.Parse(req.Target)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindHTTPParseError, "parsing request target", err)
	}

	osReq := &objectstore.Request{
		Method:        req.Method,
		Path:          target.Path,
		Query:         target.Query(),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	ctx := context.Background()
	osResp, err := m.adapter.Handle(ctx, osReq)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindObjectStoreFailure, "object-store adapter", err)
	}

	return &httpwire.Response{
		StatusCode:    osResp.StatusCode,
		Header:        osResp.Header,
		Body:          io.NopCloser(osResp.Body),
		ContentLength: osResp.ContentLength,
	}, nil
}

// writeErrorResponse attempts one best-effort 502 response before tearing
// the channel down (spec §4.7 point 5: "attempt to send an error response
// first if writer is still usable"). failures here are not logged further
// since the channel is already on its way out.
func (m *Manager) writeErrorResponse(conn net.Conn, cause error) {
	body := fmt.Sprintf("Proxy Error: %v", cause)
	resp := &httpwire.Response{
		StatusCode:    502,
		Header:        nil,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	_ = httpwire.WriteResponse(conn, resp)
}

// isCleanClose reports whether err merely signals the peer closing the
// connection (end of keep-alive reuse, not a protocol failure worth a 502).
func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
