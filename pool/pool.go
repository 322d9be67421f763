// Package pool implements the Container Side data-channel pool and
// allocation state machine (spec §4.5): a fixed-size set of pre-opened
// TCP listeners, one per data port, each handed out to at most one
// in-flight request at a time.
//
// grounded on spec §9's design note: "model the record as a plain value in
// a fixed-size array indexed by port - D1 and mutate through a small set
// of pool methods" — Pool.records below is exactly that array, and every
// mutation goes through Pool's methods, never touched directly by
// callers.
package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/ferrors"
)

// allocationTimeout is how long a pending allocation waits for
// ChannelAllocated before the pool gives up and frees the record (spec
// §3's "Pending allocation table", §5's "Allocation timeout: 10 s").
const allocationTimeout = 10 * time.Second

// ControlSender is the subset of the control-channel writer the pool
// needs: sending AllocateChannel on the caller's behalf. implemented by
// package controlserver; declared here (not imported from there) so pool
// has no dependency on controlserver. controlserver reaches pool only
// through its own AllocationResolver interface, so neither package
// imports the other.
type ControlSender interface {
	SendAllocateChannel(requestID string, port int) error
}

// record is one data-channel's state (spec §3, CS side). it is never
// exposed outside the package; all access is through Pool's methods so the
// in_use/current_socket/target invariants can be enforced in one place.
type record struct {
	mu sync.Mutex

	port     int
	listener net.Listener

	// socket is the most recent accepted connection for this port, or nil
	// if the ES has not yet connected or has since closed it.
	socket net.Conn

	// inUse is true from allocation until the response has been fully
	// written, or until the handler tears down.
	inUse bool

	// target replaces the source's mutable on_data/on_close callback slots
	// (spec §9's "Dynamic-dispatch handler slots" note). one router
	// goroutine per accepted socket is the socket's only reader for its
	// entire lifetime, and forwards every byte to whatever io.Writer
	// target currently holds; swapping target is an atomic pointer store,
	// never a second concurrent reader on the same connection. by default
	// target holds io.Discard, so bytes arriving on an idle (yet still
	// open) keep-alive socket are read and thrown away instead of
	// blocking the router or crashing the process.
	target atomic.Value // io.Writer

	// claimPipe, when a handler holds the channel, is the write side the
	// router forwards into; the handler reads the matching *io.PipeReader
	// returned by ClaimSocket.
	claimPipe *io.PipeWriter
}

// pendingAllocation is one entry in the CS's pending-allocation table
// (spec §3): a request_id waiting for ChannelAllocated or a 10s timeout.
type pendingAllocation struct {
	port    int
	resultC chan allocationResult
}

type allocationResult struct {
	port int
	err  error
}

// Pool holds the N data-channel records and the pending-allocation table.
// it is the only cross-request shared structure on the CS (spec §5's
// "Shared-resource policy").
type Pool struct {
	basePort int
	records  []*record

	control ControlSender
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]*pendingAllocation
}

// New constructs a Pool with count records for ports
// basePort..basePort+count-1. the listeners are not opened until
// ListenAll is called.
func New(basePort, count int, control ControlSender, logger *slog.Logger) *Pool {
	records := make([]*record, count)
	for i := range records {
		records[i] = &record{port: basePort + i}
	}
	return &Pool{
		basePort: basePort,
		records:  records,
		control:  control,
		logger:   logger,
		pending:  make(map[string]*pendingAllocation),
	}
}

// ListenAll opens one TCP listener per data port and starts accepting
// connections on each (spec §2: "Opens a listening socket on ... each of N
// data ports"). it returns once every listener is bound; accepting runs in
// background goroutines for the lifetime of the process.
func (p *Pool) ListenAll(ctx context.Context) error {
	for _, rec := range p.records {
		addr := fmt.Sprintf(":%d", rec.port)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("pool: failed to listen on data port %d: %w", rec.port, err)
		}
		rec.listener = listener
		go p.acceptLoop(ctx, rec)
	}
	p.logger.Info("pool: listening on data ports", "base", p.basePort, "count", len(p.records))
	return nil
}

// acceptLoop accepts connections on one data port for the lifetime of the
// process. the listener itself is never closed on a per-connection
// basis — spec §4.5: "the listener remains open and does NOT send
// ChannelReleased" when the ES disconnects — only ctx cancellation or a
// fatal Accept error ends the loop.
func (p *Pool) acceptLoop(ctx context.Context, rec *record) {
	for {
		conn, err := rec.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			p.logger.Error("pool: accept failed", "port", rec.port, "error", err)
			return
		}
		p.attachSocket(rec, conn)
	}
}

// attachSocket records a freshly accepted ES connection and starts the
// per-socket router goroutine described in the target field's doc
// comment. any previous socket on this record is assumed already closed
// (the ES only opens one data connection per port at a time).
func (p *Pool) attachSocket(rec *record, conn net.Conn) {
	rec.mu.Lock()
	rec.socket = conn
	rec.mu.Unlock()
	rec.target.Store(io.Writer(io.Discard))

	p.logger.Debug("pool: data channel connected", "port", rec.port)

	go p.routeSocket(rec, conn)
}

// routeSocket is this record's only reader of conn for the connection's
// entire lifetime — the "spawn one task per accepted socket that reads
// bytes into a bounded pipe" half of spec §9's replacement for mutable
// callback slots, reworked so handoff between "no handler" and "a handler
// owns this channel" never requires two goroutines to read the same
// connection concurrently. every chunk read is forwarded to whatever
// rec.target currently holds; ClaimSocket/Release swap that target, they
// never touch the connection itself.
func (p *Pool) routeSocket(rec *record, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			target, _ := rec.target.Load().(io.Writer)
			if target == nil {
				target = io.Discard
			}
			if _, err := target.Write(buf[:n]); err != nil {
				// the handler's claim pipe was closed out from under us
				// (handler gave up); fall back to discarding so the
				// connection read loop doesn't wedge.
				rec.target.Store(io.Writer(io.Discard))
			}
		}
		if readErr != nil {
			p.logger.Debug("pool: data channel read ended", "port", rec.port, "error", readErr)
			rec.mu.Lock()
			claimPipe := rec.claimPipe
			rec.mu.Unlock()
			if claimPipe != nil {
				_ = claimPipe.CloseWithError(readErr)
			}
			p.handleSocketClosed(rec)
			return
		}
	}
}

// handleSocketClosed resets a record when its current socket closes
// unexpectedly (spec §4.5: "When the ES closes Di, the record resets
// current_socket = nil, in_use = false, handlers = default").
func (p *Pool) handleSocketClosed(rec *record) {
	rec.mu.Lock()
	rec.socket = nil
	rec.inUse = false
	rec.claimPipe = nil
	rec.mu.Unlock()
	rec.target.Store(io.Writer(io.Discard))
}

// Allocate runs the allocation procedure of spec §4.5 for one request_id,
// returning the data port to use. ctx bounds the whole call including the
// allocation timeout; callers should pass a context scoped to the ingress
// request.
func (p *Pool) Allocate(ctx context.Context, requestID string) (int, error) {
	rec := p.findFree()
	if rec == nil {
		return 0, ferrors.New(ferrors.KindChannelSaturation, "no available data channels")
	}

	rec.mu.Lock()
	hasSocket := rec.socket != nil
	rec.mu.Unlock()

	if hasSocket {
		// keep-alive reuse: the ES is already connected on this port from
		// a prior exchange, so no AllocateChannel round-trip is needed.
		return rec.port, nil
	}

	return p.allocateFresh(ctx, requestID, rec)
}

// allocateFresh sends AllocateChannel and waits for either ChannelAllocated
// (via ResolveAllocation), the 10s timeout, or ctx cancellation.
func (p *Pool) allocateFresh(ctx context.Context, requestID string, rec *record) (int, error) {
	pending := &pendingAllocation{port: rec.port, resultC: make(chan allocationResult, 1)}

	p.pendingMu.Lock()
	p.pending[requestID] = pending
	p.pendingMu.Unlock()

	cleanup := func() {
		p.pendingMu.Lock()
		delete(p.pending, requestID)
		p.pendingMu.Unlock()
	}

	if err := p.control.SendAllocateChannel(requestID, rec.port); err != nil {
		cleanup()
		p.releaseRecord(rec)
		return 0, ferrors.Wrap(ferrors.KindControlChannelDown, "sending AllocateChannel", err)
	}

	timer := time.NewTimer(allocationTimeout)
	defer timer.Stop()

	select {
	case result := <-pending.resultC:
		cleanup()
		if result.err != nil {
			p.releaseRecord(rec)
			return 0, result.err
		}
		return result.port, nil
	case <-timer.C:
		cleanup()
		p.releaseRecord(rec)
		return 0, ferrors.New(ferrors.KindAllocationTimeout, fmt.Sprintf("allocation of port %d timed out after %s", rec.port, allocationTimeout))
	case <-ctx.Done():
		cleanup()
		p.releaseRecord(rec)
		return 0, ctx.Err()
	}
}

// ResolveAllocation is called by controlserver when a ChannelAllocated or
// Error control message arrives for requestID. it fires the matching
// pending resolver exactly once; a requestID with no pending entry (the
// timeout already fired, or it was never ours) is silently ignored.
func (p *Pool) ResolveAllocation(requestID string, port int, err error) {
	p.pendingMu.Lock()
	pending, ok := p.pending[requestID]
	if ok {
		delete(p.pending, requestID)
	}
	p.pendingMu.Unlock()

	if !ok {
		return
	}
	pending.resultC <- allocationResult{port: port, err: err}
}

// findFree marks the first in_use == false record as in_use and returns
// it, or nil if every record is occupied (spec §4.5 points 1-3). "first
// free" in record order is the spec's explicit fairness policy: "No
// prioritization beyond first free is required".
func (p *Pool) findFree() *record {
	for _, rec := range p.records {
		rec.mu.Lock()
		if !rec.inUse {
			rec.inUse = true
			rec.mu.Unlock()
			return rec
		}
		rec.mu.Unlock()
	}
	return nil
}

func (p *Pool) releaseRecord(rec *record) {
	rec.mu.Lock()
	rec.inUse = false
	rec.mu.Unlock()
}

// ClaimSocket hands the active request handler direct ownership of one
// port's socket: bytes the router goroutine reads off the connection from
// this point on are forwarded to the returned io.Reader instead of being
// discarded. it returns an error if the socket has since disappeared (the
// ES closed its side between allocation and the handler starting).
func (p *Pool) ClaimSocket(port int) (net.Conn, io.Reader, error) {
	rec := p.recordForPort(port)
	if rec == nil {
		return nil, nil, fmt.Errorf("pool: no record for port %d", port)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.socket == nil {
		return nil, nil, fmt.Errorf("pool: port %d has no live socket", port)
	}

	pr, pw := io.Pipe()
	rec.claimPipe = pw
	rec.target.Store(io.Writer(pw))
	return rec.socket, pr, nil
}

// Release marks a port's record free again and, if the handler observed
// the underlying socket had already closed, clears it (spec §4.5's
// "the listener remains open and does NOT send ChannelReleased"). this is
// the mirror of findFree, called once the response has been fully written
// or the handler aborts.
func (p *Pool) Release(port int, socketStillOpen bool) {
	rec := p.recordForPort(port)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	rec.inUse = false
	rec.claimPipe = nil
	if !socketStillOpen {
		rec.socket = nil
	}
	rec.mu.Unlock()
	// restore the default discard target so bytes on a now-idle
	// keep-alive socket (or any in flight before the next claim) don't
	// pile up unread against the handler's now-abandoned pipe.
	rec.target.Store(io.Writer(io.Discard))
}

func (p *Pool) recordForPort(port int) *record {
	idx := port - p.basePort
	if idx < 0 || idx >= len(p.records) {
		return nil
	}
	return p.records[idx]
}

// NoteSocketClosed is called by a handler (or the allocator) once it
// observes, via a read/write error, that a data channel's underlying
// socket is gone.
func (p *Pool) NoteSocketClosed(port int) {
	rec := p.recordForPort(port)
	if rec == nil {
		return
	}
	p.handleSocketClosed(rec)
}
