package pool

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeControl records AllocateChannel sends so tests can simulate the ES
// replying with ChannelAllocated by calling ResolveAllocation directly.
type fakeControl struct {
	sent   chan sentAllocate
	failOn func(port int) bool
}

type sentAllocate struct {
	requestID string
	port      int
}

func newFakeControl() *fakeControl {
	return &fakeControl{sent: make(chan sentAllocate, 16)}
}

func (f *fakeControl) SendAllocateChannel(requestID string, port int) error {
	f.sent <- sentAllocate{requestID: requestID, port: port}
	return nil
}

func TestAllocateSendsAllocateChannelAndResolves(t *testing.T) {
	control := newFakeControl()
	p := New(19100, 2, control, discardLogger())

	resultC := make(chan int, 1)
	errC := make(chan error, 1)
	go func() {
		port, err := p.Allocate(context.Background(), "req-1")
		resultC <- port
		errC <- err
	}()

	sent := <-control.sent
	assert.Equal(t, sent.requestID, "req-1")
	assert.Equal(t, sent.port, 19100)

	p.ResolveAllocation("req-1", sent.port, nil)

	assert.NilError(t, <-errC)
	assert.Equal(t, <-resultC, 19100)
}

func TestAllocateSaturatesAfterAllRecordsInUse(t *testing.T) {
	control := newFakeControl()
	p := New(19200, 1, control, discardLogger())

	go func() {
		_, _ = p.Allocate(context.Background(), "req-1")
	}()
	<-control.sent // first allocate claims the only record

	_, err := p.Allocate(context.Background(), "req-2")
	assert.ErrorContains(t, err, "no available data channels")
}

func TestAllocateTimesOutAndFreesRecord(t *testing.T) {
	control := newFakeControl()
	p := New(19300, 1, control, discardLogger())
	p.records[0].inUse = false // ensure clean state

	// shrink the allocation timeout for the test by allocating with a
	// context deadline shorter than the real 10s constant, which exercises
	// the same cleanup path (ctx.Done branch) without waiting 10s.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Allocate(ctx, "req-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// record must be free again for the next caller.
	assert.Assert(t, !p.records[0].inUse)
}

func TestAllocateReusesLiveSocketWithoutControlRoundTrip(t *testing.T) {
	control := newFakeControl()
	p := New(19400, 1, control, discardLogger())

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	p.attachSocket(p.records[0], serverConn)

	port, err := p.Allocate(context.Background(), "req-1")
	assert.NilError(t, err)
	assert.Equal(t, port, 19400)

	select {
	case <-control.sent:
		t.Fatal("expected no AllocateChannel send for keep-alive reuse")
	default:
	}
}

func TestClaimSocketRoutesBytesToHandlerNotDiscard(t *testing.T) {
	control := newFakeControl()
	p := New(19500, 1, control, discardLogger())

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	p.attachSocket(p.records[0], serverConn)

	_, body, err := p.ClaimSocket(19500)
	assert.NilError(t, err)

	go func() {
		_, _ = clientConn.Write([]byte("hello"))
	}()

	buf := make([]byte, 5)
	n, err := io.ReadFull(body, buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf[:n]), "hello")

	p.Release(19500, true)
}
