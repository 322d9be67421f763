package controlclient

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/containerstatus"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/controlproto"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStatus struct {
	mu    sync.Mutex
	state containerstatus.State
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{state: containerstatus.StateRunning}
}

func (f *fakeStatus) Status() containerstatus.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStatus) set(s containerstatus.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

type fakeChannels struct {
	mu          sync.Mutex
	allocated   []int
	allocateErr error
	served      chan int
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{served: make(chan int, 16)}
}

func (f *fakeChannels) Allocate(ctx context.Context, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocateErr != nil {
		return f.allocateErr
	}
	f.allocated = append(f.allocated, port)
	return nil
}

func (f *fakeChannels) Serve(port int) {
	f.served <- port
}

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	return l, l.Addr().(*net.TCPAddr).Port
}

func TestRunConnectsAndInvokesOnConnected(t *testing.T) {
	l, port := listen(t)
	defer l.Close()

	acceptedC := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			acceptedC <- conn
		}
	}()

	channels := newFakeChannels()
	status := newFakeStatus()
	client := New("127.0.0.1", port, channels, status, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectedC := make(chan struct{}, 1)
	runErrC := make(chan error, 1)
	go func() {
		runErrC <- client.Run(ctx, func() { connectedC <- struct{}{} })
	}()

	select {
	case <-connectedC:
	case <-time.After(2 * time.Second):
		t.Fatal("onConnected was never invoked")
	}

	conn := <-acceptedC
	conn.Close()
	cancel()
	<-runErrC
}

func TestDispatchAllocateChannelAllocatesAndReplies(t *testing.T) {
	csConn, esConn := net.Pipe()
	defer csConn.Close()
	defer esConn.Close()

	channels := newFakeChannels()
	status := newFakeStatus()
	client := New("unused", 0, channels, status, discardLogger())

	writer := controlproto.NewWriter(esConn)
	client.dispatch(controlproto.AllocateChannel("req-1", 9101), writer)

	// handleAllocate runs in its own goroutine (spawned by dispatch in
	// production via Run's readLoop; called directly here), so wait for the
	// reply frame on the CS-side pipe end.
	reader := controlproto.NewReader(csConn)
	msg, err := reader.ReadMessage()
	assert.NilError(t, err)
	assert.Equal(t, msg.Type, controlproto.TypeChannelAllocated)
	assert.Equal(t, msg.Port, 9101)

	port := <-channels.served
	assert.Equal(t, port, 9101)
}

func TestDispatchAllocateChannelRepliesErrorOnFailure(t *testing.T) {
	csConn, esConn := net.Pipe()
	defer csConn.Close()
	defer esConn.Close()

	channels := newFakeChannels()
	channels.allocateErr = assertError("boom")
	status := newFakeStatus()
	client := New("unused", 0, channels, status, discardLogger())

	writer := controlproto.NewWriter(esConn)
	client.dispatch(controlproto.AllocateChannel("req-2", 9102), writer)

	reader := controlproto.NewReader(csConn)
	msg, err := reader.ReadMessage()
	assert.NilError(t, err)
	assert.Equal(t, msg.Type, controlproto.TypeError)
	assert.Equal(t, msg.RequestID, "req-2")
}

func TestConnectAbortsEarlyWhenContainerStopped(t *testing.T) {
	channels := newFakeChannels()
	status := newFakeStatus()
	status.set(containerstatus.StateStopped)

	client := New("127.0.0.1", 1, channels, status, discardLogger())
	_, err := client.connect(context.Background())
	assert.ErrorContains(t, err, "aborting connect")
}

type assertError string

func (e assertError) Error() string { return string(e) }
