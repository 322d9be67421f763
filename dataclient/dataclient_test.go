package dataclient

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/httpwire"
	"github.com/sasta-kro/corvus-paas/corvus-proxy-fabric/objectstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAdapter returns a fixed response for every call and records the
// target path it was asked to handle.
type fakeAdapter struct {
	lastPath string
	status   int
	body     string
}

func (f *fakeAdapter) Handle(ctx context.Context, req *objectstore.Request) (*objectstore.Response, error) {
	f.lastPath = req.Path
	header := make(http.Header)
	return &objectstore.Response{
		StatusCode:    f.status,
		Header:        header,
		Body:          strings.NewReader(f.body),
		ContentLength: int64(len(f.body)),
	}, nil
}

// listener returns an already-listening net.Listener on loopback so
// Allocate's dial succeeds against a real socket.
func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	return l, l.Addr().(*net.TCPAddr).Port
}

func TestAllocateDialsAndStoresConnection(t *testing.T) {
	l, port := listen(t)
	defer l.Close()

	acceptedC := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			acceptedC <- conn
		}
	}()

	m := New("127.0.0.1", port, 1, &fakeAdapter{status: 200}, discardLogger())
	err := m.Allocate(context.Background(), port)
	assert.NilError(t, err)

	conn := <-acceptedC
	defer conn.Close()

	rec := m.recordForPort(port)
	assert.Assert(t, rec.conn != nil)
}

func TestAllocateRejectsUnknownPort(t *testing.T) {
	m := New("127.0.0.1", 20000, 1, &fakeAdapter{status: 200}, discardLogger())
	err := m.Allocate(context.Background(), 20099)
	assert.ErrorContains(t, err, "not found")
}

func TestAllocateRejectsAlreadyInUse(t *testing.T) {
	l, port := listen(t)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	m := New("127.0.0.1", port, 1, &fakeAdapter{status: 200}, discardLogger())
	assert.NilError(t, m.Allocate(context.Background(), port))

	err := m.Allocate(context.Background(), port)
	assert.ErrorContains(t, err, "already in use")
}

func TestServeHandlesOneRequestThenClosesCleanlyOnEOF(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	adapter := &fakeAdapter{status: 200, body: "ok"}
	m := New("127.0.0.1", 21000, 1, adapter, discardLogger())
	rec := m.recordForPort(21000)
	rec.conn = serverConn

	serveDone := make(chan struct{})
	go func() {
		m.Serve(21000)
		close(serveDone)
	}()

	req := &httpwire.Request{Method: "GET", Target: "/greeting.txt", Header: http.Header{}, Body: http.NoBody}
	assert.NilError(t, httpwire.WriteRequest(clientConn, req))

	br := bufio.NewReader(clientConn)
	resp, err := httpwire.ReadResponse(br, clientConn, 2*time.Second)
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, 200)
	assert.Equal(t, adapter.lastPath, "/greeting.txt")

	// drain the body so Serve's response write completes and it is back
	// in ReadRequest when the client closes, ending on EOF.
	body, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	assert.Equal(t, string(body), "ok")

	clientConn.Close()
	<-serveDone

	assert.Assert(t, rec.conn == nil)
}

func TestIsCleanCloseClassifiesEOFAndErrClosed(t *testing.T) {
	assert.Assert(t, isCleanClose(io.EOF))
	assert.Assert(t, isCleanClose(net.ErrClosed))
	assert.Assert(t, isCleanClose(io.ErrUnexpectedEOF))
}
